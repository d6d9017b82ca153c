// Command relay bridges a browser websocket to an RDP server through the
// transport core. It forwards opaque PDUs in both directions without
// interpreting their payloads: the browser side drives the protocol, the
// relay drives the transport (connect, optional TLS/NLA upgrade, then the
// non-blocking dispatch loop).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kulaginds/rdp-transport/internal/config"
	"github.com/kulaginds/rdp-transport/internal/logging"
	"github.com/kulaginds/rdp-transport/internal/transport"
)

const (
	webSocketReadBufferSize  = 8192
	webSocketWriteBufferSize = 8192 * 2

	// dispatchInterval paces the CheckReadiness polling loop.
	dispatchInterval = 5 * time.Millisecond
)

var securityMode = flag.String("security", "nla", "security upgrade to perform after negotiation: rdp, tls or nla")

func main() {
	opts := config.LoadOptions{}
	flag.StringVar(&opts.Host, "host", "", "listen host (overrides SERVER_HOST)")
	flag.StringVar(&opts.Port, "port", "", "listen port (overrides SERVER_PORT)")
	flag.StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn or error")
	flag.StringVar(&opts.ConfigFile, "config", "", "path to a YAML config file")
	flag.BoolVar(&opts.SkipTLSValidation, "skip-tls-validation", false, "skip TLS certificate validation")
	flag.StringVar(&opts.TLSServerName, "tls-server-name", "", "server name for TLS verification")
	flag.Parse()

	cfg, err := config.LoadWithOverrides(opts)
	if err != nil {
		logging.Error("loading configuration: %v", err)
		return
	}

	logging.SetLevelFromString(cfg.Logging.Level)

	http.HandleFunc("/connect", connect)

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	logging.Info("relay listening on %s", addr)

	server := &http.Server{
		Addr:         addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if err := server.ListenAndServe(); err != nil {
		logging.Error("relay server: %v", err)
	}
}

func connect(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  webSocketReadBufferSize,
		WriteBufferSize: webSocketWriteBufferSize,
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("upgrading websocket: %v", err)
		return
	}
	defer wsConn.Close()

	host := r.URL.Query().Get("host")
	port, err := strconv.Atoi(r.URL.Query().Get("port"))
	if err != nil {
		logging.Error("bad port parameter: %v", err)
		return
	}

	settings := config.GetGlobalConfig().Security.TransportSettings()
	settings.Username = r.URL.Query().Get("user")
	settings.Password = r.URL.Query().Get("password")
	settings.Domain = r.URL.Query().Get("domain")

	tr := transport.New(settings)
	defer tr.Free()

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err = tr.ConnectTcp(ctx, host, port); err != nil {
		logging.Error("connecting to %s:%d: %v", host, port, err)
		return
	}

	if err = negotiate(tr, wsConn); err != nil {
		logging.Error("negotiation with %s:%d: %v", host, port, err)
		return
	}

	if err = upgrade(tr); err != nil {
		logging.Error("security upgrade: %v", err)
		return
	}

	relay(r.Context(), tr, wsConn)
}

// negotiate forwards the browser's connection-request PDU to the server and
// the server's response back, both as single whole PDUs over the blocking
// path.
func negotiate(tr *transport.Transport, wsConn *websocket.Conn) error {
	_, request, err := wsConn.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading connection request: %w", err)
	}

	if _, err = tr.Write(request); err != nil {
		return fmt.Errorf("forwarding connection request: %w", err)
	}

	response, err := tr.ReadOne()
	if err != nil {
		return fmt.Errorf("reading connection response: %w", err)
	}

	if err = wsConn.WriteMessage(websocket.BinaryMessage, response); err != nil {
		return fmt.Errorf("forwarding connection response: %w", err)
	}
	return nil
}

// upgrade performs the security upgrade chosen on the command line.
func upgrade(tr *transport.Transport) error {
	switch *securityMode {
	case "rdp":
		return tr.ConnectRdp()
	case "tls":
		return tr.UpgradeToTls()
	case "nla":
		return tr.UpgradeToNla()
	default:
		return fmt.Errorf("unknown security mode %q", *securityMode)
	}
}

// relay switches the transport to non-blocking mode and pumps PDUs in both
// directions until either side drops.
func relay(ctx context.Context, tr *transport.Transport, wsConn *websocket.Conn) {
	tr.SetCallback(func(t *transport.Transport, pdu []byte) error {
		return wsConn.WriteMessage(websocket.BinaryMessage, pdu)
	})
	tr.SetBlockingMode(false)

	// The transport is single-threaded: the websocket reader only queues
	// messages, and the loop below owns every transport call.
	fromBrowser := make(chan []byte)
	go func() {
		defer close(fromBrowser)
		for {
			_, data, err := wsConn.ReadMessage()
			if err != nil {
				logging.Debug("websocket closed: %v", err)
				return
			}
			fromBrowser <- data
		}
	}()

	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-fromBrowser:
			if !ok {
				return
			}
			if _, err := tr.Write(data); err != nil {
				logging.Error("writing to RDP server: %v", err)
				return
			}
		case <-ticker.C:
			if err := tr.CheckReadiness(); err != nil {
				logging.Error("dispatch: %v", err)
				return
			}
		}
	}
}
