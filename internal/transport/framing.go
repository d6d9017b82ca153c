package transport

import (
	"bytes"
	"fmt"

	"github.com/lunixbochs/struc"
)

// tpktHeader is the 4-byte ISO transport-service-over-TCP header: a fixed
// version/reserved pair followed by a big-endian 16-bit total length. struc
// packs/unpacks it directly from the wire bytes since it is the one fixed
// framing header worth a struct tag instead of hand-written bit arithmetic.
type tpktHeader struct {
	Version  uint8
	Reserved uint8
	Length   uint16 `struc:"big"`
}

const (
	tpktHeaderLen         = 4
	fastPathMinHeaderLen  = 2
	fastPathLongHeaderLen = 3
	tsRequestMinHeaderLen = 2
)

func isTPKT(firstByte byte) bool      { return firstByte == 0x03 }
func isTSRequest(firstByte byte) bool { return firstByte == 0x30 }

// recognize classifies a PDU from the first bytes of buf: TPKT and TSRequest
// each have a distinctive leading byte, anything else is Fast-Path. It
// returns the total declared PDU length once enough header bytes are
// present, or needMore > 0 when more bytes must arrive before the length is
// known. A totalLen of 0 with needMore 0 means the bytes match no framing.
func recognize(buf []byte) (totalLen int, needMore int, err error) {
	if len(buf) == 0 {
		return 0, 1, nil
	}

	switch {
	case isTPKT(buf[0]):
		return recognizeTPKT(buf)
	case isTSRequest(buf[0]):
		return recognizeTSRequest(buf)
	default:
		return recognizeFastPath(buf)
	}
}

func recognizeTPKT(buf []byte) (totalLen int, needMore int, err error) {
	if len(buf) < tpktHeaderLen {
		return 0, tpktHeaderLen - len(buf), nil
	}

	var hdr tpktHeader
	if err := struc.Unpack(bytes.NewReader(buf[:tpktHeaderLen]), &hdr); err != nil {
		return 0, 0, fmt.Errorf("transport: unpacking TPKT header: %w", err)
	}

	return int(hdr.Length), 0, nil
}

// fastPathActionMask isolates the action field in a Fast-Path header's
// first byte. A valid Fast-Path PDU (FASTPATH_UPDATE_PDU from the server, or
// an input PDU from the client) always carries action 0 in these bits;
// anything else means the bytes match neither TPKT nor Fast-Path framing.
const fastPathActionMask = 0x03

func recognizeFastPath(buf []byte) (totalLen int, needMore int, err error) {
	if buf[0]&fastPathActionMask != 0 {
		return 0, 0, nil
	}

	if len(buf) < fastPathMinHeaderLen {
		return 0, fastPathMinHeaderLen - len(buf), nil
	}

	lengthByte := buf[1]
	if lengthByte&0x80 == 0 {
		return int(lengthByte), 0, nil
	}

	if len(buf) < fastPathLongHeaderLen {
		return 0, fastPathLongHeaderLen - len(buf), nil
	}

	return (int(lengthByte&0x7f) << 8) | int(buf[2]), 0, nil
}

func recognizeTSRequest(buf []byte) (totalLen int, needMore int, err error) {
	if len(buf) < tsRequestMinHeaderLen {
		return 0, tsRequestMinHeaderLen - len(buf), nil
	}

	lengthByte := buf[1]
	switch {
	case lengthByte < 0x80:
		return int(lengthByte) + 2, 0, nil
	case lengthByte == 0x81:
		if len(buf) < 3 {
			return 0, 3 - len(buf), nil
		}
		return int(buf[2]) + 3, 0, nil
	case lengthByte == 0x82:
		if len(buf) < 4 {
			return 0, 4 - len(buf), nil
		}
		return (int(buf[2])<<8 | int(buf[3])) + 4, 0, nil
	default:
		return 0, 0, fmt.Errorf("%w: unsupported TSRequest length encoding 0x%02x", ErrProtocol, lengthByte)
	}
}
