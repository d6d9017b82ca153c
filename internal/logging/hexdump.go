package logging

import (
	"fmt"
	"strings"
)

const hexDumpWidth = 16

// HexDump formats data as a classic offset / hex / ASCII dump, one 16-byte
// row per line. The transport logs it alongside protocol errors and, at
// debug level, every dispatched PDU.
func HexDump(data []byte) string {
	if len(data) == 0 {
		return "(empty)"
	}

	var b strings.Builder
	for offset := 0; offset < len(data); offset += hexDumpWidth {
		end := offset + hexDumpWidth
		if end > len(data) {
			end = len(data)
		}
		row := data[offset:end]

		fmt.Fprintf(&b, "%04x  ", offset)

		for i := 0; i < hexDumpWidth; i++ {
			if i < len(row) {
				fmt.Fprintf(&b, "%02x ", row[i])
			} else {
				b.WriteString("   ")
			}
			if i == hexDumpWidth/2-1 {
				b.WriteByte(' ')
			}
		}

		b.WriteByte(' ')
		for _, c := range row {
			if c < 0x20 || c > 0x7e {
				c = '.'
			}
			b.WriteByte(c)
		}
		b.WriteByte('\n')
	}

	return b.String()
}
