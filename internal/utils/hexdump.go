package utils

import (
	"fmt"
	"strings"

	"github.com/blacktop/dscmap/internal/colors"
)

const bytesPerLine = 16

// HexDump renders data as a canonical hex+ASCII dump whose first byte is
// labeled with vaddr. Zero bytes are dimmed when colors are enabled.
func HexDump(data []byte, vaddr uint64) string {
	var sb strings.Builder
	zero := colors.Zero().SprintFunc()
	addr := colors.Address().SprintFunc()

	for off := 0; off < len(data); off += bytesPerLine {
		line := data[off:min(off+bytesPerLine, len(data))]

		sb.WriteString(addr(fmt.Sprintf("%08x", vaddr+uint64(off))))
		sb.WriteString("  ")
		for i := range bytesPerLine {
			if i == bytesPerLine/2 {
				sb.WriteByte(' ')
			}
			if i >= len(line) {
				sb.WriteString("   ")
				continue
			}
			h := fmt.Sprintf("%02x", line[i])
			if line[i] == 0 {
				h = zero(h)
			}
			sb.WriteString(h)
			sb.WriteByte(' ')
		}

		sb.WriteString(" |")
		for _, b := range line {
			if b < 0x20 || b > 0x7e {
				b = '.'
			}
			sb.WriteByte(b)
		}
		sb.WriteString("|\n")
	}

	return sb.String()
}
