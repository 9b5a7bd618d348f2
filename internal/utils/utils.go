package utils

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
)

var normalPadding = cli.Default.Padding

// ConvertStrToInt converts an input string to uint64
func ConvertStrToInt(intStr string) (uint64, error) {
	intStr = strings.ToLower(strings.TrimSpace(intStr))
	if intStr == "" {
		return 0, fmt.Errorf("empty integer string")
	}

	if strings.HasPrefix(intStr, "0x") || strings.ContainsAny(intStr, "abcdef") {
		if out, err := strconv.ParseUint(strings.TrimPrefix(intStr, "0x"), 16, 64); err == nil {
			return out, nil
		}
		log.Warn("assuming given integer is in decimal")
	}
	return strconv.ParseUint(intStr, 10, 64)
}

// Indent indents apex log line to supplied level
func Indent(f func(s string), level int) func(string) {
	return func(s string) {
		cli.Default.Padding = normalPadding * level
		f(s)
		cli.Default.Padding = normalPadding
	}
}
