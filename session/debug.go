package session

import (
	"strings"

	"github.com/migadu/mailarchive/logger"
)

// debugWriter logs raw IMAP traffic at debug level with credentials redacted.
type debugWriter struct {
	address string
}

func (w *debugWriter) Write(p []byte) (int, error) {
	data := strings.TrimSpace(string(p))
	upper := strings.ToUpper(data)
	if strings.Contains(upper, " LOGIN ") || strings.Contains(upper, " AUTHENTICATE ") {
		data = "[credentials redacted]"
	}
	logger.Debug("IMAP traffic", "addr", w.address, "data", data)
	return len(p), nil
}
