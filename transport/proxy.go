package transport

import (
	"net/netip"
	"strings"

	errs "github.com/migadu/mailarchive/pkg/errors"
)

var proxySchemes = []string{"socks5://", "http://"}

// ParseProxyURL validates a proxy URL of the form "socks5://ip:port" or
// "http://ip:port" (scheme case-insensitive) and returns the socket address.
// Both schemes are tunnelled with SOCKS5.
func ParseProxyURL(raw string) (string, error) {
	lower := strings.ToLower(raw)
	for _, scheme := range proxySchemes {
		if !strings.HasPrefix(lower, scheme) {
			continue
		}
		addr := raw[len(scheme):]
		ap, err := netip.ParseAddrPort(addr)
		if err != nil {
			return "", errs.Wrap(errs.InvalidParameter, err, "invalid proxy address %q", addr)
		}
		return ap.String(), nil
	}
	return "", errs.New(errs.InvalidParameter, "invalid proxy URL %q: scheme must be socks5:// or http://", raw)
}
