// Package transport establishes the byte streams IMAP sessions run on.
//
// A connection is built in explicit steps: Connect opens TCP directly or
// through a SOCKS5 proxy, UpgradeTLS optionally performs the TLS handshake,
// and Wrap installs the read and write idle bounds. Every step is bounded so
// that a stalled peer surfaces as a ConnectionTimeout instead of a hang.
package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"github.com/migadu/mailarchive/logger"
	errs "github.com/migadu/mailarchive/pkg/errors"
	"github.com/migadu/mailarchive/pkg/metrics"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	DefaultWriteTimeout   = 15 * time.Second
)

// ResolveAccountAddress joins an account's IMAP host and port.
func ResolveAccountAddress(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Connect opens a TCP connection to address. When proxyURL is non-empty the
// connection is tunnelled through the SOCKS5 proxy it names. The whole
// connect, including the proxy handshake, is bounded by timeout.
func Connect(ctx context.Context, address, proxyURL string, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	route := "direct"
	var dialer proxy.ContextDialer = &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	if proxyURL != "" {
		proxyAddr, err := ParseProxyURL(proxyURL)
		if err != nil {
			return nil, err
		}
		socks, err := proxy.SOCKS5("tcp", proxyAddr, nil, &net.Dialer{Timeout: timeout})
		if err != nil {
			return nil, errs.Wrap(errs.NetworkError, err, "failed to create SOCKS5 dialer for %s", proxyAddr)
		}
		cd, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, errs.New(errs.InternalError, "SOCKS5 dialer does not support contexts")
		}
		dialer = cd
		route = "socks5"
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	metrics.ObserveSince(metrics.ConnectDuration.WithLabelValues(route), start)
	if err != nil {
		if isTimeout(err) || (errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil) {
			metrics.ConnectionsTotal.WithLabelValues(route, "timeout").Inc()
			logger.Debug("Connect timed out", "addr", address, "route", route, "timeout", timeout)
			return nil, errs.Wrap(errs.ConnectionTimeout, err, "TCP connection to %s timed out after %ds", address, int(timeout.Seconds()))
		}
		metrics.ConnectionsTotal.WithLabelValues(route, "error").Inc()
		return nil, errs.Wrap(errs.NetworkError, err, "failed to connect to %s", address)
	}

	metrics.ConnectionsTotal.WithLabelValues(route, "success").Inc()
	logger.Debug("Connected", "addr", address, "route", route, "elapsed", time.Since(start))
	return conn, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
