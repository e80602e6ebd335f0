package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	errs "github.com/migadu/mailarchive/pkg/errors"
)

// TLSConfig builds the client configuration for host. Certificate
// verification is only skipped when allowInvalidCerts is explicitly set on
// the account.
func TLSConfig(host string, alpn []string, allowInvalidCerts bool) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		NextProtos:         alpn,
		InsecureSkipVerify: allowInvalidCerts,
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
	}
}

// UpgradeTLS performs a client handshake over conn. The handshake is bounded
// by timeout; on failure conn is closed.
func UpgradeTLS(ctx context.Context, conn net.Conn, host string, alpn []string, allowInvalidCerts bool, timeout time.Duration) (*tls.Conn, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	tlsConn := tls.Client(conn, TLSConfig(host, alpn, allowInvalidCerts))

	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		conn.Close()
		if isTimeout(err) || (hsCtx.Err() != nil && ctx.Err() == nil) {
			return nil, errs.Wrap(errs.ConnectionTimeout, err, "TLS handshake with %s timed out after %ds", host, int(timeout.Seconds()))
		}
		return nil, errs.Wrap(errs.NetworkError, err, "TLS handshake with %s failed", host)
	}
	return tlsConn, nil
}
