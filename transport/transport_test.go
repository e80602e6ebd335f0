package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/migadu/mailarchive/pkg/errors"
)

func TestParseProxyURL(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"socks5://127.0.0.1:1080", "127.0.0.1:1080", false},
		{"SOCKS5://10.0.0.1:9050", "10.0.0.1:9050", false},
		{"http://192.168.1.1:3128", "192.168.1.1:3128", false},
		{"HTTP://[::1]:8080", "[::1]:8080", false},
		{"https://127.0.0.1:1080", "", true},
		{"socks4://127.0.0.1:1080", "", true},
		{"socks5://proxy.example.com:1080", "", true},
		{"socks5://127.0.0.1", "", true},
		{"127.0.0.1:1080", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseProxyURL(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errs.InvalidParameter, errs.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveAccountAddress(t *testing.T) {
	assert.Equal(t, "imap.example.com:993", ResolveAccountAddress("imap.example.com", 993))
	assert.Equal(t, "[::1]:143", ResolveAccountAddress("::1", 143))
}

func echoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln
}

func TestConnectDirect(t *testing.T) {
	ln := echoListener(t)

	conn, err := Connect(context.Background(), ln.Addr().String(), "", time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Connect(context.Background(), addr, "", time.Second)
	require.Error(t, err)
	assert.Equal(t, errs.NetworkError, errs.CodeOf(err))
}

func TestConnectRejectsBadProxy(t *testing.T) {
	_, err := Connect(context.Background(), "127.0.0.1:993", "ftp://127.0.0.1:21", time.Second)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidParameter, errs.CodeOf(err))
}

// socks5Server accepts unauthenticated CONNECT requests and splices them to
// the requested target.
func socks5Server(t *testing.T) (net.Listener, chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	targets := make(chan string, 4)

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				hdr := make([]byte, 2)
				if _, err := io.ReadFull(c, hdr); err != nil {
					return
				}
				methods := make([]byte, hdr[1])
				if _, err := io.ReadFull(c, methods); err != nil {
					return
				}
				_, _ = c.Write([]byte{5, 0})

				req := make([]byte, 4)
				if _, err := io.ReadFull(c, req); err != nil {
					return
				}
				var host string
				switch req[3] {
				case 1:
					ip := make([]byte, 4)
					_, _ = io.ReadFull(c, ip)
					host = net.IP(ip).String()
				case 4:
					ip := make([]byte, 16)
					_, _ = io.ReadFull(c, ip)
					host = net.IP(ip).String()
				case 3:
					l := make([]byte, 1)
					_, _ = io.ReadFull(c, l)
					name := make([]byte, l[0])
					_, _ = io.ReadFull(c, name)
					host = string(name)
				}
				pb := make([]byte, 2)
				_, _ = io.ReadFull(c, pb)
				target := net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(pb))))
				targets <- target

				up, err := net.Dial("tcp", target)
				if err != nil {
					_, _ = c.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
					return
				}
				defer up.Close()
				_, _ = c.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0})
				go func() { _, _ = io.Copy(up, c) }()
				_, _ = io.Copy(c, up)
			}(c)
		}
	}()
	return ln, targets
}

func TestConnectThroughSOCKS5(t *testing.T) {
	target := echoListener(t)
	socks, targets := socks5Server(t)

	for _, scheme := range []string{"socks5://", "http://"} {
		t.Run(scheme, func(t *testing.T) {
			conn, err := Connect(context.Background(), target.Addr().String(), scheme+socks.Addr().String(), time.Second)
			require.NoError(t, err)
			defer conn.Close()

			assert.Equal(t, target.Addr().String(), <-targets)

			_, err = conn.Write([]byte("hello"))
			require.NoError(t, err)
			buf := make([]byte, 5)
			_, err = io.ReadFull(conn, buf)
			require.NoError(t, err)
			assert.Equal(t, "hello", string(buf))
		})
	}
}

func TestReadIdleTimeoutWhileInFlight(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := Wrap(client, Timeouts{Read: 50 * time.Millisecond, Write: time.Second})
	defer c.Close()

	c.Begin()
	start := time.Now()
	_, err := c.Read(make([]byte, 1))
	require.Error(t, err)
	assert.True(t, isTimeout(err))
	assert.True(t, c.TimedOut())
	assert.Less(t, time.Since(start), 2*time.Second, "read must not hang")
}

func TestReadBoundSurvivesDeadlineReset(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := Wrap(client, Timeouts{Read: 50 * time.Millisecond})
	defer c.Close()

	go func() { _, _ = server.Write([]byte{'*'}) }()

	c.Begin()
	defer c.End()
	buf := make([]byte, 1)
	_, err := c.Read(buf)
	require.NoError(t, err)

	// The IMAP client clears read deadlines after every response.
	require.NoError(t, c.SetReadDeadline(time.Time{}))

	start := time.Now()
	_, err = c.Read(buf)
	require.Error(t, err)
	assert.True(t, isTimeout(err))
	assert.True(t, c.TimedOut())
	assert.Less(t, time.Since(start), time.Second)
}

func TestReadExtendedByTraffic(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := Wrap(client, Timeouts{Read: 100 * time.Millisecond})
	defer c.Close()

	go func() {
		for i := 0; i < 4; i++ {
			time.Sleep(40 * time.Millisecond)
			_, _ = server.Write([]byte{'x'})
		}
	}()

	c.Begin()
	defer c.End()
	buf := make([]byte, 1)
	for i := 0; i < 4; i++ {
		_, err := c.Read(buf)
		require.NoError(t, err, "read %d", i)
	}
	assert.False(t, c.TimedOut())
}

func TestIdleReadNotBoundedOutsideCommand(t *testing.T) {
	client, server := net.Pipe()
	c := Wrap(client, Timeouts{Read: 30 * time.Millisecond})

	c.Begin()
	c.End()

	done := make(chan error, 1)
	go func() {
		_, err := c.Read(make([]byte, 1))
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("idle read returned early: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	server.Close()
	<-done
	assert.False(t, c.TimedOut())
}

func TestWriteTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := Wrap(client, Timeouts{Write: 50 * time.Millisecond})
	defer c.Close()

	// Nobody reads from server, so the write blocks until its deadline.
	_, err := c.Write([]byte("A001 NOOP\r\n"))
	require.Error(t, err)
	assert.True(t, isTimeout(err))
	assert.True(t, c.TimedOut())
}

func TestUpgradeTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	addr := srv.Listener.Addr().String()

	t.Run("self-signed rejected by default", func(t *testing.T) {
		conn, err := Connect(context.Background(), addr, "", time.Second)
		require.NoError(t, err)
		_, err = UpgradeTLS(context.Background(), conn, "127.0.0.1", nil, false, time.Second)
		require.Error(t, err)
		assert.Equal(t, errs.NetworkError, errs.CodeOf(err))
	})

	t.Run("explicitly allowed", func(t *testing.T) {
		conn, err := Connect(context.Background(), addr, "", time.Second)
		require.NoError(t, err)
		tlsConn, err := UpgradeTLS(context.Background(), conn, "127.0.0.1", []string{"http/1.1"}, true, time.Second)
		require.NoError(t, err)
		defer tlsConn.Close()
		assert.True(t, tlsConn.ConnectionState().HandshakeComplete)
	})
}

func TestUpgradeTLSHandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		// Never answer the ClientHello.
		time.Sleep(time.Second)
		c.Close()
	}()

	conn, err := Connect(context.Background(), ln.Addr().String(), "", time.Second)
	require.NoError(t, err)
	_, err = UpgradeTLS(context.Background(), conn, "127.0.0.1", nil, false, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errs.ConnectionTimeout, errs.CodeOf(err))
}

func TestTLSConfigNeverDefaultsInsecure(t *testing.T) {
	cfg := TLSConfig("imap.example.com", []string{"imap"}, false)
	assert.False(t, cfg.InsecureSkipVerify)
	assert.Equal(t, "imap.example.com", cfg.ServerName)
	assert.Equal(t, []string{"imap"}, cfg.NextProtos)
}
