package session

import (
	"context"
	"errors"
	"io"
	"mime"
	"net"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"

	"github.com/migadu/mailarchive/logger"
	errs "github.com/migadu/mailarchive/pkg/errors"
	"github.com/migadu/mailarchive/pkg/metrics"
	"github.com/migadu/mailarchive/transport"
)

// DialParams describes how to reach and authenticate against one account.
type DialParams struct {
	Address           string // host:port
	Host              string // TLS server name
	Encryption        Encryption
	AuthType          AuthType
	Login             string
	Password          string
	AccessToken       string
	ProxyURL          string
	AllowInvalidCerts bool
	ConnectTimeout    time.Duration
	Timeouts          transport.Timeouts
	Debug             bool
}

// IMAPSession is a Session backed by an imapclient.Client.
type IMAPSession struct {
	client  *imapclient.Client
	conn    *transport.Conn
	address string
	broken  atomic.Bool
}

var _ Session = (*IMAPSession)(nil)

// Dial connects, secures, authenticates and verifies the server speaks
// IMAP4rev1. On any failure the connection is closed.
func Dial(ctx context.Context, p DialParams) (*IMAPSession, error) {
	raw, err := transport.Connect(ctx, p.Address, p.ProxyURL, p.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	opts := &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	}
	if p.Debug {
		opts.DebugWriter = &debugWriter{address: p.Address}
	}

	s := &IMAPSession{address: p.Address}

	switch p.Encryption {
	case EncryptionSSL:
		tlsConn, err := transport.UpgradeTLS(ctx, raw, p.Host, nil, p.AllowInvalidCerts, p.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		s.conn = transport.Wrap(tlsConn, p.Timeouts)
		s.client = imapclient.New(s.conn, opts)
		if err := s.run(ctx, "GREETING", s.client.WaitGreeting); err != nil {
			s.Close()
			return nil, err
		}
	case EncryptionStartTLS:
		s.conn = transport.Wrap(raw, p.Timeouts)
		opts.TLSConfig = transport.TLSConfig(p.Host, nil, p.AllowInvalidCerts)
		err := s.runRaw(ctx, "STARTTLS", func() error {
			c, err := imapclient.NewStartTLS(s.conn, opts)
			if err != nil {
				return err
			}
			s.client = c
			return nil
		})
		if err != nil {
			raw.Close()
			return nil, err
		}
	case EncryptionNone, "":
		s.conn = transport.Wrap(raw, p.Timeouts)
		s.client = imapclient.New(s.conn, opts)
		if err := s.run(ctx, "GREETING", s.client.WaitGreeting); err != nil {
			s.Close()
			return nil, err
		}
	default:
		raw.Close()
		return nil, errs.New(errs.InvalidParameter, "unsupported encryption %q", p.Encryption)
	}

	if err := s.authenticate(ctx, p); err != nil {
		s.Close()
		return nil, err
	}

	caps, err := s.Capabilities(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	if !caps.Has(imap.CapIMAP4rev1) {
		s.Logout(ctx)
		return nil, errs.New(errs.Incompatible, "IMAP server at %s does not advertise IMAP4rev1", p.Address)
	}

	logger.Debug("IMAP session established", "addr", p.Address, "login", p.Login, "encryption", string(p.Encryption))
	return s, nil
}

func (s *IMAPSession) authenticate(ctx context.Context, p DialParams) error {
	switch p.AuthType {
	case AuthOAuth2:
		if p.AccessToken == "" {
			return errs.New(errs.InvalidParameter, "oauth2 account %s has no access token", p.Login)
		}
		caps, err := s.Capabilities(ctx)
		if err != nil {
			return err
		}
		client, mech := oauthClient(caps, p.Login, p.AccessToken)
		err = s.run(ctx, "AUTHENTICATE", func() error {
			return s.client.Authenticate(client)
		})
		metrics.LoginsTotal.WithLabelValues(mech, metrics.Status(err)).Inc()
		if err != nil {
			return errs.Wrap(errs.CodeOf(err), err, "authentication failed for %s", p.Login)
		}
	case AuthPassword, "":
		err := s.run(ctx, "LOGIN", func() error {
			return s.client.Login(p.Login, p.Password).Wait()
		})
		metrics.LoginsTotal.WithLabelValues("LOGIN", metrics.Status(err)).Inc()
		if err != nil {
			return errs.Wrap(errs.CodeOf(err), err, "authentication failed for %s", p.Login)
		}
	default:
		return errs.New(errs.InvalidParameter, "unsupported auth type %q", p.AuthType)
	}
	return nil
}

func (s *IMAPSession) List(ctx context.Context) ([]*imap.ListData, error) {
	var folders []*imap.ListData
	err := s.run(ctx, "LIST", func() error {
		var err error
		folders, err = s.client.List("", "*", nil).Collect()
		return err
	})
	return folders, err
}

func (s *IMAPSession) Examine(ctx context.Context, name string) (*MailboxStatus, error) {
	var data *imap.SelectData
	err := s.run(ctx, "EXAMINE", func() error {
		var err error
		data, err = s.client.Select(name, &imap.SelectOptions{ReadOnly: true}).Wait()
		return err
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodeOf(err), err, "EXAMINE %q", name)
	}

	st := &MailboxStatus{Exists: data.NumMessages}
	if data.UIDNext != 0 {
		v := uint32(data.UIDNext)
		st.UIDNext = &v
	}
	if data.UIDValidity != 0 {
		v := data.UIDValidity
		st.UIDValidity = &v
	}

	var status *imap.StatusData
	err = s.run(ctx, "STATUS", func() error {
		var err error
		status, err = s.client.Status(name, &imap.StatusOptions{NumUnseen: true}).Wait()
		return err
	})
	switch {
	case err == nil:
		st.Unseen = status.NumUnseen
	case errs.Is(err, errs.ImapCommandFailed):
		// Some servers refuse STATUS on the selected mailbox; unseen stays unknown.
		logger.Debug("STATUS UNSEEN refused", "addr", s.address, "mailbox", name, "error", err)
	default:
		return nil, errs.Wrap(errs.CodeOf(err), err, "STATUS %q", name)
	}
	return st, nil
}

func (s *IMAPSession) Capabilities(ctx context.Context) (imap.CapSet, error) {
	var caps imap.CapSet
	err := s.run(ctx, "CAPABILITY", func() error {
		var err error
		caps, err = s.client.Capability().Wait()
		return err
	})
	return caps, err
}

func (s *IMAPSession) Noop(ctx context.Context) error {
	return s.run(ctx, "NOOP", func() error {
		return s.client.Noop().Wait()
	})
}

// Logout sends LOGOUT and closes the connection regardless of the outcome.
func (s *IMAPSession) Logout(ctx context.Context) error {
	err := s.run(ctx, "LOGOUT", func() error {
		return s.client.Logout().Wait()
	})
	s.Close()
	return err
}

func (s *IMAPSession) Close() error {
	s.broken.Store(true)
	if s.client != nil {
		return s.client.Close()
	}
	return s.conn.Close()
}

func (s *IMAPSession) Broken() bool {
	return s.broken.Load() || s.conn.TimedOut()
}

// run executes one command with the read bound armed and classifies the
// error. Cancelling ctx closes the connection.
func (s *IMAPSession) run(ctx context.Context, command string, fn func() error) error {
	start := time.Now()
	err := s.runRaw(ctx, command, fn)
	metrics.IMAPCommandsTotal.WithLabelValues(command, metrics.Status(err)).Inc()
	metrics.ObserveSince(metrics.IMAPCommandDuration.WithLabelValues(command), start)
	return err
}

func (s *IMAPSession) runRaw(ctx context.Context, command string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return s.classify(command, err)
	}

	s.conn.Begin()
	defer s.conn.End()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return s.classify(command, err)
	case <-ctx.Done():
		s.Close()
		<-done
		return s.classify(command, ctx.Err())
	}
}

func (s *IMAPSession) classify(command string, err error) error {
	if err == nil {
		return nil
	}

	var imapErr *imap.Error
	switch {
	case errors.As(err, &imapErr):
		return errs.Wrap(errs.ImapCommandFailed, err, "IMAP %s failed", command)
	case s.conn.TimedOut():
		s.broken.Store(true)
		return errs.Wrap(errs.ConnectionTimeout, err, "IMAP %s to %s timed out", command, s.address)
	case errors.Is(err, context.DeadlineExceeded):
		s.broken.Store(true)
		return errs.Wrap(errs.RequestTimeout, err, "IMAP %s to %s exceeded the request deadline", command, s.address)
	}

	s.broken.Store(true)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errs.Wrap(errs.ConnectionTimeout, err, "IMAP %s to %s timed out", command, s.address)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return errs.Wrap(errs.NetworkError, err, "IMAP connection to %s closed during %s", s.address, command)
	}
	var coded *errs.Error
	if errors.As(err, &coded) {
		return err
	}
	return errs.Wrap(errs.NetworkError, err, "IMAP %s to %s failed", command, s.address)
}
