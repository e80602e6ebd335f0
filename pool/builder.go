package pool

import (
	"context"
	"errors"
	"time"

	"github.com/migadu/mailarchive/db"
	"github.com/migadu/mailarchive/logger"
	"github.com/migadu/mailarchive/pkg/credentials"
	errs "github.com/migadu/mailarchive/pkg/errors"
	"github.com/migadu/mailarchive/session"
	"github.com/migadu/mailarchive/transport"
)

// AccountSource loads accounts. A missing account yields db.ErrAccountNotFound.
type AccountSource interface {
	GetAccount(ctx context.Context, id int64) (*db.Account, error)
}

// ProxySource resolves an account's proxy id to its URL.
type ProxySource interface {
	GetProxyURL(ctx context.Context, id int64) (string, error)
}

// Builder creates account pools.
type Builder struct {
	accounts AccountSource
	proxies  ProxySource
	sealer   *credentials.Sealer
	opts     Options
	dial     DialFunc
}

func NewBuilder(accounts AccountSource, proxies ProxySource, sealer *credentials.Sealer, opts Options) *Builder {
	return &Builder{
		accounts: accounts,
		proxies:  proxies,
		sealer:   sealer,
		opts:     opts,
		dial: func(ctx context.Context, p session.DialParams) (session.Session, error) {
			return session.Dial(ctx, p)
		},
	}
}

// WithDialer replaces the session dialer.
func (b *Builder) WithDialer(dial DialFunc) *Builder {
	b.dial = dial
	return b
}

// Build validates the account and returns a pool holding one warm session.
// Missing, disabled and non-IMAP accounts fail with InvalidParameter before
// any network I/O.
func (b *Builder) Build(ctx context.Context, accountID int64) (*Pool, error) {
	account, err := b.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, db.ErrAccountNotFound) {
		return nil, errs.New(errs.InvalidParameter, "account %d not found", accountID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err, "failed to load account %d", accountID)
	}
	if !account.Enabled {
		return nil, errs.New(errs.InvalidParameter, "account %d is disabled", accountID)
	}
	if !account.IsIMAP() {
		return nil, errs.New(errs.InvalidParameter, "account %d is not an IMAP account", accountID)
	}

	params, err := b.dialParams(ctx, account)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	p := newPool(accountID, params, b.dial, b.opts)
	s, err := b.dial(ctx, params)
	if err != nil {
		return nil, err
	}
	p.addIdle(s)

	logger.Info("Session pool ready", "account_id", accountID, "email", account.Email,
		"addr", params.Address, "max_sessions", p.opts.MaxSessions, "elapsed", time.Since(start))
	return p, nil
}

func (b *Builder) dialParams(ctx context.Context, account *db.Account) (session.DialParams, error) {
	params := session.DialParams{
		Address:           transport.ResolveAccountAddress(account.Host, account.Port),
		Host:              account.Host,
		Encryption:        session.Encryption(account.Encryption),
		AuthType:          session.AuthType(account.AuthType),
		Login:             account.Login(),
		AllowInvalidCerts: account.AllowInvalidCerts,
		ConnectTimeout:    b.opts.ConnectTimeout,
		Timeouts:          b.opts.Timeouts,
		Debug:             b.opts.Debug,
	}

	var err error
	if params.Password, err = b.sealer.Open(account.Password); err != nil {
		return params, errs.Wrap(errs.InternalError, err, "failed to open password of account %d", account.ID)
	}
	if params.AccessToken, err = b.sealer.Open(account.AccessToken); err != nil {
		return params, errs.Wrap(errs.InternalError, err, "failed to open access token of account %d", account.ID)
	}

	if account.ProxyID != nil {
		url, err := b.proxies.GetProxyURL(ctx, *account.ProxyID)
		if errors.Is(err, db.ErrProxyNotFound) {
			return params, errs.New(errs.InvalidParameter, "proxy %d of account %d not found", *account.ProxyID, account.ID)
		}
		if err != nil {
			return params, errs.Wrap(errs.InternalError, err, "failed to load proxy %d", *account.ProxyID)
		}
		if _, err := transport.ParseProxyURL(url); err != nil {
			return params, err
		}
		params.ProxyURL = url
	}
	return params, nil
}
