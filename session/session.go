// Package session runs IMAP commands for the synchronization core.
//
// A Session is one authenticated IMAP connection. Sessions are not safe for
// concurrent use; the pool hands each one to a single caller at a time.
package session

import (
	"context"

	"github.com/emersion/go-imap/v2"
)

// Encryption selects how the IMAP stream is secured.
type Encryption string

const (
	EncryptionSSL      Encryption = "ssl"
	EncryptionStartTLS Encryption = "starttls"
	EncryptionNone     Encryption = "none"
)

// AuthType selects the authentication mechanism.
type AuthType string

const (
	AuthPassword AuthType = "password"
	AuthOAuth2   AuthType = "oauth2"
)

// MailboxStatus is the state reported by EXAMINE plus STATUS UNSEEN.
// Absent values are nil.
type MailboxStatus struct {
	Exists      uint32
	Unseen      *uint32
	UIDNext     *uint32
	UIDValidity *uint32
}

// Session is the protocol capability the core needs from a remote server.
type Session interface {
	// List returns every folder visible to the account (LIST "" "*").
	List(ctx context.Context) ([]*imap.ListData, error)
	// Examine opens name read-only and reports its counters.
	Examine(ctx context.Context, name string) (*MailboxStatus, error)
	Capabilities(ctx context.Context) (imap.CapSet, error)
	Noop(ctx context.Context) error
	Logout(ctx context.Context) error
	Close() error
	// Broken reports whether the underlying connection is no longer usable.
	Broken() bool
}
