package cache

import (
	"encoding/binary"
	"strings"

	"github.com/emersion/go-imap/v2"
	"lukechampine.com/blake3"
)

// AttributeKind is the fixed enumeration of folder attributes.
type AttributeKind string

const (
	AttrNoInferiors AttributeKind = "NoInferiors"
	AttrNoSelect    AttributeKind = "NoSelect"
	AttrMarked      AttributeKind = "Marked"
	AttrUnmarked    AttributeKind = "Unmarked"
	AttrAll         AttributeKind = "All"
	AttrArchive     AttributeKind = "Archive"
	AttrDrafts      AttributeKind = "Drafts"
	AttrFlagged     AttributeKind = "Flagged"
	AttrJunk        AttributeKind = "Junk"
	AttrSent        AttributeKind = "Sent"
	AttrTrash       AttributeKind = "Trash"
	// AttrExtension is any other backslash token; the token name without the
	// backslash is kept in Attribute.Extension.
	AttrExtension AttributeKind = "Extension"
	// AttrUnknown is a token that is not a backslash token; the raw token is
	// kept in Attribute.Extension.
	AttrUnknown AttributeKind = "Unknown"
)

var knownAttributes = map[string]AttributeKind{
	"noinferiors": AttrNoInferiors,
	"noselect":    AttrNoSelect,
	"marked":      AttrMarked,
	"unmarked":    AttrUnmarked,
	"all":         AttrAll,
	"archive":     AttrArchive,
	"drafts":      AttrDrafts,
	"flagged":     AttrFlagged,
	"junk":        AttrJunk,
	"sent":        AttrSent,
	"trash":       AttrTrash,
}

type Attribute struct {
	Kind      AttributeKind `json:"kind"`
	Extension string        `json:"extension,omitempty"`
}

// AttributeFromIMAP maps a LIST attribute onto the fixed enumeration.
// Unrecognised tokens never fail.
func AttributeFromIMAP(attr imap.MailboxAttr) Attribute {
	raw := string(attr)
	if !strings.HasPrefix(raw, `\`) {
		return Attribute{Kind: AttrUnknown, Extension: raw}
	}
	name := raw[1:]
	if kind, ok := knownAttributes[strings.ToLower(name)]; ok {
		return Attribute{Kind: kind}
	}
	return Attribute{Kind: AttrExtension, Extension: name}
}

func (a Attribute) String() string {
	switch a.Kind {
	case AttrExtension:
		return `\` + a.Extension
	case AttrUnknown:
		return a.Extension
	default:
		return `\` + string(a.Kind)
	}
}

// Mailbox is the cached state of one remote folder.
type Mailbox struct {
	ID          uint64      `json:"id"`
	AccountID   int64       `json:"account_id"`
	Name        string      `json:"name"`
	Delimiter   *string     `json:"delimiter"`
	Attributes  []Attribute `json:"attributes"`
	Exists      uint32      `json:"exists"`
	Unseen      *uint32     `json:"unseen"`
	UIDNext     *uint32     `json:"uid_next"`
	UIDValidity *uint32     `json:"uid_validity"`
}

func (m *Mailbox) HasAttribute(kind AttributeKind) bool {
	for _, a := range m.Attributes {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

// Selectable reports whether the folder can be examined.
func (m *Mailbox) Selectable() bool {
	return !m.HasAttribute(AttrNoSelect)
}

// MailboxID derives the stable identifier of an account's folder: the first
// 8 bytes, big-endian, of BLAKE3-256(uint64_be(accountID) || name).
func MailboxID(accountID int64, name string) uint64 {
	buf := make([]byte, 8+len(name))
	binary.BigEndian.PutUint64(buf, uint64(accountID))
	copy(buf[8:], name)
	sum := blake3.Sum256(buf)
	return binary.BigEndian.Uint64(sum[:8])
}
