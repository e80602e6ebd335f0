package cache

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/migadu/mailarchive/pkg/errors"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "state", "mailbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func u32(v uint32) *uint32 { return &v }

func strp(s string) *string { return &s }

func mailbox(accountID int64, name string) Mailbox {
	return Mailbox{
		ID:        MailboxID(accountID, name),
		AccountID: accountID,
		Name:      name,
		Delimiter: strp("/"),
	}
}

func TestMailboxIDDeterministic(t *testing.T) {
	assert.Equal(t, MailboxID(1, "INBOX"), MailboxID(1, "INBOX"))
	assert.NotEqual(t, MailboxID(1, "INBOX"), MailboxID(2, "INBOX"))
	assert.NotEqual(t, MailboxID(1, "INBOX"), MailboxID(1, "Inbox"))
	assert.NotEqual(t, MailboxID(1, "Work"), MailboxID(1, "Work/Sub"))
	assert.NotEqual(t, MailboxID(1, "Entwürfe"), MailboxID(1, "Entwurfe"))
}

func TestAttributeFromIMAP(t *testing.T) {
	tests := []struct {
		in   imap.MailboxAttr
		want Attribute
	}{
		{imap.MailboxAttrNoSelect, Attribute{Kind: AttrNoSelect}},
		{imap.MailboxAttr(`\NOSELECT`), Attribute{Kind: AttrNoSelect}},
		{imap.MailboxAttrNoInferiors, Attribute{Kind: AttrNoInferiors}},
		{imap.MailboxAttrSent, Attribute{Kind: AttrSent}},
		{imap.MailboxAttrTrash, Attribute{Kind: AttrTrash}},
		{imap.MailboxAttrJunk, Attribute{Kind: AttrJunk}},
		{imap.MailboxAttrAll, Attribute{Kind: AttrAll}},
		{imap.MailboxAttrHasChildren, Attribute{Kind: AttrExtension, Extension: "HasChildren"}},
		{imap.MailboxAttr(`\Important`), Attribute{Kind: AttrExtension, Extension: "Important"}},
		{imap.MailboxAttr(`$Custom`), Attribute{Kind: AttrUnknown, Extension: "$Custom"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, AttributeFromIMAP(tt.in))
		})
	}
	assert.Equal(t, `\Sent`, Attribute{Kind: AttrSent}.String())
	assert.Equal(t, `\HasChildren`, Attribute{Kind: AttrExtension, Extension: "HasChildren"}.String())
}

func TestSelectable(t *testing.T) {
	m := Mailbox{Attributes: []Attribute{{Kind: AttrNoSelect}}}
	assert.False(t, m.Selectable())
	m.Attributes = []Attribute{{Kind: AttrExtension, Extension: "HasChildren"}}
	assert.True(t, m.Selectable())
}

func TestUpsertAndGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	inbox := mailbox(7, "INBOX")
	inbox.Attributes = []Attribute{{Kind: AttrExtension, Extension: "HasNoChildren"}}
	inbox.Exists = 12
	inbox.Unseen = u32(3)
	inbox.UIDNext = u32(100)
	inbox.UIDValidity = u32(4000000000)

	require.NoError(t, c.BatchUpsert(ctx, []Mailbox{inbox}))

	got, err := c.Get(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, inbox, *got)

	// Upserting the same state again is a no-op.
	require.NoError(t, c.BatchUpsert(ctx, []Mailbox{inbox}))
	all, err := c.ListAll(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	inbox.Exists = 13
	inbox.Unseen = nil
	require.NoError(t, c.BatchUpsert(ctx, []Mailbox{inbox}))
	got, err = c.Get(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(13), got.Exists)
	assert.Nil(t, got.Unseen)
}

func TestHighBitIDsRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	m := mailbox(1, "x")
	m.ID = 1<<63 | 5
	require.NoError(t, c.BatchUpsert(ctx, []Mailbox{m}))
	got, err := c.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
}

func TestGetMissing(t *testing.T) {
	c := newTestCache(t)
	_, err := c.Get(context.Background(), 42)
	require.Error(t, err)
	assert.Equal(t, errs.InternalError, errs.CodeOf(err))
	assert.Contains(t, err.Error(), "not found")
}

func TestBatchInsertIsAtomic(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.BatchInsert(ctx, []Mailbox{mailbox(1, "INBOX")}))

	err := c.BatchInsert(ctx, []Mailbox{mailbox(1, "Sent"), mailbox(1, "INBOX")})
	require.Error(t, err)

	all, err := c.ListAll(ctx, 1)
	require.NoError(t, err)
	require.Len(t, all, 1, "failed batch leaves nothing behind")
	assert.Equal(t, "INBOX", all[0].Name)
}

func TestListAllScopedAndOrdered(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.BatchInsert(ctx, []Mailbox{
		mailbox(1, "Sent"), mailbox(1, "Drafts"), mailbox(1, "INBOX"), mailbox(2, "INBOX"),
	}))

	all, err := c.ListAll(ctx, 1)
	require.NoError(t, err)
	var names []string
	for _, m := range all {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"Drafts", "INBOX", "Sent"}, names)
}

func TestDeleteCascade(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	names := []string{"Work", "Work/Sub", "Work/Sub/Deep", "Workshop", "INBOX"}
	var boxes []Mailbox
	for _, n := range names {
		boxes = append(boxes, mailbox(1, n))
	}
	boxes = append(boxes, mailbox(2, "Work/Sub"))
	require.NoError(t, c.BatchInsert(ctx, boxes))

	ids, err := c.DeleteCascade(ctx, 1, []string{"Work"})
	require.NoError(t, err)

	want := []uint64{MailboxID(1, "Work"), MailboxID(1, "Work/Sub"), MailboxID(1, "Work/Sub/Deep")}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	assert.Equal(t, want, ids)

	remaining, err := c.ListAll(ctx, 1)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, "INBOX", remaining[0].Name)
	assert.Equal(t, "Workshop", remaining[1].Name)

	other, err := c.ListAll(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, other, 1, "other accounts are untouched")
}

func TestPruneCascadeKeepsListedDescendants(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var boxes []Mailbox
	for _, n := range []string{"Work", "Work/Sub", "Work/Old"} {
		boxes = append(boxes, mailbox(1, n))
	}
	require.NoError(t, c.BatchInsert(ctx, boxes))

	ids, err := c.PruneCascade(ctx, 1, []string{"Work"}, []string{"Work/Sub", "INBOX"})
	require.NoError(t, err)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	want := []uint64{MailboxID(1, "Work"), MailboxID(1, "Work/Old")}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	assert.Equal(t, want, ids)

	remaining, err := c.ListAll(ctx, 1)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "Work/Sub", remaining[0].Name)
}

func TestDeleteCascadeChildWithoutCachedParent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	dot := mailbox(1, "Archive.2023")
	dot.Delimiter = strp(".")
	require.NoError(t, c.BatchInsert(ctx, []Mailbox{dot, mailbox(1, "Archive2023")}))

	ids, err := c.DeleteCascade(ctx, 1, []string{"Archive"})
	require.NoError(t, err)
	assert.Equal(t, []uint64{dot.ID}, ids)
}

func TestDeleteCascadeNoDelimiter(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	flat := mailbox(1, "Work/Sub")
	flat.Delimiter = nil
	require.NoError(t, c.BatchInsert(ctx, []Mailbox{flat}))

	ids, err := c.DeleteCascade(ctx, 1, []string{"Work"})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCleanAndDelete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.BatchInsert(ctx, []Mailbox{mailbox(1, "INBOX"), mailbox(1, "Sent"), mailbox(2, "INBOX")}))

	require.NoError(t, c.Delete(ctx, MailboxID(1, "Sent")))
	require.NoError(t, c.Delete(ctx, MailboxID(1, "Sent")), "deleting twice is fine")

	ids, err := c.Clean(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{MailboxID(1, "INBOX")}, ids)

	left, err := c.ListAll(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, left)

	other, err := c.ListAll(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}
