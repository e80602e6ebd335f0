package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/migadu/mailarchive/logger"
	"github.com/migadu/mailarchive/pkg/metrics"
)

// EnqueueMailboxPurge records deleted mailboxes in mailbox_purge_queue. The
// envelope and message index workers drain the queue and drop everything
// indexed under each (account_id, mailbox_id) pair.
func (db *Database) EnqueueMailboxPurge(ctx context.Context, accountID int64, mailboxIDs []uint64) error {
	if len(mailboxIDs) == 0 {
		return nil
	}
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows := make([][]any, len(mailboxIDs))
	for i, id := range mailboxIDs {
		rows[i] = []any{accountID, int64(id)}
	}

	start := time.Now()
	n, err := db.pool.CopyFrom(ctx,
		pgx.Identifier{"mailbox_purge_queue"},
		[]string{"account_id", "mailbox_id"},
		pgx.CopyFromRows(rows),
	)
	metrics.ObserveSince(metrics.DBQueryDuration.WithLabelValues("enqueue_purge"), start)
	metrics.DBQueriesTotal.WithLabelValues("enqueue_purge", metrics.Status(err)).Inc()
	if err != nil {
		return fmt.Errorf("failed to enqueue mailbox purge for account %d: %w", accountID, err)
	}

	metrics.MailboxesPurgedTotal.Add(float64(n))
	logger.Info("Queued mailbox index purge", "account_id", accountID, "count", n)
	return nil
}
