package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/migadu/mailarchive/logger"
)

type queryStartKey struct{}

type queryStart struct {
	sql   string
	start time.Time
}

// queryTracer logs every statement with its duration when log_queries is on.
type queryTracer struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{sql: data.SQL, start: time.Now()})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qs, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	if data.Err != nil {
		logger.Debug("SQL failed", "sql", qs.sql, "duration", time.Since(qs.start), "error", data.Err)
		return
	}
	logger.Debug("SQL", "sql", qs.sql, "duration", time.Since(qs.start), "tag", data.CommandTag.String())
}
