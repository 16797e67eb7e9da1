// Package archive mirrors hash-chained audit blocks into Cloud Spanner for
// long-term, queryable storage beyond the local append-only log file.
package archive

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/spanner"

	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/audit"
)

// Mirror writes every appended audit.Block to a Spanner AuditBlocks table.
// Writes are best-effort: a Spanner outage is logged and swallowed so
// archival never blocks the race loop, consistent with the audit logger's
// own failure posture.
type Mirror struct {
	client *spanner.Client
	log    *slog.Logger
}

// New connects to the given Spanner database.
func New(ctx context.Context, projectID, instanceID, databaseID string, log *slog.Logger) (*Mirror, error) {
	if log == nil {
		log = slog.Default()
	}
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", projectID, instanceID, databaseID)
	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("archive: spanner.NewClient: %w", err)
	}
	return &Mirror{client: client, log: log.With("component", "archive")}, nil
}

// Write mirrors one block into the AuditBlocks table, keyed by session and
// sequence number so a retried write is naturally idempotent.
func (m *Mirror) Write(ctx context.Context, sessionID string, block audit.Block) {
	mutation := spanner.InsertOrUpdate("AuditBlocks",
		[]string{"SessionID", "BlockSeq", "TimestampMs", "PrevHash", "EventType", "PayloadJSON", "BlockHash"},
		[]interface{}{sessionID, int64(block.BlockSeq), block.TimestampMs, block.PrevHash, string(block.EventType), block.PayloadJSON, block.BlockHash},
	)

	if _, err := m.client.Apply(ctx, []*spanner.Mutation{mutation}); err != nil {
		m.log.Warn("archive: spanner write failed", "session_id", sessionID, "block_seq", block.BlockSeq, "error", err)
	}
}

// Close releases the underlying Spanner client.
func (m *Mirror) Close() {
	m.client.Close()
}
