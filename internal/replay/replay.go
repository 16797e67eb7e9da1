// Package replay indexes protest-relevant audit events in Postgres, and
// answers protest replay queries by walking the journal (or that index)
// and re-verifying the hash chain over a requested block range.
package replay

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"

	_ "github.com/lib/pq"

	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/audit"
)

// Index stores a queryable copy of audit blocks for protest review.
type Index struct {
	db  *sql.DB
	log *slog.Logger
}

// Open connects to the given Postgres DSN and ensures the backing table
// exists.
func Open(ctx context.Context, dsn string, log *slog.Logger) (*Index, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("replay: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("replay: ping: %w", err)
	}

	idx := &Index{db: db, log: log.With("component", "replay")}
	if err := idx.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS audit_blocks (
	session_id   TEXT NOT NULL,
	block_seq    BIGINT NOT NULL,
	timestamp_ms BIGINT NOT NULL,
	event_type   TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	block_hash   TEXT NOT NULL,
	PRIMARY KEY (session_id, block_seq)
);
CREATE INDEX IF NOT EXISTS audit_blocks_event_type_idx ON audit_blocks (event_type);
CREATE INDEX IF NOT EXISTS audit_blocks_timestamp_idx ON audit_blocks (timestamp_ms);
`
	_, err := idx.db.ExecContext(ctx, schema)
	return err
}

// Record inserts one audit block, ignoring a duplicate primary key so a
// retried write after a transient failure is safe.
func (idx *Index) Record(ctx context.Context, sessionID string, b audit.Block) error {
	const q = `
INSERT INTO audit_blocks (session_id, block_seq, timestamp_ms, event_type, payload_json, block_hash)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id, block_seq) DO NOTHING`
	_, err := idx.db.ExecContext(ctx, q, sessionID, int64(b.BlockSeq), b.TimestampMs, string(b.EventType), b.PayloadJSON, b.BlockHash)
	if err != nil {
		idx.log.Warn("replay: record failed", "session_id", sessionID, "block_seq", b.BlockSeq, "error", err)
	}
	return err
}

// Row is one block as returned by a replay query.
type Row struct {
	BlockSeq    int64
	TimestampMs int64
	EventType   string
	PayloadJSON string
	BlockHash   string
}

// QueryWindow returns every block for sessionID with a timestamp in
// [fromMs, toMs], ordered by sequence.
func (idx *Index) QueryWindow(ctx context.Context, sessionID string, fromMs, toMs int64) ([]Row, error) {
	const q = `
SELECT block_seq, timestamp_ms, event_type, payload_json, block_hash
FROM audit_blocks
WHERE session_id = $1 AND timestamp_ms BETWEEN $2 AND $3
ORDER BY block_seq ASC`
	rows, err := idx.db.QueryContext(ctx, q, sessionID, fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("replay: query: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.BlockSeq, &r.TimestampMs, &r.EventType, &r.PayloadJSON, &r.BlockHash); err != nil {
			return nil, fmt.Errorf("replay: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Engine answers protest replay queries: given a session and a block range,
// it walks the full chain from genesis, re-verifies hash linkage end to
// end, and reports the first broken link, if any, alongside the blocks
// falling inside the requested window.
type Engine struct {
	journalPath string
	idx         *Index
	log         *slog.Logger
}

// NewEngine creates a replay engine reading journalPath, the same file
// audit.Logger appends to. idx may be nil; when non-nil it is used as a
// fallback source if the journal file cannot be read (e.g. a different
// process/host than the one running the audit logger).
func NewEngine(journalPath string, idx *Index, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{journalPath: journalPath, idx: idx, log: log.With("component", "replay")}
}

// QueryResult is one protest replay's answer.
type QueryResult struct {
	// Blocks holds every block of the session with BlockSeq in
	// [fromSeq, toSeq], ordered by sequence.
	Blocks []audit.Block

	// BrokenAtSeq is the BlockSeq of the first hash-chain break found while
	// verifying the session from genesis through toSeq, or -1 if the chain
	// verifies cleanly over that range.
	BrokenAtSeq int64
}

// Query walks every block of sessionID from genesis through toSeq,
// verifying hash linkage, and returns the blocks in [fromSeq, toSeq]
// alongside the sequence number of the first broken link, if any.
func (e *Engine) Query(ctx context.Context, sessionID string, fromSeq, toSeq uint64) (QueryResult, error) {
	blocks, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return QueryResult{}, err
	}

	brokenAt := int64(-1)
	var verify []audit.Block
	for _, b := range blocks {
		if b.BlockSeq > toSeq {
			break
		}
		verify = append(verify, b)
	}
	if i := audit.VerifyChain(verify); i >= 0 {
		brokenAt = int64(verify[i].BlockSeq)
	}

	var window []audit.Block
	for _, b := range blocks {
		if b.BlockSeq >= fromSeq && b.BlockSeq <= toSeq {
			window = append(window, b)
		}
	}
	return QueryResult{Blocks: window, BrokenAtSeq: brokenAt}, nil
}

// loadSession returns every block for sessionID, ordered by BlockSeq
// ascending, reading the journal file first and falling back to the
// Postgres index.
func (e *Engine) loadSession(ctx context.Context, sessionID string) ([]audit.Block, error) {
	if e.journalPath != "" {
		blocks, err := e.loadFromJournal(sessionID)
		if err == nil {
			return blocks, nil
		}
		e.log.Warn("replay: journal file unavailable, falling back to postgres index", "error", err)
	}
	if e.idx != nil {
		return e.loadFromIndex(ctx, sessionID)
	}
	return nil, fmt.Errorf("replay: no journal file and no postgres index configured")
}

func (e *Engine) loadFromJournal(sessionID string) ([]audit.Block, error) {
	f, err := os.Open(e.journalPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var blocks []audit.Block
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var b audit.Block
		if err := json.Unmarshal(scanner.Bytes(), &b); err != nil {
			e.log.Warn("replay: skipping malformed journal line", "error", err)
			continue
		}
		if b.SessionID == sessionID {
			blocks = append(blocks, b)
		}
	}
	return blocks, scanner.Err()
}

// loadFromIndex reconstructs each block's PrevHash from its predecessor's
// BlockHash, since the Postgres index does not store it (the chain's
// invariant already guarantees PrevHash[i] == BlockHash[i-1]).
func (e *Engine) loadFromIndex(ctx context.Context, sessionID string) ([]audit.Block, error) {
	rows, err := e.idx.QueryWindow(ctx, sessionID, 0, math.MaxInt64)
	if err != nil {
		return nil, err
	}

	blocks := make([]audit.Block, len(rows))
	prev := audit.GenesisHash
	for i, r := range rows {
		blocks[i] = audit.Block{
			BlockSeq:    uint64(r.BlockSeq),
			SessionID:   sessionID,
			TimestampMs: r.TimestampMs,
			PrevHash:    prev,
			EventType:   audit.EventType(r.EventType),
			PayloadJSON: r.PayloadJSON,
			BlockHash:   r.BlockHash,
		}
		prev = r.BlockHash
	}
	return blocks, nil
}
