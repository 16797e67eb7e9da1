package audit

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Logger is the append-only journal. It owns the running tail hash and block
// counter exclusively; no other component may mutate them.
//
// Append never returns an error to callers: internal failures are logged and
// swallowed so journal trouble never blocks race operation. Chain integrity
// lives entirely in memory; the on-disk file is a best-effort mirror.
type Logger struct {
	mu        sync.Mutex
	sessionID string
	blockSeq  uint64
	lastHash  string

	path string
	file *os.File
	w    *bufio.Writer

	onAppend func(Block)

	log *slog.Logger
}

// NewLogger creates a journal rooted at the genesis hash. path may be empty,
// in which case blocks are logged but never persisted to disk.
func NewLogger(path string, log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	l := &Logger{
		lastHash: GenesisHash,
		path:     path,
		log:      log.With("component", "audit"),
	}
	l.openFile()
	return l
}

func (l *Logger) openFile() {
	if l.path == "" {
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.log.Warn("audit log path unavailable, continuing in-memory only", "path", l.path, "error", err)
		l.file = nil
		l.w = nil
		return
	}
	l.file = f
	l.w = bufio.NewWriter(f)
}

// SetSession rebinds the session identifier used on subsequent blocks.
func (l *Logger) SetSession(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessionID = id
}

// OnAppend registers a callback invoked with every block after it is
// appended and written, for mirroring to external storage. Only one
// callback may be registered; a later call replaces the earlier one.
func (l *Logger) OnAppend(fn func(Block)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onAppend = fn
}

// Append computes and appends a new block derived from the current tail
// hash. On serialization failure the block is dropped with a warning and the
// chain does not advance. On I/O failure the in-memory chain still advances
// and that block's line is not written; the file handle is dropped and the
// next Append re-opens the journal file before writing its own block.
func (l *Logger) Append(eventType EventType, payload any) Block {
	payloadJSON, err := MarshalPayload(payload)
	if err != nil {
		l.log.Warn("audit: failed to marshal payload, block dropped", "event_type", eventType, "error", err)
		return Block{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().UnixMilli()
	hash := computeHash(l.lastHash, ts, eventType, payloadJSON)

	block := Block{
		BlockSeq:    l.blockSeq,
		SessionID:   l.sessionID,
		TimestampMs: ts,
		PrevHash:    l.lastHash,
		EventType:   eventType,
		PayloadJSON: payloadJSON,
		BlockHash:   hash,
	}

	if !Verify(block) {
		l.log.Error("audit: newly written block failed self-verify", "block_seq", block.BlockSeq)
	}

	l.blockSeq++
	l.lastHash = hash

	l.writeLine(block)

	if l.onAppend != nil {
		go l.onAppend(block)
	}
	return block
}

func (l *Logger) writeLine(block Block) {
	if l.w == nil {
		if l.path != "" {
			l.openFile()
		}
		if l.w == nil {
			return
		}
	}

	line, err := json.Marshal(block)
	if err != nil {
		l.log.Warn("audit: failed to serialize block for disk write", "block_seq", block.BlockSeq, "error", err)
		return
	}

	if _, err := l.w.Write(line); err != nil {
		l.log.Warn("audit: disk write failed, chain continues in-memory", "block_seq", block.BlockSeq, "error", err)
		l.dropFile()
		return
	}
	if err := l.w.WriteByte('\n'); err != nil {
		l.log.Warn("audit: disk write failed, chain continues in-memory", "block_seq", block.BlockSeq, "error", err)
		l.dropFile()
		return
	}
	if err := l.w.Flush(); err != nil {
		l.log.Warn("audit: disk flush failed, chain continues in-memory", "block_seq", block.BlockSeq, "error", err)
		l.dropFile()
		return
	}
	if err := l.file.Sync(); err != nil {
		l.log.Warn("audit: fsync failed, chain continues in-memory", "block_seq", block.BlockSeq, "error", err)
	}
}

// dropFile closes the journal after a failed write so the next writeLine
// re-opens it instead of reusing a writer stuck on the earlier error.
func (l *Logger) dropFile() {
	l.file.Close()
	l.file, l.w = nil, nil
}

// Tail returns the current block counter and running hash, for diagnostics.
func (l *Logger) Tail() (blockSeq uint64, lastHash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blockSeq, l.lastHash
}

// Close flushes and closes the underlying file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w != nil {
		l.w.Flush()
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Convenience helpers mirroring the event types a race backend actually emits.

// LogRaceStatusChange appends an EventRaceStatusChange block.
func (l *Logger) LogRaceStatusChange(from, to string) Block {
	return l.Append(EventRaceStatusChange, map[string]string{"from": from, "to": to})
}

// LogOcsDetected appends an EventOcsDetected block for one node.
func (l *Logger) LogOcsDetected(nodeID uint32, yLineM float64, fixQuality int) Block {
	return l.Append(EventOcsDetected, map[string]any{
		"node_id":     nodeID,
		"y_line_m":    yLineM,
		"fix_quality": fixQuality,
	})
}

// LogPenaltyImposed appends an EventPenaltyImposed block recording a
// penalty the procedure engine imposed on its own initiative, e.g. a DNS
// conferred on a boat still over the line when an Individual Recall clears.
func (l *Logger) LogPenaltyImposed(nodeID uint32, kind, reason string) Block {
	return l.Append(EventPenaltyImposed, map[string]any{
		"node_id": nodeID,
		"kind":    kind,
		"reason":  reason,
	})
}

// LogSessionEvent appends a SESSION_EVENT block, e.g. a cold start or rebind.
func (l *Logger) LogSessionEvent(kind string, detail map[string]any) Block {
	payload := map[string]any{"kind": kind}
	for k, v := range detail {
		payload[k] = v
	}
	return l.Append(EventSession, payload)
}
