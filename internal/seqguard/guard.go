// Package seqguard implements per-source sequence-number replay and reorder
// detection for UWB measurement packets.
package seqguard

import (
	"log/slog"
	"sync"
)

// forwardWindow bounds how far a sequence number may advance in one step
// before it is treated as a replay/reset rather than a legitimate packet.
// Chosen to comfortably exceed any realistic burst while staying far below
// the wraparound ambiguity of a 32-bit counter.
const forwardWindow = 1000

// Guard tracks the highest observed sequence number per source and decides
// whether a new one should be accepted. The Hub owns one Guard exclusively.
type Guard struct {
	mu       sync.Mutex
	lastSeen map[uint32]uint32
	log      *slog.Logger
}

// New creates an empty sequence guard.
func New(log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{
		lastSeen: make(map[uint32]uint32),
		log:      log.With("component", "seqguard"),
	}
}

// Accept reports whether seqNum from sourceID should be processed. A source
// seen for the first time always accepts. Otherwise the unsigned difference
// (seqNum - last) mod 2^32 must be strictly positive and less than
// forwardWindow; exact duplicates and large jumps in either direction are
// rejected as replay.
func (g *Guard) Accept(sourceID uint32, seqNum uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	last, seen := g.lastSeen[sourceID]
	if !seen {
		g.lastSeen[sourceID] = seqNum
		return true
	}

	diff := seqNum - last // unsigned wraparound arithmetic, mirrors mod 2^32
	if diff == 0 || diff >= forwardWindow {
		g.log.Warn("seqguard: rejected packet", "source_id", sourceID, "seq_num", seqNum, "last_seen", last)
		return false
	}

	g.lastSeen[sourceID] = seqNum
	return true
}

// LastSeen returns the last accepted sequence number for a source, for
// diagnostics, and whether the source has been seen at all.
func (g *Guard) LastSeen(sourceID uint32) (uint32, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, seen := g.lastSeen[sourceID]
	return last, seen
}
