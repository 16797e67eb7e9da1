package procedure

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// SequenceInfo names the active event and the flags currently flying.
type SequenceInfo struct {
	Event string   `json:"event"`
	Flags []string `json:"flags,omitempty"`
}

// SequenceUpdate is the snapshot broadcast to external collaborators after
// every tick that changes or re-affirms state.
type SequenceUpdate struct {
	Status                RaceStatus   `json:"status"`
	CurrentSequence       SequenceInfo `json:"current_sequence"`
	SequenceTimeRemaining float64      `json:"sequence_time_remaining"`
	NodeTimeRemaining     float64      `json:"node_time_remaining"`
	CurrentNodeID         string       `json:"current_node_id"`
	WaitingForTrigger     bool         `json:"waiting_for_trigger"`
	ActionLabel           string       `json:"action_label,omitempty"`
	IsPostTrigger         bool         `json:"is_post_trigger"`
	Sound                 string       `json:"sound"`
}

// PenaltyKind enumerates the scoring penalties the engine itself can impose.
type PenaltyKind string

// PenaltyDNS is "Did Not Start", imposed on a boat still on the course side
// of the line when an Individual Recall's auto-clear timer fires.
const PenaltyDNS PenaltyKind = "DNS"

// Penalty is a scoring action the engine takes on its own initiative,
// outside of any director-issued command.
type Penalty struct {
	NodeID uint32
	Kind   PenaltyKind
	Reason string
}

// TickKind enumerates the three tick outcomes an external 5 Hz scheduler may
// observe.
type TickKind int

const (
	TickIdle TickKind = iota
	TickUpdate
	TickSequenceComplete
)

// TickOutcome is the result of one Tick call.
type TickOutcome struct {
	Kind   TickKind
	Update SequenceUpdate
}

// runtime is created by start(), destroyed by stop() or a terminal node.
type runtime struct {
	currentNodeID       string
	nodeEnteredAt       time.Time
	sequenceStartedAt   time.Time
	isPostTrigger       bool
	postTriggerEnteredAt time.Time
	waitingForTrigger   bool
}

// nowFunc is overridable in tests.
type nowFunc func() time.Time

// Engine is the tick-driven procedure state machine. It exclusively owns
// its runtime state and a cloned copy of the graph.
type Engine struct {
	mu         sync.RWMutex
	graph      *Graph
	rt         *runtime
	director   directorState
	autoTimers AutoTimerConfig
	ocsBoats   map[uint32]struct{}
	onPenalty  func(Penalty)
	now        nowFunc
	log        *slog.Logger
}

// NewEngine creates an engine with no graph loaded. Runtime state always
// starts empty: a race never auto-resumes after a crash, even if a
// persisted graph is loaded immediately afterward.
func NewEngine(log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{now: time.Now, log: log.With("component", "procedure")}
}

// Load replaces the current graph and clears runtime state.
func (e *Engine) Load(g Graph) {
	e.mu.Lock()
	defer e.mu.Unlock()
	clone := g
	clone.Nodes = append([]Node(nil), g.Nodes...)
	clone.Edges = append([]Edge(nil), g.Edges...)
	e.graph = &clone
	e.rt = nil
}

// Start initializes runtime at the designated entry node. Idempotent with
// respect to an already-loaded graph: repeated calls simply restart at the
// entry node.
func (e *Engine) Start() (SequenceUpdate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graph == nil {
		return SequenceUpdate{}, false
	}
	entry, ok := e.graph.entryNodeID()
	if !ok {
		return SequenceUpdate{}, false
	}
	now := e.now()
	e.rt = &runtime{
		currentNodeID:     entry,
		nodeEnteredAt:     now,
		sequenceStartedAt: now,
	}
	node, _ := e.graph.nodeByID(entry)
	return e.buildUpdate(node, now), true
}

// Stop clears runtime; the next Start re-initializes.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rt = nil
}

// JumpTo teleports the runtime to the given node, stamping timestamps as
// Start does. Used for director override (trigger_node).
func (e *Engine) JumpTo(nodeID string) (SequenceUpdate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graph == nil {
		return SequenceUpdate{}, false
	}
	node, ok := e.graph.nodeByID(nodeID)
	if !ok {
		return SequenceUpdate{}, false
	}
	now := e.now()
	if e.rt == nil {
		e.rt = &runtime{sequenceStartedAt: now}
	}
	e.rt.currentNodeID = nodeID
	e.rt.nodeEnteredAt = now
	e.rt.isPostTrigger = false
	e.rt.waitingForTrigger = false
	return e.buildUpdate(node, now), true
}

// SetNodeDuration mutates a future node's duration. The currently active
// node may not be mutated; callers must only reshape nodes ahead of it.
func (e *Engine) SetNodeDuration(nodeID string, secs float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graph == nil {
		return false
	}
	if e.rt != nil && e.rt.currentNodeID == nodeID {
		return false
	}
	node, ok := e.graph.nodeByID(nodeID)
	if !ok {
		return false
	}
	node.DurationSec = secs
	return true
}

// CurrentRaceStatus returns the RRS status derived from the current node,
// or StatusIdle if the engine is not running.
func (e *Engine) CurrentRaceStatus() RaceStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.director.active {
		return e.director.status
	}
	if e.graph == nil || e.rt == nil {
		return StatusIdle
	}
	node, ok := e.graph.nodeByID(e.rt.currentNodeID)
	if !ok {
		return StatusIdle
	}
	return deriveStatus(node)
}

// Snapshot returns the current sequence update without advancing the
// engine, for read-only status consumers. ok is false when no sequence is
// running.
func (e *Engine) Snapshot() (SequenceUpdate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.graph == nil || e.rt == nil {
		return SequenceUpdate{}, false
	}
	node, ok := e.graph.nodeByID(e.rt.currentNodeID)
	if !ok {
		return SequenceUpdate{}, false
	}
	return e.buildUpdate(node, e.now()), true
}

// SetOCSBoats replaces the engine's view of which boats are currently over
// the start line, as reported by the most recent UWB solve epoch. A boat
// still in this set when Individual Recall's auto-clear timer fires is
// converted into a DNS penalty.
func (e *Engine) SetOCSBoats(nodeIDs []uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ocsBoats = make(map[uint32]struct{}, len(nodeIDs))
	for _, id := range nodeIDs {
		e.ocsBoats[id] = struct{}{}
	}
}

// OnPenalty registers a callback invoked whenever the engine imposes a
// penalty on its own initiative, e.g. an Individual Recall DNS conversion.
// Only one callback may be registered; a later call replaces the earlier
// one.
func (e *Engine) OnPenalty(fn func(Penalty)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPenalty = fn
}

// Tick advances the engine by one step per the component design's
// transition table and is called by an external 5 Hz scheduler.
func (e *Engine) Tick() TickOutcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.graph == nil || e.rt == nil {
		return TickOutcome{Kind: TickIdle}
	}
	node, ok := e.graph.nodeByID(e.rt.currentNodeID)
	if !ok {
		return TickOutcome{Kind: TickIdle}
	}

	now := e.now()

	if e.rt.isPostTrigger {
		elapsed := now.Sub(e.rt.postTriggerEnteredAt).Seconds()
		if elapsed < node.PostTriggerDurationSec {
			return TickOutcome{Kind: TickUpdate, Update: e.buildUpdate(node, now)}
		}
		return e.advance(node, now)
	}

	elapsed := now.Sub(e.rt.nodeEnteredAt).Seconds()
	switch {
	case node.DurationSec > 0 && elapsed >= node.DurationSec && node.WaitForUserTrigger:
		e.rt.waitingForTrigger = true
		return TickOutcome{Kind: TickUpdate, Update: e.buildUpdate(node, now)}

	case node.DurationSec > 0 && elapsed >= node.DurationSec && node.PostTriggerDurationSec > 0:
		e.rt.isPostTrigger = true
		e.rt.postTriggerEnteredAt = now
		return TickOutcome{Kind: TickUpdate, Update: e.buildUpdate(node, now)}

	case node.DurationSec > 0 && elapsed >= node.DurationSec:
		return e.advance(node, now)

	case node.DurationSec == 0 && !node.WaitForUserTrigger:
		return e.advance(node, now)

	default:
		return TickOutcome{Kind: TickUpdate, Update: e.buildUpdate(node, now)}
	}
}

// Resume advances past a node paused on wait_for_user_trigger, entering its
// post-trigger phase if it has one, or its successor otherwise.
func (e *Engine) Resume() (SequenceUpdate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.graph == nil || e.rt == nil {
		return SequenceUpdate{}, false
	}
	node, ok := e.graph.nodeByID(e.rt.currentNodeID)
	if !ok || !node.WaitForUserTrigger || !e.rt.waitingForTrigger {
		return SequenceUpdate{}, false
	}

	now := e.now()
	e.rt.waitingForTrigger = false

	if node.PostTriggerDurationSec > 0 {
		e.rt.isPostTrigger = true
		e.rt.postTriggerEnteredAt = now
		return e.buildUpdate(node, now), true
	}

	outcome := e.advance(node, now)
	if outcome.Kind == TickUpdate {
		return outcome.Update, true
	}
	return SequenceUpdate{}, true
}

// advance moves to the current node's successor, or restarts/completes the
// sequence when there is none. Caller holds e.mu.
func (e *Engine) advance(node *Node, now time.Time) TickOutcome {
	next, ok := e.graph.nextNodeID(node.ID)
	if !ok {
		if node.AutoRestart {
			entry, ok2 := e.graph.entryNodeID()
			if ok2 {
				e.enterNode(entry, now)
				entryNode, _ := e.graph.nodeByID(entry)
				return TickOutcome{Kind: TickUpdate, Update: e.buildUpdate(entryNode, now)}
			}
		}
		e.rt = nil
		return TickOutcome{Kind: TickSequenceComplete}
	}
	e.enterNode(next, now)
	nextNode, _ := e.graph.nodeByID(next)
	return TickOutcome{Kind: TickUpdate, Update: e.buildUpdate(nextNode, now)}
}

func (e *Engine) enterNode(nodeID string, now time.Time) {
	e.rt.currentNodeID = nodeID
	e.rt.nodeEnteredAt = now
	e.rt.isPostTrigger = false
	e.rt.waitingForTrigger = false
}

// buildUpdate renders the current runtime state into a broadcastable
// snapshot. Caller holds e.mu.
func (e *Engine) buildUpdate(node *Node, now time.Time) SequenceUpdate {
	var nodeRemaining float64
	var elapsedInPhase float64
	if e.rt.isPostTrigger {
		elapsedInPhase = now.Sub(e.rt.postTriggerEnteredAt).Seconds()
		nodeRemaining = ceilNonNegative(node.PostTriggerDurationSec - elapsedInPhase)
	} else {
		elapsedInPhase = now.Sub(e.rt.nodeEnteredAt).Seconds()
		if node.DurationSec > 0 {
			nodeRemaining = ceilNonNegative(node.DurationSec - elapsedInPhase)
		}
	}

	visited := map[string]struct{}{node.ID: {}}
	totalRemaining := ceilNonNegative(nodeRemaining + e.graph.sumRemainingFrom(node.ID, visited))

	flags := node.Flags
	if e.rt.isPostTrigger && len(node.PostTriggerFlags) > 0 {
		flags = node.PostTriggerFlags
	}

	sound := "none"
	elapsedSinceEntry := now.Sub(e.rt.nodeEnteredAt).Seconds()
	if !e.rt.isPostTrigger && elapsedSinceEntry < 0.3 && node.EntrySound != "" {
		sound = node.EntrySound
	}

	return SequenceUpdate{
		Status: deriveStatus(node),
		CurrentSequence: SequenceInfo{
			Event: node.Label,
			Flags: flags,
		},
		SequenceTimeRemaining: totalRemaining,
		NodeTimeRemaining:     nodeRemaining,
		CurrentNodeID:         node.ID,
		WaitingForTrigger:     e.rt.waitingForTrigger,
		ActionLabel:           node.ActionLabel,
		IsPostTrigger:         e.rt.isPostTrigger,
		Sound:                 sound,
	}
}

func ceilNonNegative(v float64) float64 {
	if v < 0 {
		v = 0
	}
	return math.Ceil(v)
}
