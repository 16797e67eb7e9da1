// Package procedure implements the tick-driven, graph-based state machine
// that runs RRS 26 start sequences: postponement, individual and general
// recall, and abandonment, with post-trigger phases and user-gated
// transitions.
package procedure

// Node is one named phase in the procedure graph.
type Node struct {
	ID    string `json:"id"`
	Label string `json:"label"`

	// DurationSec is how long the node holds before auto-advancing; 0 means
	// no auto-advance.
	DurationSec float64 `json:"duration_sec"`

	Flags       []string `json:"flags,omitempty"`
	EntrySound  string   `json:"entry_sound,omitempty"`
	ExitSound   string   `json:"exit_sound,omitempty"`

	WaitForUserTrigger bool `json:"wait_for_user_trigger,omitempty"`

	// ActionLabel, when non-empty, is the button label the committee UI
	// shows while this node is waiting for a trigger (e.g. "Start Racing").
	ActionLabel string `json:"action_label,omitempty"`

	PostTriggerDurationSec float64  `json:"post_trigger_duration_sec,omitempty"`
	PostTriggerFlags       []string `json:"post_trigger_flags,omitempty"`

	// RaceStatusOverride, when non-empty, is used verbatim instead of the
	// keyword-derived status.
	RaceStatusOverride RaceStatus `json:"race_status_override,omitempty"`

	// AutoRestart sends the sequence back to the graph's entry node instead
	// of completing when this node has no outgoing edge.
	AutoRestart bool `json:"auto_restart,omitempty"`
}

// Edge is a directed transition; at most one outgoing edge per source node.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Graph is the directed graph of procedure phases: a tree or linear chain
// with at most one outgoing edge per node, and an optional auto-restart
// reflex back to the entry node.
type Graph struct {
	ID    string `json:"id"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

func (g *Graph) nodeByID(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

func (g *Graph) nextNodeID(sourceID string) (string, bool) {
	for _, e := range g.Edges {
		if e.Source == sourceID {
			return e.Target, true
		}
	}
	return "", false
}

// entryNodeID returns node "1" if present, else the first node in
// declaration order.
func (g *Graph) entryNodeID() (string, bool) {
	if len(g.Nodes) == 0 {
		return "", false
	}
	if _, ok := g.nodeByID("1"); ok {
		return "1", true
	}
	return g.Nodes[0].ID, true
}

// sumRemainingFrom walks the graph forward from nodeID (exclusive of
// nodeID's own remaining time, which the caller adds separately), summing
// each successor's full duration. A visited set guards against
// user-authored cycles.
func (g *Graph) sumRemainingFrom(nodeID string, visited map[string]struct{}) float64 {
	total := 0.0
	current := nodeID
	for {
		next, ok := g.nextNodeID(current)
		if !ok {
			return total
		}
		if _, seen := visited[next]; seen {
			return total
		}
		node, ok := g.nodeByID(next)
		if !ok {
			return total
		}
		visited[next] = struct{}{}
		total += node.DurationSec
		current = next
	}
}
