package uwbhub

import (
	"sync"

	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/lineframe"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/solver"
)

// epochBundle accumulates accepted envelopes for one measurement window,
// keyed by the reporting source node.
type epochBundle struct {
	mu        sync.Mutex
	envelopes map[uint32]MeasurementEnvelope
	batchMode bool
}

func newEpochBundle() *epochBundle {
	return &epochBundle{envelopes: make(map[uint32]MeasurementEnvelope)}
}

func (b *epochBundle) add(env MeasurementEnvelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envelopes[env.NodeID] = env
	if env.BatchMode {
		b.batchMode = true
	}
}

// drain returns the accumulated envelopes and resets the bundle for the
// next epoch.
func (b *epochBundle) drain() ([]MeasurementEnvelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]MeasurementEnvelope, 0, len(b.envelopes))
	for _, e := range b.envelopes {
		out = append(out, e)
	}
	batch := b.batchMode
	b.envelopes = make(map[uint32]MeasurementEnvelope)
	b.batchMode = false
	return out, batch
}

// rangeMeasurements flattens a set of envelopes into the solver's
// measurement list.
func rangeMeasurements(envs []MeasurementEnvelope) []lineframe.RangeMeasurement {
	var out []lineframe.RangeMeasurement
	for _, e := range envs {
		out = append(out, e.rangeMeasurements()...)
	}
	return out
}

// initialGuesses seeds the solver from each node's self-reported pre-fused
// position, or from a supplied prior solve.
func initialGuesses(envs []MeasurementEnvelope, prior map[uint32]lineframe.Pos2D) map[uint32]lineframe.Pos2D {
	out := make(map[uint32]lineframe.Pos2D, len(envs))
	for _, e := range envs {
		if p, ok := prior[e.NodeID]; ok {
			out[e.NodeID] = p
			continue
		}
		out[e.NodeID] = e.PreFusedPosition()
	}
	return out
}

// fixQualities indexes each envelope's self-reported fix quality by node,
// falling back to the NLOS/peer-count formula when a node reports a fix
// quality of zero but carries peer reports to derive it from.
func fixQualities(envs []MeasurementEnvelope) map[uint32]int {
	out := make(map[uint32]int, len(envs))
	for _, e := range envs {
		if e.FixQuality > 0 || len(e.PeerReports) == 0 {
			out[e.NodeID] = e.FixQuality
			continue
		}
		nlos := 0
		for _, pr := range e.PeerReports {
			if pr.NLOS {
				nlos++
			}
		}
		out[e.NodeID] = solver.FixQuality(nlos, len(e.PeerReports))
	}
	return out
}
