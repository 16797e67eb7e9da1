// Package solver implements the Weighted Least Squares Gauss-Newton
// multilateration solver: given noisy inter-node ranges and a set of fixed
// anchors, it recovers 2-D line-frame positions for every unknown node.
package solver

import (
	"math"
	"sort"

	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/lineframe"
)

// mahalanobisGate is the residual-over-sigma squared threshold used to
// reject outliers: chi-squared with 2 degrees of freedom at the 99th
// percentile is approximately 9.21.
const mahalanobisGate = 9.0

// huberDelta is the Huber loss threshold on the normalized residual |r/σ|:
// residuals beyond this are down-weighted rather than discarded outright.
const huberDelta = 0.15

// Result is the output of one solve call.
type Result struct {
	Positions     map[uint32]lineframe.Pos2D
	RMSResidualM  float64
	Iterations    int
	Converged     bool
	NMeasurements int
	NRejected     int
}

// Options configures a single solve invocation.
type Options struct {
	MaxIter             int
	ConvergeThresholdM  float64
}

// Incremental returns the options for a single live epoch: looser threshold,
// fewer iterations, targeting sigma <= 5cm.
func Incremental() Options {
	return Options{MaxIter: 10, ConvergeThresholdM: 0.01}
}

// Batch returns the options for the 2-second gun-window solve: tighter
// threshold, more iterations, targeting sigma <= 1cm.
func Batch() Options {
	return Options{MaxIter: 20, ConvergeThresholdM: 0.001}
}

func huberWeight(residual, sigma, delta float64) float64 {
	normalized := math.Abs(residual / sigma)
	if normalized <= delta {
		return 1.0 / (sigma * sigma)
	}
	return delta / (normalized * sigma * sigma)
}

// Solve runs the block-coordinate Gauss-Newton solve described in the
// component design: for each unknown node, build the 2x2 normal equations
// from every measurement touching it, gate and Huber-weight the residuals,
// solve via Cramer's rule, and iterate until the largest per-node update
// falls below the threshold or max_iter is exhausted.
//
// Solve returns nil if there are no unknown nodes in measurements.
func Solve(measurements []lineframe.RangeMeasurement, anchors lineframe.AnchorMap, initialGuess map[uint32]lineframe.Pos2D, opts Options) *Result {
	unknownSet := make(map[uint32]struct{})
	for _, m := range measurements {
		if _, isAnchor := anchors[m.NodeI]; !isAnchor {
			unknownSet[m.NodeI] = struct{}{}
		}
		if _, isAnchor := anchors[m.NodeJ]; !isAnchor {
			unknownSet[m.NodeJ] = struct{}{}
		}
	}
	if len(unknownSet) == 0 {
		return nil
	}

	unknownIDs := make([]uint32, 0, len(unknownSet))
	for id := range unknownSet {
		unknownIDs = append(unknownIDs, id)
	}
	sort.Slice(unknownIDs, func(i, j int) bool { return unknownIDs[i] < unknownIDs[j] })

	positions := make(map[uint32]lineframe.Pos2D, len(unknownIDs))
	for _, id := range unknownIDs {
		if g, ok := initialGuess[id]; ok {
			positions[id] = g
		} else {
			positions[id] = lineframe.DefaultInitialGuess
		}
	}

	posOf := func(id uint32) (lineframe.Pos2D, bool) {
		if p, ok := anchors[id]; ok {
			return p, true
		}
		if p, ok := positions[id]; ok {
			return p, true
		}
		return lineframe.Pos2D{}, false
	}

	var (
		nRejected  int
		finalRMS   float64
		finalIter  int
		converged  bool
	)

	for iter := 0; iter < opts.MaxIter; iter++ {
		finalIter = iter + 1
		maxUpdate := 0.0
		nRejected = 0
		sumSqRes := 0.0
		nUsed := 0

		for _, idI := range unknownIDs {
			pi := positions[idI]

			var atwa [2][2]float64
			var atwb [2]float64

			for _, m := range measurements {
				var pjID uint32
				var relevant bool
				if m.NodeI == idI {
					pjID, relevant = m.NodeJ, true
				} else if m.NodeJ == idI {
					pjID, relevant = m.NodeI, true
				}
				if !relevant {
					continue
				}
				pj, ok := posOf(pjID)
				if !ok {
					continue
				}

				dx := pi.X - pj.X
				dy := pi.Y - pj.Y
				dist := math.Max(math.Sqrt(dx*dx+dy*dy), 0.001)
				residual := m.RangeM - dist

				mahal := (residual / m.SigmaM) * (residual / m.SigmaM)
				if mahal > mahalanobisGate {
					nRejected++
					continue
				}

				w := huberWeight(residual, m.SigmaM, huberDelta)
				sumSqRes += residual * residual
				nUsed++

				jx := dx / dist
				jy := dy / dist

				atwa[0][0] += w * jx * jx
				atwa[0][1] += w * jx * jy
				atwa[1][0] += w * jy * jx
				atwa[1][1] += w * jy * jy
				atwb[0] += w * jx * residual
				atwb[1] += w * jy * residual
			}

			det := atwa[0][0]*atwa[1][1] - atwa[0][1]*atwa[1][0]
			if math.Abs(det) < 1e-10 {
				continue // singular normal matrix: skip this node this sweep
			}
			ddx := (atwa[1][1]*atwb[0] - atwa[0][1]*atwb[1]) / det
			ddy := (atwa[0][0]*atwb[1] - atwa[1][0]*atwb[0]) / det

			updateNorm := math.Sqrt(ddx*ddx + ddy*ddy)
			if updateNorm > maxUpdate {
				maxUpdate = updateNorm
			}

			positions[idI] = lineframe.Pos2D{X: pi.X + ddx, Y: pi.Y + ddy}
		}

		if nUsed > 0 {
			finalRMS = math.Sqrt(sumSqRes / float64(nUsed))
		} else {
			finalRMS = 0.0
		}

		if maxUpdate < opts.ConvergeThresholdM {
			converged = true
			break
		}
	}

	return &Result{
		Positions:     positions,
		RMSResidualM:  finalRMS,
		Iterations:    finalIter,
		Converged:     converged,
		NMeasurements: len(measurements) - nRejected,
		NRejected:     nRejected,
	}
}

// BatchSolve flattens measurements from multiple consecutive epochs (the
// gun-window burst) into a single high-accuracy solve.
func BatchSolve(epochs [][]lineframe.RangeMeasurement, anchors lineframe.AnchorMap, initialGuess map[uint32]lineframe.Pos2D) *Result {
	total := 0
	for _, e := range epochs {
		total += len(e)
	}
	all := make([]lineframe.RangeMeasurement, 0, total)
	for _, e := range epochs {
		all = append(all, e...)
	}
	return Solve(all, anchors, initialGuess, Batch())
}
