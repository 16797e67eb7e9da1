package solver

// Detection describes one node determined to be on the course side of the
// start line at the moment a result was evaluated.
type Detection struct {
	NodeID     uint32
	YLineM     float64
	DTLCm      float64
	FixQuality int
}

// OCSOptions carries the thresholds used by DetectOCS.
type OCSOptions struct {
	ThresholdM     float64
	MinFixQuality  int
}

// DefaultOCSOptions matches the component design's defaults.
func DefaultOCSOptions() OCSOptions {
	return OCSOptions{ThresholdM: 0.10, MinFixQuality: 60}
}

// DetectOCS evaluates a solve result for on-course-side violations. A node
// is OCS iff its y_line exceeds the threshold and its fix quality meets the
// minimum; fixQualities supplies the per-node quality computed by the hub.
func DetectOCS(result *Result, fixQualities map[uint32]int, opts OCSOptions) []Detection {
	if result == nil {
		return nil
	}

	var out []Detection
	for nodeID, pos := range result.Positions {
		fq := fixQualities[nodeID]
		if pos.Y > opts.ThresholdM && fq >= opts.MinFixQuality {
			out = append(out, Detection{
				NodeID:     nodeID,
				YLineM:     pos.Y,
				DTLCm:      pos.Y * 100.0,
				FixQuality: fq,
			})
		}
	}
	return out
}

// FixQuality computes the clamped integer fix-quality score from a node's
// NLOS count and total peer count. Preserved verbatim from the reference
// implementation; downstream OCS thresholds are calibrated to this exact
// output and must not be re-derived without re-tuning those thresholds.
func FixQuality(nNLOS, nTotal int) int {
	base := 70 - 12*nNLOS
	if base < 0 {
		base = 0
	}
	bonus := 4 * nTotal
	if nTotal > 8 {
		bonus = 4 * 8
	}
	q := base + bonus
	if q > 100 {
		q = 100
	}
	if q < 0 {
		q = 0
	}
	return q
}
