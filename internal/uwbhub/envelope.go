package uwbhub

import "github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/lineframe"

// PeerReport is one node's report of its range to a single peer, as carried
// inside a MeasurementEnvelope.
type PeerReport struct {
	PeerID        uint32  `json:"peer_id"`
	RangeM        float64 `json:"range_m"`
	AngleOfArrival float64 `json:"angle_of_arrival_deg"`
	CIRQuality    int     `json:"cir_quality"`
	NLOS          bool    `json:"nlos"`
}

// MeasurementEnvelope is one node's report for one epoch. JSON is the
// initial wire schema; a fixed binary layout may replace it without
// changing this type's semantics.
type MeasurementEnvelope struct {
	NodeID      uint32      `json:"node_id"`
	SeqNum      uint32      `json:"seq_num"`
	Designation designation `json:"designation"`
	BatteryPct  int         `json:"battery_pct"`

	XLineM    float64 `json:"x_line_m"`
	YLineM    float64 `json:"y_line_m"`
	VXLineMps float64 `json:"vx_line_mps"`
	VYLineMps float64 `json:"vy_line_mps"`
	HeadingDeg float64 `json:"heading_deg"`
	FixQuality int     `json:"fix_quality"`
	BatchMode  bool    `json:"batch_mode"`

	PeerReports []PeerReport `json:"peer_reports,omitempty"`
}

// designation mirrors the wire-level 0..3 tag used by originating nodes.
type designation uint8

const (
	designationBoat      designation = 0
	designationMarkA     designation = 1
	designationMarkB     designation = 2
	designationCommittee designation = 3
)

func (d designation) toLineframe() lineframe.Designation {
	switch d {
	case designationMarkA:
		return lineframe.DesignationMarkA
	case designationMarkB:
		return lineframe.DesignationMarkB
	case designationCommittee:
		return lineframe.DesignationCommittee
	default:
		return lineframe.DesignationBoat
	}
}

// PreFusedPosition returns the node's self-reported line-frame position,
// used as an initial guess / fallback when too few ranges survive gating.
func (e MeasurementEnvelope) PreFusedPosition() lineframe.Pos2D {
	return lineframe.Pos2D{X: e.XLineM, Y: e.YLineM}
}

// rangeMeasurements expands this envelope's peer reports into symmetric
// range observations rooted at the reporting node.
func (e MeasurementEnvelope) rangeMeasurements() []lineframe.RangeMeasurement {
	out := make([]lineframe.RangeMeasurement, 0, len(e.PeerReports))
	for _, pr := range e.PeerReports {
		sigma := 0.07
		if pr.NLOS {
			sigma = 0.20
		}
		out = append(out, lineframe.RangeMeasurement{
			NodeI:  e.NodeID,
			NodeJ:  pr.PeerID,
			RangeM: pr.RangeM,
			SigmaM: sigma,
			NLOS:   pr.NLOS,
		})
	}
	return out
}

// FusedNode is one node's resolved position in a broadcast frame.
type FusedNode struct {
	NodeID     uint32  `json:"node_id"`
	XLineM     float64 `json:"x_line_m"`
	YLineM     float64 `json:"y_line_m"`
	VXLineMps  float64 `json:"vx_line_mps"`
	VYLineMps  float64 `json:"vy_line_mps"`
	HeadingDeg float64 `json:"heading_deg"`
	FixQuality int     `json:"fix_quality"`
	IsOCS      bool    `json:"is_ocs"`
	DTLCm      float64 `json:"dtl_cm"`
}

// FusedPositionBroadcast is the fused-position frame for one epoch, handed
// to Broadcasts() consumers. The hub does not send it over UDP multicast.
type FusedPositionBroadcast struct {
	EpochMs   int64       `json:"epoch_ms"`
	Anchors   lineframe.AnchorMap `json:"anchors"`
	Basis     lineframe.Basis     `json:"basis"`
	BatchMode bool        `json:"batch_mode"`
	Nodes     []FusedNode `json:"nodes"`
}
