// Package uwbhub implements the UDP ingester for UWB measurement packets: it
// validates per-source sequence numbers, batches envelopes into measurement
// epochs, drives the multilateration solver, and raises OCS events.
package uwbhub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/audit"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/lineframe"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/seqguard"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/solver"
)

// Config bundles the hub's externally configurable parameters.
type Config struct {
	UDPPort        int
	MulticastGroup string
	OCSThresholdM  float64
	MinFixQuality  int
	EpochPeriod    time.Duration
}

// DefaultConfig matches the component design's defaults.
func DefaultConfig() Config {
	return Config{
		UDPPort:        5555,
		MulticastGroup: "239.255.0.1",
		OCSThresholdM:  0.10,
		MinFixQuality:  60,
		EpochPeriod:    50 * time.Millisecond,
	}
}

// OCSEvent reports one epoch's detected OCS boats, forwarded to a bounded
// channel consumed by the procedure engine.
type OCSEvent struct {
	EpochMs int64
	Boats   []solver.Detection
}

// Hub binds a UDP socket and owns the sequence guard and batch buffers
// exclusively.
type Hub struct {
	cfg    Config
	guard  *seqguard.Guard
	log    *slog.Logger
	ledger *audit.Logger

	bundle *epochBundle
	anchors lineframe.AnchorMap

	lastPositions sync.Map // uint32 -> lineframe.Pos2D, prior-epoch seed

	conn *net.UDPConn

	ocsEvents chan OCSEvent
	broadcast chan FusedPositionBroadcast

	packetsAccepted atomic.Int64
	packetsRejected atomic.Int64
	packetsDropped  atomic.Int64
	solvesRun       atomic.Int64
}

// New creates a Hub bound to no socket yet; call Run to start listening.
func New(cfg Config, anchors lineframe.AnchorMap, ledger *audit.Logger, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		cfg:       cfg,
		guard:     seqguard.New(log),
		log:       log.With("component", "uwbhub"),
		ledger:    ledger,
		bundle:    newEpochBundle(),
		anchors:   anchors,
		ocsEvents: make(chan OCSEvent, 64),
		broadcast: make(chan FusedPositionBroadcast, 64),
	}
}

// OCSEvents returns the channel the procedure engine should drain.
func (h *Hub) OCSEvents() <-chan OCSEvent { return h.ocsEvents }

// Broadcasts returns the channel fed with each epoch's fused position frame.
func (h *Hub) Broadcasts() <-chan FusedPositionBroadcast { return h.broadcast }

// Run binds the UDP socket and blocks, reading datagrams until ctx is
// cancelled. It never panics: malformed packets, replayed sequence numbers,
// and solver failures are all logged and skipped so a single bad packet can
// cost at most one missed broadcast.
func (h *Hub) Run(ctx context.Context) error {
	addr := &net.UDPAddr{Port: h.cfg.UDPPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	h.conn = conn
	h.log.Info("uwb hub listening", "port", h.cfg.UDPPort)

	go h.epochLoop(ctx)

	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 4096)
	for {
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			h.log.Warn("uwb hub: udp recv error", "error", err)
			continue
		}
		h.handlePacket(buf[:n])
	}
}

func (h *Hub) handlePacket(data []byte) {
	var env MeasurementEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.log.Debug("uwb hub: malformed packet", "error", err)
		h.packetsDropped.Add(1)
		return
	}

	if !h.guard.Accept(env.NodeID, env.SeqNum) {
		h.packetsRejected.Add(1)
		return
	}
	h.packetsAccepted.Add(1)

	h.bundle.add(env)
}

// epochLoop fires a solve every EpochPeriod and only then: a batch-mode
// envelope does not trigger an early solve. An epoch that contains a
// batch-mode envelope is solved with batch solver settings, over that one
// epoch's measurements only.
func (h *Hub) epochLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.EpochPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.solveEpoch()
		}
	}
}

func (h *Hub) solveEpoch() {
	envs, batchMode := h.bundle.drain()
	if len(envs) == 0 {
		return
	}

	prior := make(map[uint32]lineframe.Pos2D)
	h.lastPositions.Range(func(k, v any) bool {
		prior[k.(uint32)] = v.(lineframe.Pos2D)
		return true
	})

	meas := rangeMeasurements(envs)
	guess := initialGuesses(envs, prior)

	opts := solver.Incremental()
	if batchMode {
		opts = solver.Batch()
	}

	result := solver.Solve(meas, h.anchors, guess, opts)
	h.solvesRun.Add(1)

	fq := fixQualities(envs)
	nodes := h.buildFusedNodes(envs, result, fq)

	for _, n := range nodes {
		h.lastPositions.Store(n.NodeID, lineframe.Pos2D{X: n.XLineM, Y: n.YLineM})
	}

	epochMs := time.Now().UnixMilli()

	frame := FusedPositionBroadcast{
		EpochMs:   epochMs,
		Anchors:   h.anchors,
		BatchMode: batchMode,
		Nodes:     nodes,
	}
	select {
	case h.broadcast <- frame:
	default:
		h.log.Warn("uwb hub: broadcast channel full, dropping epoch frame")
	}

	if result != nil {
		dets := solver.DetectOCS(result, fq, solver.OCSOptions{ThresholdM: h.cfg.OCSThresholdM, MinFixQuality: h.cfg.MinFixQuality})
		if len(dets) > 0 {
			h.dispatchOCS(epochMs, dets)
		}
		if batchMode {
			h.logGunSolve(result)
		}
	}
}

func (h *Hub) buildFusedNodes(envs []MeasurementEnvelope, result *solver.Result, fq map[uint32]int) []FusedNode {
	nodes := make([]FusedNode, 0, len(envs))
	for _, e := range envs {
		pos := e.PreFusedPosition()
		if result != nil {
			if p, ok := result.Positions[e.NodeID]; ok {
				pos = p
			}
		}
		quality := fq[e.NodeID]
		isOCS := pos.Y > h.cfg.OCSThresholdM && quality >= h.cfg.MinFixQuality
		nodes = append(nodes, FusedNode{
			NodeID:     e.NodeID,
			XLineM:     pos.X,
			YLineM:     pos.Y,
			VXLineMps:  e.VXLineMps,
			VYLineMps:  e.VYLineMps,
			HeadingDeg: e.HeadingDeg,
			FixQuality: quality,
			IsOCS:      isOCS,
			DTLCm:      pos.Y * 100.0,
		})
	}
	return nodes
}

func (h *Hub) dispatchOCS(epochMs int64, dets []solver.Detection) {
	select {
	case h.ocsEvents <- OCSEvent{EpochMs: epochMs, Boats: dets}:
	default:
		h.log.Warn("uwb hub: ocs event channel full, dropping")
	}

	if h.ledger == nil {
		return
	}
	for _, d := range dets {
		h.ledger.LogOcsDetected(d.NodeID, d.YLineM, d.FixQuality)
	}
}

func (h *Hub) logGunSolve(result *solver.Result) {
	if h.ledger == nil {
		return
	}
	h.ledger.Append(audit.EventUwbGunSolve, map[string]any{
		"rms_residual_m": result.RMSResidualM,
		"iterations":     result.Iterations,
		"converged":      result.Converged,
		"n_measurements": result.NMeasurements,
		"n_rejected":     result.NRejected,
	})
}

// Stats returns lifetime packet and solve counters for diagnostics.
func (h *Hub) Stats() (accepted, rejected, solves int64) {
	return h.packetsAccepted.Load(), h.packetsRejected.Load(), h.solvesRun.Load()
}

// PositionSnapshot is one node's last known fused position, for polling
// clients that don't hold a broadcast subscription open.
type PositionSnapshot struct {
	NodeID uint32           `json:"node_id"`
	Pos    lineframe.Pos2D  `json:"pos"`
}

// Snapshot returns the last solved position of every node currently tracked.
func (h *Hub) Snapshot() []PositionSnapshot {
	out := make([]PositionSnapshot, 0)
	h.lastPositions.Range(func(k, v any) bool {
		out = append(out, PositionSnapshot{NodeID: k.(uint32), Pos: v.(lineframe.Pos2D)})
		return true
	})
	return out
}
