// Command raceserver wires together the UWB ingest hub, multilateration
// solver, procedure engine, and audit journal into one running race
// management backend.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/archive"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/audit"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/broadcast"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/bus"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/circuitbreaker"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/cloudrelay"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/config"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/diagstream"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/directorclock"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/httpapi"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/lineframe"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/procedure"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/replay"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/telemetry"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/uwbhub"
)

// directorCallbackPath is where Cloud Tasks delivers director auto-timer
// callbacks. DIRECTOR_CALLBACK_URL must point at this path on a publicly
// reachable address for this service.
const directorCallbackPath = "/internal/director-timer-callback"

func main() {
	slog.Info("starting race management backend")

	cfg := config.Get()

	auditLog := audit.NewLogger(cfg.Audit.LogPath, nil)
	defer auditLog.Close()

	anchors := lineframe.AnchorMap{}
	for _, a := range cfg.UWB.Anchors {
		anchors[a.NodeID] = lineframe.Pos2D{X: a.XM, Y: a.YM}
	}

	hub := uwbhub.New(uwbhub.Config{
		UDPPort:        cfg.UWB.UDPPort,
		MulticastGroup: cfg.UWB.MulticastGroup,
		OCSThresholdM:  cfg.UWB.OCSThresholdM,
		MinFixQuality:  cfg.UWB.MinFixQuality,
		EpochPeriod:    time.Duration(cfg.UWB.EpochMs) * time.Millisecond,
	}, anchors, auditLog, nil)

	engine := procedure.NewEngine(nil)
	engine.SetAutoTimers(procedure.AutoTimerConfig{
		PostponeAutoResume:        time.Duration(cfg.Procedure.PostponeAutoResumeSec) * time.Second,
		GeneralRecallAutoResume:   time.Duration(cfg.Procedure.GeneralRecallAutoResumeSec) * time.Second,
		IndividualRecallAutoClear: time.Duration(cfg.Procedure.IndividualRecallAutoClearSec) * time.Second,
	})
	engine.OnPenalty(func(p procedure.Penalty) {
		auditLog.LogPenaltyImposed(p.NodeID, string(p.Kind), p.Reason)
	})

	var sched procedure.Scheduler = procedure.DefaultScheduler()
	if cfg.CloudTasks.Enabled {
		callbackURL := os.Getenv("DIRECTOR_CALLBACK_URL")
		sched = directorclock.New(cfg.CloudTasks.ProjectID, cfg.CloudTasks.LocationID, cfg.CloudTasks.QueueID, callbackURL, nil)
		defer func() {
			if cs, ok := sched.(*directorclock.CloudScheduler); ok {
				cs.Close()
			}
		}()
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	msgBus := bus.New(redisClient, "race:", nil)
	defer msgBus.Close()

	metrics := telemetry.NewMetrics()

	socketSrv := broadcast.New(nil)
	go func() {
		if err := socketSrv.Serve(); err != nil {
			slog.Warn("broadcast server stopped", "error", err)
		}
	}()
	defer socketSrv.Close()

	diag := diagstream.New(cfg.Server.CORSAllowOrigins, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var replayIdx *replay.Index
	if cfg.Postgres.Enabled {
		idx, err := replay.Open(ctx, cfg.Postgres.DSN, nil)
		if err != nil {
			slog.Warn("replay index unavailable, protest queries will read the journal file only", "error", err)
		} else {
			replayIdx = idx
			defer replayIdx.Close()
		}
	}

	var mirror *archive.Mirror
	if cfg.Spanner.Enabled {
		m, err := archive.New(ctx, cfg.Spanner.ProjectID, cfg.Spanner.InstanceID, cfg.Spanner.DatabaseID, nil)
		if err != nil {
			slog.Warn("spanner audit mirror unavailable, continuing with local journal only", "error", err)
		} else {
			mirror = m
			defer mirror.Close()
		}
	}

	var relay *cloudrelay.Relay
	if cfg.PubSub.Enabled {
		r, err := cloudrelay.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicID, nil)
		if err != nil {
			slog.Warn("cloud relay unavailable, shore-side fan-out disabled", "error", err)
		} else {
			relay = r
			defer relay.Close()
		}
	}

	sessionID := time.Now().UTC().Format("20060102T150405Z")
	auditLog.SetSession(sessionID)

	breakers := circuitbreaker.NewMirrorBreakers()
	wireAuditMirrors(ctx, auditLog, replayIdx, mirror, relay, sessionID, metrics, breakers)

	go runUWBHub(ctx, hub)
	go runPositionFanout(ctx, hub, socketSrv, diag, msgBus, relay, engine, sessionID, metrics)
	go runProcedureClock(ctx, engine, socketSrv, auditLog, metrics)
	go runSolveStats(ctx, hub, metrics)

	replayEngine := replay.NewEngine(cfg.Audit.LogPath, replayIdx, nil)

	api := httpapi.NewServer(engine, hub, auditLog, sched, cfg.Server.CORSAllowOrigins, nil)
	api.SetMirrorBreakers(breakers)
	api.SetReplayEngine(replayEngine)
	mux := http.NewServeMux()
	mux.Handle("/", api.Router())
	mux.Handle("/socket.io/", socketSrv.Handler())
	mux.HandleFunc("/ws/diagnostics", diag.ServeHTTP)
	mux.Handle("/metrics", telemetry.Handler())
	if cs, ok := sched.(*directorclock.CloudScheduler); ok {
		callback := cs.Handler()
		mux.HandleFunc(directorCallbackPath, func(w http.ResponseWriter, r *http.Request) {
			callback(r.URL.Query().Get("id"))
			w.WriteHeader(http.StatusNoContent)
		})
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", "error", err)
	}
}

// runUWBHub binds the UDP socket and blocks until ctx is cancelled.
func runUWBHub(ctx context.Context, hub *uwbhub.Hub) {
	if err := hub.Run(ctx); err != nil {
		slog.Error("uwb hub stopped", "error", err)
	}
}

// runPositionFanout drains fused-position broadcasts and fans them out to
// every downstream consumer: Socket.IO clients, the diagnostic stream, the
// pub/sub bus, and (if configured) the cloud relay. OCS events are also
// forwarded to the procedure engine, which tracks the still-over-the-line
// set so an Individual Recall auto-clear can convert it into DNS penalties.
func runPositionFanout(ctx context.Context, hub *uwbhub.Hub, socketSrv *broadcast.Server, diag *diagstream.Stream, msgBus *bus.Bus, relay *cloudrelay.Relay, engine *procedure.Engine, sessionID string, metrics *telemetry.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-hub.Broadcasts():
			if !ok {
				return
			}
			socketSrv.BroadcastPositions(frame)
			diag.Broadcast(frame)
			msgBus.Publish(ctx, bus.TopicPositions, frame)
			if relay != nil {
				relay.PublishPositions(ctx, sessionID, frame)
			}
		case ev, ok := <-hub.OCSEvents():
			if !ok {
				return
			}
			ids := make([]uint32, 0, len(ev.Boats))
			for _, d := range ev.Boats {
				metrics.OCSEventsTotal.WithLabelValues(strconv.FormatUint(uint64(d.NodeID), 10)).Inc()
				ids = append(ids, d.NodeID)
			}
			engine.SetOCSBoats(ids)
		}
	}
}

// runProcedureClock ticks the procedure engine at 5 Hz, per the component
// design, and broadcasts each update to Socket.IO clients only (not to the
// diagnostic stream, the bus or the cloud relay, which position frames reach).
func runProcedureClock(ctx context.Context, engine *procedure.Engine, socketSrv *broadcast.Server, auditLog *audit.Logger, metrics *telemetry.Metrics) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	allStatuses := []string{
		string(procedure.StatusIdle), string(procedure.StatusWarning), string(procedure.StatusPreparatory),
		string(procedure.StatusOneMinute), string(procedure.StatusRacing), string(procedure.StatusFinished),
		string(procedure.StatusPostponed), string(procedure.StatusIndividualRecall),
		string(procedure.StatusGeneralRecall), string(procedure.StatusAbandoned),
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ProcedureTicks.Inc()
			outcome := engine.Tick()
			if outcome.Kind != procedure.TickUpdate {
				continue
			}
			socketSrv.BroadcastProcedure(outcome.Update)
			metrics.SetRaceStatus(string(outcome.Update.Status), allStatuses)
		}
	}
}

// wireAuditMirrors registers a single callback that fans every newly
// appended audit block out to whichever optional durability backends are
// configured. Each backend sits behind its own circuit breaker so a stalled
// Spanner or Postgres connection cannot pile up goroutines behind the audit
// logger's append path.
func wireAuditMirrors(ctx context.Context, auditLog *audit.Logger, replayIdx *replay.Index, mirror *archive.Mirror, relay *cloudrelay.Relay, sessionID string, metrics *telemetry.Metrics, breakers *circuitbreaker.MirrorBreakers) {
	auditLog.OnAppend(func(b audit.Block) {
		metrics.AuditBlocksTotal.Inc()

		if replayIdx != nil {
			breakers.Replay.Execute(func() (interface{}, error) {
				return nil, replayIdx.Record(ctx, sessionID, b)
			})
		}
		if mirror != nil {
			breakers.Spanner.Execute(func() (interface{}, error) {
				mirror.Write(ctx, sessionID, b)
				return nil, nil
			})
		}
		if relay != nil {
			breakers.PubSub.Execute(func() (interface{}, error) {
				relay.PublishAuditBlock(ctx, sessionID, b)
				return nil, nil
			})
		}
	})
}

// runSolveStats periodically folds the hub's lifetime packet counters into
// the corresponding Prometheus counters. Counters are monotonic, so each
// tick adds only the delta since the last observation.
func runSolveStats(ctx context.Context, hub *uwbhub.Hub, metrics *telemetry.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var lastAccepted, lastRejected int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			accepted, rejected, _ := hub.Stats()
			metrics.PacketsAccepted.Add(float64(accepted - lastAccepted))
			metrics.PacketsRejected.Add(float64(rejected - lastRejected))
			lastAccepted, lastRejected = accepted, rejected
		}
	}
}
