// Package directorclock implements procedure.Scheduler on top of Google
// Cloud Tasks, so a director override's auto-resume/auto-clear timer is
// delivered by a Cloud Task rather than an in-process timer. The callback
// itself stays in process memory and is lost on a restart.
package directorclock

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	durationpb "google.golang.org/protobuf/types/known/durationpb"
	timestamppb "google.golang.org/protobuf/types/known/timestamppb"

	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/procedure"
)

// CloudScheduler dispatches director auto-timers as HTTP-delivery Cloud
// Tasks targeting a callback URL on this service. Because the callback fires
// the given closure synchronously against the in-memory registry rather
// than invoking a task body, and Cloud Tasks has no concept of calling back
// into this process directly, CloudScheduler keeps pending closures in a
// local registry keyed by task name and fires them when its companion HTTP
// handler is hit — the durable part is "a task will eventually arrive",
// the closure is what actually runs.
type CloudScheduler struct {
	client     *cloudtasks.Client
	queuePath  string
	callbackURL string
	fallback   procedure.Scheduler
	registry   *callbackRegistry
	log        *slog.Logger
}

// New creates a Cloud Tasks-backed Scheduler. callbackURL is the
// publicly-reachable endpoint this service exposes to receive the task's
// delivery and re-enter the process (see Handler). If the Cloud Tasks client
// cannot be constructed, New logs a warning and returns an in-process
// fallback scheduler instead so director overrides still auto-resolve.
func New(projectID, locationID, queueID, callbackURL string, log *slog.Logger) procedure.Scheduler {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "directorclock")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		log.Warn("directorclock: cloud tasks client unavailable, using in-process scheduler", "error", err)
		return procedure.DefaultScheduler()
	}

	queuePath := fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID)
	return &CloudScheduler{
		client:      client,
		queuePath:   queuePath,
		callbackURL: callbackURL,
		fallback:    procedure.DefaultScheduler(),
		registry:    newCallbackRegistry(),
		log:         log,
	}
}

// After enqueues a Cloud Task that, on delivery, invokes fn via Handler. The
// closure lives only in this process's memory: if the process restarts
// before the task fires, the callback is lost along with the rest of the
// procedure engine's in-memory runtime state — consistent with the race
// never auto-resuming after a crash.
func (s *CloudScheduler) After(d time.Duration, fn func()) {
	id := s.registry.put(fn)

	req := &taskspb.CreateTaskRequest{
		Parent: s.queuePath,
		Task: &taskspb.Task{
			ScheduleTime: timestamppb.New(time.Now().Add(d)),
			Name:         s.queuePath + "/tasks/" + id,
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        s.callbackURL + "?id=" + url.QueryEscape(id),
				},
			},
			DispatchDeadline: durationpb.New(30 * time.Second),
		},
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.client.CreateTask(ctx, req); err != nil {
			s.log.Warn("directorclock: enqueue failed, falling back to in-process timer", "error", err)
			s.registry.take(id)
			s.fallback.After(d, fn)
		}
	}()
}

// Handler returns the callback that runs the pending closure for a task id.
// The caller wraps it in the HTTP handler mounted at the path referenced by
// callbackURL, which Cloud Tasks calls back into.
func (s *CloudScheduler) Handler() func(id string) {
	return func(id string) {
		if fn, ok := s.registry.take(id); ok {
			fn()
		}
	}
}

// Close releases the underlying Cloud Tasks client.
func (s *CloudScheduler) Close() error {
	return s.client.Close()
}
