package procedure

import "time"

// Scheduler abstracts "run this after a delay" so auto-resume and
// auto-clear timers can be backed by an in-process timer in tests and a
// durable external scheduler (Cloud Tasks) in production.
type Scheduler interface {
	After(d time.Duration, fn func())
}

// inProcessScheduler is the default Scheduler: a spawn-and-sleep idiom
// using time.AfterFunc.
type inProcessScheduler struct{}

func (inProcessScheduler) After(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

// DefaultScheduler returns the in-process timer scheduler.
func DefaultScheduler() Scheduler { return inProcessScheduler{} }

const (
	defaultPostponeAutoResumeDelay        = 60 * time.Second
	defaultGeneralRecallAutoResumeDelay   = 60 * time.Second
	defaultIndividualRecallAutoClearDelay = 300 * time.Second
)

// AutoTimerConfig overrides the default director auto-timer delays. A zero
// field falls back to the corresponding default.
type AutoTimerConfig struct {
	PostponeAutoResume        time.Duration
	GeneralRecallAutoResume   time.Duration
	IndividualRecallAutoClear time.Duration
}

// SetAutoTimers overrides the delays Director schedules. Call before
// accepting director actions; zero fields keep the built-in default.
func (e *Engine) SetAutoTimers(cfg AutoTimerConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autoTimers = cfg
}

func (e *Engine) postponeAutoResumeDelay() time.Duration {
	if e.autoTimers.PostponeAutoResume > 0 {
		return e.autoTimers.PostponeAutoResume
	}
	return defaultPostponeAutoResumeDelay
}

func (e *Engine) generalRecallAutoResumeDelay() time.Duration {
	if e.autoTimers.GeneralRecallAutoResume > 0 {
		return e.autoTimers.GeneralRecallAutoResume
	}
	return defaultGeneralRecallAutoResumeDelay
}

func (e *Engine) individualRecallAutoClearDelay() time.Duration {
	if e.autoTimers.IndividualRecallAutoClear > 0 {
		return e.autoTimers.IndividualRecallAutoClear
	}
	return defaultIndividualRecallAutoClearDelay
}

// DirectorAction is one of the external, director-issued commands that act
// on the whole sequence rather than on a single tick.
type DirectorAction string

const (
	ActionPostpone          DirectorAction = "POSTPONE"
	ActionIndividualRecall  DirectorAction = "INDIVIDUAL_RECALL"
	ActionGeneralRecall     DirectorAction = "GENERAL_RECALL"
	ActionAbandon           DirectorAction = "ABANDON"
)

// directorState holds the status set by a director action outside of the
// normal graph walk, so CurrentRaceStatus and auto-timers can observe it.
type directorState struct {
	active bool
	status RaceStatus
	flag   string
}

// DirectorResult is returned by Director to the caller issuing the command,
// describing the status and flag now in effect.
type DirectorResult struct {
	Status RaceStatus
	Flag   string
}

// Director applies a director-issued command as an atomic engine
// interaction. It stops the running sequence, sets the corresponding
// status and flag, and — for Postpone and General Recall — schedules an
// auto-resume that re-enters the sequence from the warning phase after 60s.
// Individual Recall auto-lowers its flag after 300s. Every scheduled
// callback re-reads the current status before acting and aborts if the
// status has since diverged.
func (e *Engine) Director(action DirectorAction, sched Scheduler) DirectorResult {
	e.mu.Lock()
	e.rt = nil

	var result DirectorResult
	switch action {
	case ActionPostpone:
		result = DirectorResult{Status: StatusPostponed, Flag: "AP"}
	case ActionIndividualRecall:
		result = DirectorResult{Status: StatusIndividualRecall, Flag: "X"}
	case ActionGeneralRecall:
		result = DirectorResult{Status: StatusGeneralRecall, Flag: "1ST_SUBSTITUTE"}
	case ActionAbandon:
		result = DirectorResult{Status: StatusAbandoned, Flag: "N"}
	}
	e.director = directorState{active: true, status: result.Status, flag: result.Flag}
	e.mu.Unlock()

	if sched == nil {
		sched = DefaultScheduler()
	}

	switch action {
	case ActionPostpone:
		sched.After(e.postponeAutoResumeDelay(), func() { e.autoResumeIfStillAt(result.Status) })
	case ActionGeneralRecall:
		sched.After(e.generalRecallAutoResumeDelay(), func() { e.autoResumeIfStillAt(result.Status) })
	case ActionIndividualRecall:
		sched.After(e.individualRecallAutoClearDelay(), func() { e.autoClearIfStillAt(result.Status) })
	}

	return result
}

// autoResumeIfStillAt re-enters the sequence from the warning phase, but
// only if the director status has not moved on since the timer was armed.
func (e *Engine) autoResumeIfStillAt(expected RaceStatus) {
	e.mu.Lock()
	if !e.director.active || e.director.status != expected {
		e.mu.Unlock()
		return
	}
	e.director = directorState{}
	e.mu.Unlock()

	e.Start()
}

// autoClearIfStillAt lowers the Individual Recall flag and converts any
// boat still sitting in the engine's OCS set into a DNS penalty: a boat
// that stayed over the line through the whole recall window never
// restarted correctly.
func (e *Engine) autoClearIfStillAt(expected RaceStatus) {
	e.mu.Lock()
	if !e.director.active || e.director.status != expected {
		e.mu.Unlock()
		return
	}
	e.director.flag = ""

	boats := make([]uint32, 0, len(e.ocsBoats))
	for id := range e.ocsBoats {
		boats = append(boats, id)
	}
	e.ocsBoats = nil
	onPenalty := e.onPenalty
	e.mu.Unlock()

	if onPenalty == nil {
		return
	}
	for _, id := range boats {
		onPenalty(Penalty{NodeID: id, Kind: PenaltyDNS, Reason: "individual_recall_auto_clear"})
	}
}

// DirectorStatus reports the status and flag set by the last Director call,
// if still active (i.e. no manual status change and no auto-resume fired
// yet; an Individual Recall auto-clear only empties the flag and leaves the
// override active). ok is false once the engine is running normally again.
func (e *Engine) DirectorStatus() (DirectorResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.director.active {
		return DirectorResult{}, false
	}
	return DirectorResult{Status: e.director.status, Flag: e.director.flag}, true
}

// ClearDirectorStatus manually cancels an active director override (e.g. a
// RESET command), causing any pending auto-timer to observe the divergence
// and self-cancel.
func (e *Engine) ClearDirectorStatus() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.director = directorState{}
}
