package procedure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time deterministically instead of sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func rrs26Graph() Graph {
	return Graph{
		ID: "rrs26",
		Nodes: []Node{
			{ID: "1", Label: "Warning", DurationSec: 60, EntrySound: "warning_gun"},
			{ID: "2", Label: "Preparatory", DurationSec: 180, Flags: []string{"P"}, EntrySound: "prep_gun"},
			{ID: "3", Label: "One Minute", DurationSec: 60, EntrySound: "one_minute_gun"},
			{ID: "4", Label: "Racing", DurationSec: 0, RaceStatusOverride: StatusRacing, EntrySound: "start_gun"},
		},
		Edges: []Edge{
			{Source: "1", Target: "2"},
			{Source: "2", Target: "3"},
			{Source: "3", Target: "4"},
		},
	}
}

func newTestEngine() (*Engine, *fakeClock) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := NewEngine(nil)
	e.now = clock.now
	return e, clock
}

func TestEngine_CleanFiveMinuteSequence(t *testing.T) {
	e, clock := newTestEngine()
	e.Load(rrs26Graph())
	_, ok := e.Start()
	require.True(t, ok)

	var lastStatus RaceStatus
	for elapsed := 0; elapsed < 301; elapsed++ {
		clock.advance(1 * time.Second)
		outcome := e.Tick()
		if outcome.Kind == TickUpdate {
			lastStatus = outcome.Update.Status
		}
	}
	assert.Equal(t, StatusRacing, lastStatus)
}

func TestEngine_TransitionsAtExpectedBoundaries(t *testing.T) {
	e, clock := newTestEngine()
	e.Load(rrs26Graph())
	e.Start()

	clock.advance(59 * time.Second)
	out := e.Tick()
	require.Equal(t, TickUpdate, out.Kind)
	assert.Equal(t, "1", out.Update.CurrentNodeID)

	clock.advance(1 * time.Second) // t=60
	out = e.Tick()
	require.Equal(t, TickUpdate, out.Kind)
	assert.Equal(t, "2", out.Update.CurrentNodeID)
	assert.Equal(t, StatusPreparatory, out.Update.Status)
}

func TestEngine_TotalRemainingIsNonIncreasing(t *testing.T) {
	e, clock := newTestEngine()
	e.Load(rrs26Graph())
	_, ok := e.Start()
	require.True(t, ok)

	var prev float64 = 1 << 30
	for i := 0; i < 300; i++ {
		clock.advance(1 * time.Second)
		out := e.Tick()
		if out.Kind != TickUpdate {
			break
		}
		assert.LessOrEqual(t, out.Update.SequenceTimeRemaining, prev)
		prev = out.Update.SequenceTimeRemaining
	}
}

func TestEngine_SingleNodeZeroDurationCompletesImmediately(t *testing.T) {
	e, clock := newTestEngine()
	e.Load(Graph{ID: "g", Nodes: []Node{{ID: "1", Label: "Racing", DurationSec: 0}}})
	e.Start()
	clock.advance(200 * time.Millisecond)
	out := e.Tick()
	assert.Equal(t, TickSequenceComplete, out.Kind)
}

func TestEngine_JumpToResetsElapsed(t *testing.T) {
	e, clock := newTestEngine()
	e.Load(rrs26Graph())
	e.Start()
	clock.advance(100 * time.Second)

	upd, ok := e.JumpTo("1")
	require.True(t, ok)
	assert.Equal(t, "1", upd.CurrentNodeID)
	assert.Equal(t, float64(60), upd.NodeTimeRemaining)
}

func TestEngine_WaitForUserTrigger_HoldsThenResumes(t *testing.T) {
	e, clock := newTestEngine()
	g := Graph{
		Nodes: []Node{
			{ID: "1", Label: "Warning", DurationSec: 5, WaitForUserTrigger: true},
			{ID: "2", Label: "Preparatory", DurationSec: 10},
		},
		Edges: []Edge{{Source: "1", Target: "2"}},
	}
	e.Load(g)
	e.Start()

	clock.advance(5 * time.Second)
	out := e.Tick()
	require.Equal(t, TickUpdate, out.Kind)
	assert.True(t, out.Update.WaitingForTrigger)
	assert.Equal(t, "1", out.Update.CurrentNodeID)

	// further ticks should keep holding
	clock.advance(1 * time.Second)
	out = e.Tick()
	assert.Equal(t, "1", out.Update.CurrentNodeID)
	assert.True(t, out.Update.WaitingForTrigger)

	upd, ok := e.Resume()
	require.True(t, ok)
	assert.Equal(t, "2", upd.CurrentNodeID)
	assert.False(t, upd.WaitingForTrigger)
}

func TestEngine_PostTriggerPhase(t *testing.T) {
	e, clock := newTestEngine()
	g := Graph{
		Nodes: []Node{
			{ID: "1", Label: "One Minute", DurationSec: 5, PostTriggerDurationSec: 3, PostTriggerFlags: []string{"X"}},
			{ID: "2", Label: "Racing", DurationSec: 0, RaceStatusOverride: StatusRacing},
		},
		Edges: []Edge{{Source: "1", Target: "2"}},
	}
	e.Load(g)
	e.Start()

	clock.advance(5 * time.Second)
	out := e.Tick() // enters post-trigger
	require.Equal(t, TickUpdate, out.Kind)
	assert.True(t, out.Update.IsPostTrigger)
	assert.Equal(t, []string{"X"}, out.Update.CurrentSequence.Flags)

	clock.advance(1 * time.Second)
	out = e.Tick() // still in post-trigger
	assert.True(t, out.Update.IsPostTrigger)
	assert.Equal(t, "1", out.Update.CurrentNodeID)

	clock.advance(3 * time.Second) // post trigger elapses
	out = e.Tick()
	assert.Equal(t, "2", out.Update.CurrentNodeID)
	assert.False(t, out.Update.IsPostTrigger)
}

func TestEngine_SoundOnlyOnFirstTickAfterEntry(t *testing.T) {
	e, clock := newTestEngine()
	g := Graph{
		Nodes: []Node{
			{ID: "1", Label: "Warning", DurationSec: 10, EntrySound: "gun"},
			{ID: "2", Label: "Preparatory", DurationSec: 10},
		},
		Edges: []Edge{{Source: "1", Target: "2"}},
	}
	e.Load(g)
	e.Start()

	clock.advance(100 * time.Millisecond)
	out := e.Tick()
	assert.Equal(t, "gun", out.Update.Sound)

	clock.advance(1 * time.Second)
	out = e.Tick()
	assert.Equal(t, "none", out.Update.Sound)
}

func TestEngine_AutoRestartLoop(t *testing.T) {
	e, clock := newTestEngine()
	g := Graph{
		Nodes: []Node{
			{ID: "1", Label: "Warning", DurationSec: 1, AutoRestart: true},
		},
	}
	e.Load(g)
	e.Start()
	clock.advance(1100 * time.Millisecond)
	out := e.Tick()
	require.Equal(t, TickUpdate, out.Kind)
	assert.Equal(t, "1", out.Update.CurrentNodeID)
}

func TestEngine_PostponeThenAutoResume(t *testing.T) {
	e, clock := newTestEngine()
	e.Load(rrs26Graph())
	e.Start()

	sched := &fakeScheduler{}

	result := e.Director(ActionPostpone, sched)
	assert.Equal(t, StatusPostponed, result.Status)
	assert.Equal(t, StatusPostponed, e.CurrentRaceStatus())

	sched.runAll()
	assert.Equal(t, StatusWarning, e.CurrentRaceStatus())
	_ = clock
}

func TestEngine_PostponeThenResetCancelsAutoResume(t *testing.T) {
	e, _ := newTestEngine()
	e.Load(rrs26Graph())
	e.Start()

	sched := &fakeScheduler{}
	e.Director(ActionPostpone, sched)

	e.ClearDirectorStatus() // simulates a RESET issued during postponement
	sched.runAll()

	_, active := e.DirectorStatus()
	assert.False(t, active)
	assert.Equal(t, StatusIdle, e.CurrentRaceStatus())
}

func TestEngine_SetAutoTimersOverridesDirectorDelays(t *testing.T) {
	e, _ := newTestEngine()
	e.Load(rrs26Graph())
	e.Start()
	e.SetAutoTimers(AutoTimerConfig{
		PostponeAutoResume:        5 * time.Second,
		GeneralRecallAutoResume:   10 * time.Second,
		IndividualRecallAutoClear: 15 * time.Second,
	})

	sched := &fakeScheduler{}
	e.Director(ActionPostpone, sched)
	require.Len(t, sched.delays, 1)
	assert.Equal(t, 5*time.Second, sched.delays[0])

	sched = &fakeScheduler{}
	e.Director(ActionGeneralRecall, sched)
	require.Len(t, sched.delays, 1)
	assert.Equal(t, 10*time.Second, sched.delays[0])

	sched = &fakeScheduler{}
	e.Director(ActionIndividualRecall, sched)
	require.Len(t, sched.delays, 1)
	assert.Equal(t, 15*time.Second, sched.delays[0])
}

func TestEngine_DirectorUsesDefaultDelaysWithoutOverride(t *testing.T) {
	e, _ := newTestEngine()
	e.Load(rrs26Graph())
	e.Start()

	sched := &fakeScheduler{}
	e.Director(ActionPostpone, sched)
	require.Len(t, sched.delays, 1)
	assert.Equal(t, defaultPostponeAutoResumeDelay, sched.delays[0])
}

func TestEngine_IndividualRecallAutoClearConvertsOCSBoatsToDNS(t *testing.T) {
	e, _ := newTestEngine()
	e.Load(rrs26Graph())
	e.Start()
	e.SetOCSBoats([]uint32{7, 12})

	var penalties []Penalty
	e.OnPenalty(func(p Penalty) { penalties = append(penalties, p) })

	sched := &fakeScheduler{}
	e.Director(ActionIndividualRecall, sched)
	sched.runAll()

	require.Len(t, penalties, 2)
	seen := map[uint32]bool{}
	for _, p := range penalties {
		assert.Equal(t, PenaltyDNS, p.Kind)
		assert.NotEmpty(t, p.Reason)
		seen[p.NodeID] = true
	}
	assert.True(t, seen[7])
	assert.True(t, seen[12])
}

func TestEngine_IndividualRecallAutoClearSkipsBoatsThatCleared(t *testing.T) {
	e, _ := newTestEngine()
	e.Load(rrs26Graph())
	e.Start()
	e.SetOCSBoats([]uint32{7})

	var penalties []Penalty
	e.OnPenalty(func(p Penalty) { penalties = append(penalties, p) })

	sched := &fakeScheduler{}
	e.Director(ActionIndividualRecall, sched)
	e.SetOCSBoats(nil) // boat 7 returned before the clear timer fired
	sched.runAll()

	assert.Empty(t, penalties)
}

func TestEngine_IndividualRecallAutoClearNoopWithoutPenaltyCallback(t *testing.T) {
	e, _ := newTestEngine()
	e.Load(rrs26Graph())
	e.Start()
	e.SetOCSBoats([]uint32{7})

	sched := &fakeScheduler{}
	e.Director(ActionIndividualRecall, sched)
	assert.NotPanics(t, func() { sched.runAll() })
}

func TestEngine_ActionLabelEchoedFromNode(t *testing.T) {
	e, clock := newTestEngine()
	g := Graph{
		Nodes: []Node{
			{ID: "1", Label: "Warning", DurationSec: 5, WaitForUserTrigger: true, ActionLabel: "Start Sequence"},
		},
	}
	e.Load(g)
	upd, ok := e.Start()
	require.True(t, ok)
	assert.Equal(t, "Start Sequence", upd.ActionLabel)

	clock.advance(5 * time.Second)
	out := e.Tick()
	assert.Equal(t, "Start Sequence", out.Update.ActionLabel)
}

// fakeScheduler records scheduled callbacks and runs them synchronously on
// demand instead of waiting out real time.
type fakeScheduler struct {
	calls  []func()
	delays []time.Duration
}

func (s *fakeScheduler) After(d time.Duration, fn func()) {
	s.delays = append(s.delays, d)
	s.calls = append(s.calls, fn)
}

func (s *fakeScheduler) runAll() {
	for _, fn := range s.calls {
		fn()
	}
	s.calls = nil
}
