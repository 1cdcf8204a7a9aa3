package statemachine

import (
	"testing"
	"time"

	"github.com/IvanNece/StreetControl/internal/catalog"
	"github.com/IvanNece/StreetControl/internal/ordering"
	"github.com/IvanNece/StreetControl/internal/ranking"
	"github.com/IvanNece/StreetControl/internal/tally"
)

// fakePublisher records every call instead of fanning out over a real
// broker, so tests can assert on the exact event sequence.
type fakePublisher struct {
	states       []catalog.CurrentState
	queues       []queueUpdate
	rankings     int
	weights      []weightUpdate
	results      []resultUpdate
	finishes     []finishUpdate
	timerStarts  []timerStartUpdate
	timerStops   []string
}

type timerStartUpdate struct {
	meetCode  string
	durationS int
}

type queueUpdate struct {
	meetCode string
	entries  []ordering.Entry
}

type weightUpdate struct {
	regID, liftCode string
	attemptNo       int
	kg              float64
}

type resultUpdate struct {
	attemptID string
	outcome   tally.Outcome
}

type finishUpdate struct {
	meetCode, reason string
}

func (p *fakePublisher) StateUpdate(cs catalog.CurrentState) { p.states = append(p.states, cs) }
func (p *fakePublisher) QueueUpdate(meetCode string, entries []ordering.Entry) {
	p.queues = append(p.queues, queueUpdate{meetCode, entries})
}
func (p *fakePublisher) RankingUpdate(string, map[ranking.CategoryKey][]ranking.Placement, []ranking.Placement) {
	p.rankings++
}
func (p *fakePublisher) WeightUpdated(meetCode, regID, liftCode string, attemptNo int, kg float64) {
	p.weights = append(p.weights, weightUpdate{regID, liftCode, attemptNo, kg})
}
func (p *fakePublisher) AttemptResult(meetCode, attemptID string, outcome tally.Outcome, votes map[tally.Role]tally.Vote) {
	p.results = append(p.results, resultUpdate{attemptID, outcome})
}
func (p *fakePublisher) MeetFinished(meetCode, reason string) {
	p.finishes = append(p.finishes, finishUpdate{meetCode, reason})
}
func (p *fakePublisher) TimerStarted(meetCode string, startTS time.Time, durationS int) {
	p.timerStarts = append(p.timerStarts, timerStartUpdate{meetCode, durationS})
}
func (p *fakePublisher) TimerStopped(meetCode string) {
	p.timerStops = append(p.timerStops, meetCode)
}

func newTestStore(t *testing.T) *catalog.FileStore {
	t.Helper()
	fs, err := catalog.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return fs
}

// setupSingleGroupMeet seeds one flight, one group, and two athletes
// declared for a single lift, for the minimal boundary scenario.
func setupSingleGroupMeet(t *testing.T, store catalog.Store) (meetCode, flightID, groupID, lift string, regA, regB string) {
	t.Helper()
	meetCode, flightID, groupID, lift = "M1", "F1", "G1", "SQ"

	if err := store.CreateMeetType(catalog.MeetType{Name: "MT1", Lifts: []catalog.Lift{{Code: lift, Order: 1}}}); err != nil {
		t.Fatalf("create meet type: %v", err)
	}
	if err := store.CreateMeet(catalog.Meet{Code: meetCode, MeetType: "MT1"}); err != nil {
		t.Fatalf("create meet: %v", err)
	}
	if err := store.CreateFlight(catalog.Flight{ID: flightID, MeetCode: meetCode, Ord: 1}); err != nil {
		t.Fatalf("create flight: %v", err)
	}
	if err := store.CreateGroup(catalog.Group{ID: groupID, FlightID: flightID, Ord: 1}); err != nil {
		t.Fatalf("create group: %v", err)
	}

	regA, regB = "a", "b"
	for i, reg := range []string{regA, regB} {
		if err := store.CreateAthlete(catalog.Athlete{CF: reg + "cf", Sex: catalog.SexMale}); err != nil {
			t.Fatalf("create athlete: %v", err)
		}
		if err := store.CreateRegistration(catalog.Registration{ID: reg, MeetCode: meetCode, AthleteCF: reg + "cf", Bodyweight: 80}); err != nil {
			t.Fatalf("create registration: %v", err)
		}
		if err := store.AddGroupEntry(catalog.GroupEntry{GroupID: groupID, RegID: reg, StartOrd: i + 1}); err != nil {
			t.Fatalf("add group entry: %v", err)
		}
		if err := store.SetDeclaredOpener(reg, lift, 100); err != nil {
			t.Fatalf("set opener: %v", err)
		}
		if _, err := store.DeclareAttempt(reg, lift, 1, 100); err != nil {
			t.Fatalf("declare attempt: %v", err)
		}
	}
	return
}

func attemptID(t *testing.T, store catalog.Store, regID, lift string, attemptNo int) string {
	t.Helper()
	atts, err := store.AttemptsFor(regID, lift)
	if err != nil {
		t.Fatalf("attempts for %s: %v", regID, err)
	}
	for _, a := range atts {
		if a.AttemptNo == attemptNo {
			return a.ID
		}
	}
	t.Fatalf("no attempt_no=%d for %s/%s", attemptNo, regID, lift)
	return ""
}

// TestInitializeNotReadyWithoutOpeners reproduces spec.md's initialize
// failure case: a flight whose first group has no usable entries.
func TestInitializeNotReadyWithoutOpeners(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateFlight(catalog.Flight{ID: "F1", MeetCode: "M1", Ord: 1}); err != nil {
		t.Fatalf("create flight: %v", err)
	}
	if err := store.CreateGroup(catalog.Group{ID: "G1", FlightID: "F1", Ord: 1}); err != nil {
		t.Fatalf("create group: %v", err)
	}

	pub := &fakePublisher{}
	m := New(store, ordering.New(store), ranking.New(store), &tally.Tally{}, pub)
	if err := m.Initialize("M1", "F1", "SQ"); err == nil {
		t.Fatal("expected NotReady for a group with no usable openers")
	}
}

// TestBoundaryScenarioFinishesAfterOneGroupOneLift reproduces the
// minimal completion path: a single-group, single-lift meet enters
// FINISHED as soon as both athletes' only attempt is finalized.
func TestBoundaryScenarioFinishesAfterOneGroupOneLift(t *testing.T) {
	store := newTestStore(t)
	meetCode, flightID, _, lift, regA, regB := setupSingleGroupMeet(t, store)

	pub := &fakePublisher{}
	tallyMock := tally.New()
	m := New(store, ordering.New(store), ranking.New(store), tallyMock, pub)

	if err := m.Initialize(meetCode, flightID, lift); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	_, cs, err := m.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if *cs.RegID != regA {
		t.Fatalf("on-deck = %q, want %q", *cs.RegID, regA)
	}

	if err := m.FinalizeFromTally(attemptID(t, store, regA, lift, 1), tally.OutcomeValid, nil); err != nil {
		t.Fatalf("finalize a: %v", err)
	}
	if err := m.Next(); err != nil {
		t.Fatalf("next after a: %v", err)
	}
	_, cs, _ = m.State()
	if *cs.RegID != regB {
		t.Fatalf("on-deck after a = %q, want %q", *cs.RegID, regB)
	}

	if err := m.FinalizeFromTally(attemptID(t, store, regB, lift, 1), tally.OutcomeInvalid, nil); err != nil {
		t.Fatalf("finalize b: %v", err)
	}
	if err := m.Next(); err != nil {
		t.Fatalf("next after b: %v", err)
	}

	state, cs, err := m.State()
	if err != nil {
		t.Fatalf("final state: %v", err)
	}
	if state != StateFinished {
		t.Fatalf("state = %v, want FINISHED", state)
	}
	if len(pub.finishes) != 1 || pub.finishes[0].meetCode != meetCode {
		t.Fatalf("expected one meet-finished event for %q, got %+v", meetCode, pub.finishes)
	}
	if pub.rankings != 2 {
		t.Fatalf("expected a ranking update per finalize, got %d", pub.rankings)
	}
}

// TestNextInIdleIsStateConflict covers the documented error case for a
// stray NEXT before any initialize.
func TestNextInIdleIsStateConflict(t *testing.T) {
	store := newTestStore(t)
	pub := &fakePublisher{}
	m := New(store, ordering.New(store), ranking.New(store), tally.New(), pub)
	if err := m.Next(); err == nil {
		t.Fatal("expected StateConflict for NEXT in IDLE")
	}
}

// TestNextOnceFinishedIsNoOp exercises the documented retry safety:
// a NEXT delivered twice after completion does not error or republish.
func TestNextOnceFinishedIsNoOp(t *testing.T) {
	store := newTestStore(t)
	meetCode, flightID, _, lift, regA, regB := setupSingleGroupMeet(t, store)
	pub := &fakePublisher{}
	m := New(store, ordering.New(store), ranking.New(store), tally.New(), pub)

	if err := m.Initialize(meetCode, flightID, lift); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	for _, reg := range []string{regA, regB} {
		if err := m.FinalizeFromTally(attemptID(t, store, reg, lift, 1), tally.OutcomeValid, nil); err != nil {
			t.Fatalf("finalize %s: %v", reg, err)
		}
		if err := m.Next(); err != nil {
			t.Fatalf("next after %s: %v", reg, err)
		}
	}

	finishesBefore := len(pub.finishes)
	if err := m.Next(); err != nil {
		t.Fatalf("retried NEXT on FINISHED should be a no-op, got error: %v", err)
	}
	if len(pub.finishes) != finishesBefore {
		t.Fatalf("retried NEXT republished meet-finished: %d -> %d", finishesBefore, len(pub.finishes))
	}
}

// TestTimerStartStopRejectedWhileIdleRequiresLiveAttempt covers the
// director.timer command: rejected in IDLE, and publishing start/stop
// once an attempt is live.
func TestTimerStartStopRejectedWhileIdleRequiresLiveAttempt(t *testing.T) {
	store := newTestStore(t)
	pub := &fakePublisher{}
	m := New(store, ordering.New(store), ranking.New(store), tally.New(), pub)

	if err := m.StartTimer(60); err == nil {
		t.Fatal("expected StateConflict for timer-start while IDLE")
	}
	if err := m.StopTimer(); err == nil {
		t.Fatal("expected StateConflict for timer-stop while IDLE")
	}

	meetCode, flightID, _, lift, _, _ := setupSingleGroupMeet(t, store)
	if err := m.Initialize(meetCode, flightID, lift); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if err := m.StartTimer(60); err != nil {
		t.Fatalf("start timer: %v", err)
	}
	if len(pub.timerStarts) != 1 || pub.timerStarts[0].durationS != 60 {
		t.Fatalf("expected one 60s timer-started event, got %+v", pub.timerStarts)
	}
	_, cs, err := m.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if cs.TimerStart == nil || cs.TimerDuration != 60*time.Second {
		t.Fatalf("expected timer fields set on current state, got %+v", cs)
	}

	if err := m.StopTimer(); err != nil {
		t.Fatalf("stop timer: %v", err)
	}
	if len(pub.timerStops) != 1 {
		t.Fatalf("expected one timer-stopped event, got %d", len(pub.timerStops))
	}
	_, cs, err = m.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if cs.TimerStart != nil || cs.TimerDuration != 0 {
		t.Fatalf("expected timer fields cleared after stop, got %+v", cs)
	}
}

// TestGroupThenLiftTransition reproduces spec.md §8 scenario 4: after
// the last round of a group on one lift, NEXT advances to the next
// group on the same lift, and after the last group on that lift, to
// the next lift with group/round reset, before finally reaching
// FINISHED.
func TestGroupThenLiftTransition(t *testing.T) {
	store := newTestStore(t)
	meetCode, flightID := "M1", "F1"
	const liftSQ, liftDIP = "SQ", "DIP"

	if err := store.CreateMeetType(catalog.MeetType{Name: "MT1", Lifts: []catalog.Lift{{Code: liftSQ, Order: 1}, {Code: liftDIP, Order: 2}}}); err != nil {
		t.Fatalf("create meet type: %v", err)
	}
	if err := store.CreateMeet(catalog.Meet{Code: meetCode, MeetType: "MT1"}); err != nil {
		t.Fatalf("create meet: %v", err)
	}
	if err := store.CreateFlight(catalog.Flight{ID: flightID, MeetCode: meetCode, Ord: 1}); err != nil {
		t.Fatalf("create flight: %v", err)
	}
	if err := store.CreateGroup(catalog.Group{ID: "G1", FlightID: flightID, Ord: 1}); err != nil {
		t.Fatalf("create group 1: %v", err)
	}
	if err := store.CreateGroup(catalog.Group{ID: "G2", FlightID: flightID, Ord: 2}); err != nil {
		t.Fatalf("create group 2: %v", err)
	}

	seed := func(reg, groupID string, startOrd int) {
		if err := store.CreateAthlete(catalog.Athlete{CF: reg + "cf", Sex: catalog.SexMale}); err != nil {
			t.Fatalf("create athlete %s: %v", reg, err)
		}
		if err := store.CreateRegistration(catalog.Registration{ID: reg, MeetCode: meetCode, AthleteCF: reg + "cf", Bodyweight: 80}); err != nil {
			t.Fatalf("create registration %s: %v", reg, err)
		}
		if err := store.AddGroupEntry(catalog.GroupEntry{GroupID: groupID, RegID: reg, StartOrd: startOrd}); err != nil {
			t.Fatalf("add group entry %s: %v", reg, err)
		}
		if err := store.SetDeclaredOpener(reg, liftSQ, 100); err != nil {
			t.Fatalf("set opener %s: %v", reg, err)
		}
		if _, err := store.DeclareAttempt(reg, liftSQ, 1, 100); err != nil {
			t.Fatalf("declare attempt %s: %v", reg, err)
		}
	}
	seed("p", "G1", 1)
	seed("q", "G2", 1)

	pub := &fakePublisher{}
	m := New(store, ordering.New(store), ranking.New(store), tally.New(), pub)

	if err := m.Initialize(meetCode, flightID, liftSQ); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Finish p's lone attempt in G1: NEXT must cross into G2 for q,
	// still on SQ.
	if err := m.FinalizeFromTally(attemptID(t, store, "p", liftSQ, 1), tally.OutcomeValid, nil); err != nil {
		t.Fatalf("finalize p: %v", err)
	}
	if err := m.Next(); err != nil {
		t.Fatalf("next after p: %v", err)
	}
	_, cs, err := m.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if cs.GroupID == nil || *cs.GroupID != "G2" || cs.LiftCode == nil || *cs.LiftCode != liftSQ {
		t.Fatalf("expected group G2 still on SQ, got %+v", cs)
	}
	if *cs.RegID != "q" {
		t.Fatalf("on-deck = %q, want q", *cs.RegID)
	}

	// Finish q's lone SQ attempt: NEXT must cross lifts, landing back
	// on G1 for DIP — but G1's athlete has no DIP declaration, so it
	// falls straight through every empty round/group to FINISHED.
	if err := m.FinalizeFromTally(attemptID(t, store, "q", liftSQ, 1), tally.OutcomeValid, nil); err != nil {
		t.Fatalf("finalize q: %v", err)
	}
	if err := m.Next(); err != nil {
		t.Fatalf("next after q: %v", err)
	}

	state, _, err := m.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state != StateFinished {
		t.Fatalf("state = %v, want FINISHED once neither group has a DIP declaration", state)
	}
}
