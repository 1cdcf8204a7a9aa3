// Package statemachine implements C4: the singleton "current" pointer
// and the transitions that move it. It is authoritative for what is
// "now happening" on the platform.
//
// Per the source's dynamic-callback-wiring problem (spec §9), the
// machine never imports the broker. It depends on the narrow
// Publisher/TallyClearer ports below; the composition root wires a
// concrete realtime.Broker into them.
package statemachine

import (
	"sync"
	"time"

	"github.com/IvanNece/StreetControl/internal/catalog"
	"github.com/IvanNece/StreetControl/internal/ordering"
	"github.com/IvanNece/StreetControl/internal/ranking"
	"github.com/IvanNece/StreetControl/internal/streeterr"
	"github.com/IvanNece/StreetControl/internal/tally"
)

// State is the coarse phase derived from CurrentState, used by callers
// (e.g. the HTTP status endpoint) that just need a label.
type State string

const (
	StateIdle          State = "IDLE"
	StateActive        State = "ACTIVE"
	StateBetweenGroups State = "BETWEEN_GROUPS"
	StateFinished      State = "FINISHED"
)

// Publisher is C4's one-way event sink (spec §9: "the state machine
// depends on a publisher"). Implemented by realtime.Broker in
// production and by fakes in tests.
type Publisher interface {
	StateUpdate(cs catalog.CurrentState)
	QueueUpdate(meetCode string, entries []ordering.Entry)
	RankingUpdate(meetCode string, category map[ranking.CategoryKey][]ranking.Placement, absolute []ranking.Placement)
	WeightUpdated(meetCode, regID, liftCode string, attemptNo int, kg float64)
	AttemptResult(meetCode, attemptID string, outcome tally.Outcome, votes map[tally.Role]tally.Vote)
	MeetFinished(meetCode, reason string)
	TimerStarted(meetCode string, startTS time.Time, durationS int)
	TimerStopped(meetCode string)
}

// TallyClearer is the minimal view of C2 the machine needs: clearing
// an attempt's ballot once its outcome is durable.
type TallyClearer interface {
	Clear(attemptID string)
}

// Machine drives CurrentState for one venue's one live meet. Commands
// are serialized by mu: a NEXT arriving mid-finalize blocks on the
// lock and runs only after finalize releases it (spec §4.4).
type Machine struct {
	mu sync.Mutex

	store     catalog.Store
	ordering  *ordering.Engine
	ranking   *ranking.Engine
	tallyClr  TallyClearer
	publisher Publisher
}

func New(store catalog.Store, orderingEngine *ordering.Engine, rankingEngine *ranking.Engine, tallyClr TallyClearer, publisher Publisher) *Machine {
	return &Machine{
		store:     store,
		ordering:  orderingEngine,
		ranking:   rankingEngine,
		tallyClr:  tallyClr,
		publisher: publisher,
	}
}

// State reports the coarse phase of the current singleton.
func (m *Machine) State() (State, catalog.CurrentState, error) {
	cs, err := m.store.GetCurrentState()
	if err != nil {
		return "", cs, err
	}
	switch {
	case cs.IsIdle():
		return StateIdle, cs, nil
	case cs.Finished:
		return StateFinished, cs, nil
	default:
		return StateActive, cs, nil
	}
}

// Initialize sets flight to flightID, group to its first group by
// ord, round to 1, and current registration to the queue's head.
func (m *Machine) Initialize(meetCode, flightID, liftCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	groups, err := m.store.GroupsForFlight(flightID)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return streeterr.New(streeterr.NotReady, "flight has no groups")
	}
	firstGroup := groups[0]

	queue, err := m.ordering.Queue(firstGroup.ID, liftCode, 1)
	if err != nil {
		return err
	}
	if len(queue) == 0 {
		return streeterr.New(streeterr.NotReady, "first group has no entries with openers")
	}

	cs := catalog.CurrentState{
		MeetCode: &meetCode,
		FlightID: &flightID,
		GroupID:  &firstGroup.ID,
		LiftCode: &liftCode,
		Round:    1,
		RegID:    &queue[0].RegID,
	}
	if err := m.store.SetCurrentState(cs); err != nil {
		return err
	}
	m.publisher.StateUpdate(cs)
	m.publisher.QueueUpdate(meetCode, queue)
	return nil
}

// DeclareWeight delegates to the catalog store. It may be issued while
// another athlete is live: declarations for round r+1 are expected
// during round r.
func (m *Machine) DeclareWeight(regID, liftCode string, attemptNo int, kg float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.DeclareAttempt(regID, liftCode, attemptNo, kg); err != nil {
		return err
	}
	reg, err := m.store.GetRegistration(regID)
	if err != nil {
		return err
	}
	m.publisher.WeightUpdated(reg.MeetCode, regID, liftCode, attemptNo, kg)
	return nil
}

// Next advances the current-registration pointer per the algorithm of
// spec §4.4. NEXT in IDLE is a StateConflict; NEXT once FINISHED is a
// no-op (safe to retry).
func (m *Machine) Next() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, err := m.store.GetCurrentState()
	if err != nil {
		return err
	}
	if cs.IsIdle() {
		return streeterr.New(streeterr.StateConflict, "NEXT received while IDLE")
	}
	if cs.Finished {
		return nil
	}

	meet, err := m.store.GetMeet(*cs.MeetCode)
	if err != nil {
		return err
	}
	meetType, err := m.store.GetMeetType(meet.MeetType)
	if err != nil {
		return err
	}
	groups, err := m.store.GroupsForFlight(*cs.FlightID)
	if err != nil {
		return err
	}

	for {
		queue, err := m.ordering.Queue(*cs.GroupID, *cs.LiftCode, cs.Round)
		if err != nil {
			return err
		}
		if len(queue) > 0 {
			cs.RegID = &queue[0].RegID
			if err := m.store.SetCurrentState(cs); err != nil {
				return err
			}
			m.publisher.StateUpdate(cs)
			m.publisher.QueueUpdate(*cs.MeetCode, queue)
			return nil
		}

		if cs.Round < 3 {
			cs.Round++
			continue
		}

		if nextGroup, ok := groupAfter(groups, *cs.GroupID); ok {
			cs.GroupID = &nextGroup.ID
			cs.Round = 1
			continue
		}

		if nextLift, ok := liftAfter(meetType.Lifts, *cs.LiftCode); ok {
			code := nextLift.Code
			cs.LiftCode = &code
			firstGroupID := groups[0].ID
			cs.GroupID = &firstGroupID
			cs.Round = 1
			continue
		}

		cs.Finished = true
		cs.RegID = nil
		if err := m.store.SetCurrentState(cs); err != nil {
			return err
		}
		m.publisher.MeetFinished(*cs.MeetCode, "flight complete")
		return nil
	}
}

func groupAfter(groups []catalog.Group, currentID string) (catalog.Group, bool) {
	for i, g := range groups {
		if g.ID == currentID && i+1 < len(groups) {
			return groups[i+1], true
		}
	}
	return catalog.Group{}, false
}

func liftAfter(lifts []catalog.Lift, currentCode string) (catalog.Lift, bool) {
	for i, l := range lifts {
		if l.Code == currentCode && i+1 < len(lifts) {
			return lifts[i+1], true
		}
	}
	return catalog.Lift{}, false
}

// FinalizeFromTally is called once C2 reports a complete ballot. It
// persists the outcome, clears the ballot, and publishes the result
// and updated rankings. It never calls Next: advancement stays
// director-triggered.
func (m *Machine) FinalizeFromTally(attemptID string, outcome tally.Outcome, votes map[tally.Role]tally.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if outcome != tally.OutcomeValid && outcome != tally.OutcomeInvalid {
		return streeterr.Newf(streeterr.StateConflict, "cannot finalize from incomplete outcome %q", outcome)
	}
	status := catalog.StatusInvalid
	if outcome == tally.OutcomeValid {
		status = catalog.StatusValid
	}

	attempt, err := m.store.FinalizeAttempt(attemptID, status)
	if err != nil {
		return err
	}
	reg, err := m.store.GetRegistration(attempt.RegID)
	if err != nil {
		return err
	}
	m.tallyClr.Clear(attemptID)
	m.publisher.AttemptResult(reg.MeetCode, attemptID, outcome, votes)

	meet, err := m.store.GetMeet(reg.MeetCode)
	if err != nil {
		return err
	}
	meetType, err := m.store.GetMeetType(meet.MeetType)
	if err != nil {
		return err
	}
	category, err := m.ranking.CategoryRankings(reg.MeetCode, meetType)
	if err != nil {
		return err
	}
	absolute, err := m.ranking.AbsoluteRankings(reg.MeetCode, meetType)
	if err != nil {
		return err
	}
	m.publisher.RankingUpdate(reg.MeetCode, category, absolute)
	return nil
}

// Reset returns to IDLE, for operator recovery.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idle := catalog.CurrentState{}
	if err := m.store.SetCurrentState(idle); err != nil {
		return err
	}
	m.publisher.StateUpdate(idle)
	return nil
}

// StartTimer begins the director's countdown for the athlete currently
// live. It is rejected while IDLE: there is no attempt to time.
func (m *Machine) StartTimer(durationS int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, err := m.store.GetCurrentState()
	if err != nil {
		return err
	}
	if cs.IsIdle() {
		return streeterr.New(streeterr.StateConflict, "timer-start received while IDLE")
	}

	now := time.Now()
	cs.TimerStart = &now
	cs.TimerDuration = time.Duration(durationS) * time.Second
	if err := m.store.SetCurrentState(cs); err != nil {
		return err
	}
	m.publisher.TimerStarted(*cs.MeetCode, now, durationS)
	return nil
}

// StopTimer cancels the running countdown, whether exhausted or cut
// short by the director.
func (m *Machine) StopTimer() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, err := m.store.GetCurrentState()
	if err != nil {
		return err
	}
	if cs.IsIdle() {
		return streeterr.New(streeterr.StateConflict, "timer-stop received while IDLE")
	}

	cs.TimerStart = nil
	cs.TimerDuration = 0
	if err := m.store.SetCurrentState(cs); err != nil {
		return err
	}
	m.publisher.TimerStopped(*cs.MeetCode)
	return nil
}
