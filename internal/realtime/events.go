// Package realtime implements C6: the websocket broker that fans live
// state out to judge, director, and spectator viewers, keyed by meet
// code. It is grounded on the source's room-scoped chat hub
// (fs5mha), generalized from chat rooms to meet rooms and from a
// single message type to the fixed event catalog the platform emits.
package realtime

import (
	"time"

	"github.com/IvanNece/StreetControl/internal/catalog"
	"github.com/IvanNece/StreetControl/internal/ordering"
	"github.com/IvanNece/StreetControl/internal/ranking"
	"github.com/IvanNece/StreetControl/internal/tally"
)

// EventType names one of the fixed outbound event kinds the broker
// emits. Viewers never receive anything outside this catalog.
type EventType string

const (
	EventStateUpdate    EventType = "state.update"
	EventQueueUpdate    EventType = "queue.update"
	EventRankingUpdate  EventType = "ranking.update"
	EventWeightUpdated  EventType = "weight.updated"
	EventAttemptResult  EventType = "attempt.result"
	EventMeetFinished   EventType = "meet.finished"
	EventTimerStarted   EventType = "timer.started"
	EventTimerStopped   EventType = "timer.stopped"
	EventJudgeTally     EventType = "judge.tally"
)

// Channel narrows which sessions in a meet room an emit reaches.
// Judges never see queue.update or the running tally count, so those
// two events route through a restricted channel rather than the
// room-wide broadcast every other event uses.
type Channel int

const (
	// ChannelMeet reaches every session in the room, regardless of role.
	ChannelMeet Channel = iota
	// ChannelDirector reaches RoleDirector sessions only.
	ChannelDirector
	// ChannelNonJudges reaches RoleDirector and RoleViewer sessions,
	// excluding RoleJudge.
	ChannelNonJudges
)

// Event is the envelope every client receives, one meet room at a
// time. Payload is one of the Event* structs below, chosen by Type.
type Event struct {
	Type     EventType   `json:"type"`
	MeetCode string      `json:"meet_code"`
	Payload  interface{} `json:"payload"`
}

// StateUpdatePayload mirrors catalog.CurrentState for the wire.
type StateUpdatePayload struct {
	FlightID string  `json:"flight_id,omitempty"`
	GroupID  string  `json:"group_id,omitempty"`
	LiftCode string  `json:"lift_code,omitempty"`
	Round    int     `json:"round"`
	RegID    string  `json:"reg_id,omitempty"`
	Finished bool    `json:"finished"`
}

func stateUpdatePayload(cs catalog.CurrentState) StateUpdatePayload {
	p := StateUpdatePayload{Round: cs.Round, Finished: cs.Finished}
	if cs.FlightID != nil {
		p.FlightID = *cs.FlightID
	}
	if cs.GroupID != nil {
		p.GroupID = *cs.GroupID
	}
	if cs.LiftCode != nil {
		p.LiftCode = *cs.LiftCode
	}
	if cs.RegID != nil {
		p.RegID = *cs.RegID
	}
	return p
}

// QueueUpdatePayload is the ordered remaining queue for the live
// group/lift/round.
type QueueUpdatePayload struct {
	Entries []ordering.Entry `json:"entries"`
}

// RankingUpdatePayload carries both views computed by C5.
type RankingUpdatePayload struct {
	Category map[string][]ranking.Placement `json:"category"`
	Absolute []ranking.Placement             `json:"absolute"`
}

// WeightUpdatedPayload announces a fresh declaration for a pending
// attempt.
type WeightUpdatedPayload struct {
	RegID     string  `json:"reg_id"`
	LiftCode  string  `json:"lift_code"`
	AttemptNo int     `json:"attempt_no"`
	WeightKg  float64 `json:"weight_kg"`
}

// AttemptResultPayload announces a finalized outcome and the ballot
// that produced it.
type AttemptResultPayload struct {
	AttemptID string                `json:"attempt_id"`
	Outcome   tally.Outcome         `json:"outcome"`
	Votes     map[tally.Role]tally.Vote `json:"votes,omitempty"`
}

// MeetFinishedPayload announces flight completion.
type MeetFinishedPayload struct {
	Reason string `json:"reason"`
}

// TimerStartedPayload announces the director's timer command: a
// StartTS/DurationS pair lets every client compute the same countdown
// locally rather than trusting a ticking server push.
type TimerStartedPayload struct {
	StartTS   time.Time `json:"start_ts"`
	DurationS int       `json:"duration_s"`
}

// TimerStoppedPayload announces the director cancelling or exhausting
// the running timer.
type TimerStoppedPayload struct{}

// JudgeTallyPayload carries only the running vote count for an
// in-progress attempt, never the ballot contents, since it routes to
// director and viewer sessions while the vote is still live.
type JudgeTallyPayload struct {
	AttemptID string `json:"attempt_id"`
	Count     int    `json:"count"`
}

// categoryKeyString renders a ranking.CategoryKey as a stable wire
// key since JSON object keys must be strings.
func categoryKeyString(k ranking.CategoryKey) string {
	return string(k.Sex) + "|" + k.WeightCatID + "|" + k.AgeCatID
}

func flattenCategoryRankings(in map[ranking.CategoryKey][]ranking.Placement) map[string][]ranking.Placement {
	out := make(map[string][]ranking.Placement, len(in))
	for k, v := range in {
		out[categoryKeyString(k)] = v
	}
	return out
}
