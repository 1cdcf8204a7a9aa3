package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/IvanNece/StreetControl/internal/catalog"
	"github.com/IvanNece/StreetControl/internal/ordering"
	"github.com/IvanNece/StreetControl/internal/ranking"
	"github.com/IvanNece/StreetControl/internal/tally"
)

// Broker is C6: it fans the fixed Event catalog out to every viewer
// subscribed to a meet's room, and mirrors local broadcasts through
// Redis Pub/Sub so other instances' viewers stay in sync. It
// implements statemachine.Publisher.
//
// Grounded on the source's per-room hub (fs5mha): register/unregister
// channels serialize room membership, one goroutine per room
// subscribes to its Redis channel, and a full send buffer drops the
// session rather than blocking the broadcast loop.
type Broker struct {
	mu    sync.RWMutex
	rooms map[string]map[*Session]bool

	register   chan *Session
	unregister chan *Session
	broadcast  chan roomEvent

	redis    *redis.Client
	stopSubs map[string]chan struct{}

	sendBuffer int
	log        *slog.Logger

	quit chan struct{}
}

type roomEvent struct {
	meetCode  string
	event     Event
	channel   Channel
	fromRedis bool
}

// deliverable reports whether a session with role should receive an
// event sent on channel.
func deliverable(channel Channel, role Role) bool {
	switch channel {
	case ChannelDirector:
		return role == RoleDirector
	case ChannelNonJudges:
		return role != RoleJudge
	default:
		return true
	}
}

func NewBroker(redisClient *redis.Client, sendBuffer int, log *slog.Logger) *Broker {
	return &Broker{
		rooms:      make(map[string]map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session, 256),
		broadcast:  make(chan roomEvent, 256),
		redis:      redisClient,
		stopSubs:   make(map[string]chan struct{}),
		sendBuffer: sendBuffer,
		log:        log,
		quit:       make(chan struct{}),
	}
}

// Run drives the broker's single serialization loop. Call it once,
// typically in its own goroutine from main.
func (b *Broker) Run() {
	for {
		select {
		case s := <-b.register:
			b.mu.Lock()
			if b.rooms[s.meetCode] == nil {
				b.rooms[s.meetCode] = make(map[*Session]bool)
				if b.redis != nil {
					stop := make(chan struct{})
					b.stopSubs[s.meetCode] = stop
					go b.subscribeRoom(s.meetCode, stop)
				}
			}
			b.rooms[s.meetCode][s] = true
			b.mu.Unlock()

		case s := <-b.unregister:
			b.mu.Lock()
			if room, ok := b.rooms[s.meetCode]; ok {
				if _, present := room[s]; present {
					delete(room, s)
					close(s.send)
					if len(room) == 0 {
						delete(b.rooms, s.meetCode)
						if stop, ok := b.stopSubs[s.meetCode]; ok {
							close(stop)
							delete(b.stopSubs, s.meetCode)
						}
					}
				}
			}
			b.mu.Unlock()

		case re := <-b.broadcast:
			b.mu.RLock()
			room := b.rooms[re.meetCode]
			var slow []*Session
			for s := range room {
				if !deliverable(re.channel, s.role) {
					continue
				}
				select {
				case s.send <- re.event:
				default:
					slow = append(slow, s)
				}
			}
			b.mu.RUnlock()

			for _, s := range slow {
				b.log.Warn("dropping slow realtime session", "meet_code", re.meetCode, "role", s.role)
				select {
				case b.unregister <- s:
				default:
				}
				if s.conn != nil {
					s.conn.Close()
				}
			}

			if !re.fromRedis && b.redis != nil {
				b.publishRedis(re.meetCode, re.channel, re.event)
			}

		case <-b.quit:
			return
		}
	}
}

// Stop signals Run to return.
func (b *Broker) Stop() { close(b.quit) }

func (b *Broker) emit(meetCode string, channel Channel, event Event) {
	select {
	case b.broadcast <- roomEvent{meetCode: meetCode, channel: channel, event: event}:
	default:
		b.log.Warn("broker broadcast channel full, dropping event", "meet_code", meetCode, "type", event.Type)
	}
}

// redisEnvelope is the wire shape shared across instances: the channel
// must cross the Redis boundary too, or a second instance's room would
// fall back to broadcasting queue.update/judge.tally to every role.
type redisEnvelope struct {
	Channel Channel `json:"channel"`
	Event   Event   `json:"event"`
}

func (b *Broker) publishRedis(meetCode string, channel Channel, event Event) {
	data, err := json.Marshal(redisEnvelope{Channel: channel, Event: event})
	if err != nil {
		b.log.Error("marshal event for redis publish", "error", err)
		return
	}
	if err := b.redis.Publish(context.Background(), "streetcontrol:"+meetCode, data).Err(); err != nil {
		b.log.Error("redis publish failed", "error", err, "meet_code", meetCode)
	}
}

func (b *Broker) subscribeRoom(meetCode string, stop chan struct{}) {
	sub := b.redis.Subscribe(context.Background(), "streetcontrol:"+meetCode)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env redisEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Error("unmarshal redis event", "error", err)
				continue
			}
			select {
			case b.broadcast <- roomEvent{meetCode: meetCode, channel: env.Channel, event: env.Event, fromRedis: true}:
			default:
				b.log.Warn("broker broadcast channel full, dropping redis-sourced event", "meet_code", meetCode)
			}
		case <-stop:
			return
		}
	}
}

// --- statemachine.Publisher ---

func (b *Broker) StateUpdate(cs catalog.CurrentState) {
	if cs.MeetCode == nil {
		return
	}
	b.emit(*cs.MeetCode, ChannelMeet, Event{Type: EventStateUpdate, MeetCode: *cs.MeetCode, Payload: stateUpdatePayload(cs)})
}

// QueueUpdate is director-only: spec reserves the remaining lift order
// for the session running the meet, never spectators or judges.
func (b *Broker) QueueUpdate(meetCode string, entries []ordering.Entry) {
	b.emit(meetCode, ChannelDirector, Event{Type: EventQueueUpdate, MeetCode: meetCode, Payload: QueueUpdatePayload{Entries: entries}})
}

func (b *Broker) RankingUpdate(meetCode string, category map[ranking.CategoryKey][]ranking.Placement, absolute []ranking.Placement) {
	b.emit(meetCode, ChannelMeet, Event{
		Type:     EventRankingUpdate,
		MeetCode: meetCode,
		Payload:  RankingUpdatePayload{Category: flattenCategoryRankings(category), Absolute: absolute},
	})
}

func (b *Broker) WeightUpdated(meetCode, regID, liftCode string, attemptNo int, kg float64) {
	b.emit(meetCode, ChannelMeet, Event{
		Type:     EventWeightUpdated,
		MeetCode: meetCode,
		Payload:  WeightUpdatedPayload{RegID: regID, LiftCode: liftCode, AttemptNo: attemptNo, WeightKg: kg},
	})
}

func (b *Broker) AttemptResult(meetCode, attemptID string, outcome tally.Outcome, votes map[tally.Role]tally.Vote) {
	b.emit(meetCode, ChannelMeet, Event{
		Type:     EventAttemptResult,
		MeetCode: meetCode,
		Payload:  AttemptResultPayload{AttemptID: attemptID, Outcome: outcome, Votes: votes},
	})
}

func (b *Broker) MeetFinished(meetCode, reason string) {
	b.emit(meetCode, ChannelMeet, Event{Type: EventMeetFinished, MeetCode: meetCode, Payload: MeetFinishedPayload{Reason: reason}})
}

func (b *Broker) TimerStarted(meetCode string, startTS time.Time, durationS int) {
	b.emit(meetCode, ChannelMeet, Event{
		Type:     EventTimerStarted,
		MeetCode: meetCode,
		Payload:  TimerStartedPayload{StartTS: startTS, DurationS: durationS},
	})
}

func (b *Broker) TimerStopped(meetCode string) {
	b.emit(meetCode, ChannelMeet, Event{Type: EventTimerStopped, MeetCode: meetCode, Payload: TimerStoppedPayload{}})
}

// TallyUpdate pushes the running vote count for an in-progress attempt
// to director and viewer sessions only — judges already know their
// own vote and must never see the others' before the ballot closes.
// Not part of statemachine.Publisher: httpapi calls it directly after
// every registerVote, whether or not that vote completed the ballot.
func (b *Broker) TallyUpdate(meetCode, attemptID string, count int) {
	b.emit(meetCode, ChannelNonJudges, Event{
		Type:     EventJudgeTally,
		MeetCode: meetCode,
		Payload:  JudgeTallyPayload{AttemptID: attemptID, Count: count},
	})
}
