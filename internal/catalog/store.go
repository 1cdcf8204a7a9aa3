// Package catalog implements C1, the Identity & Catalog Store: the
// durable backing for athletes, registrations, flights/groups,
// attempts, categories, and the CurrentState singleton.
//
// The source system backs this with SQL views that compute ordering;
// here the store stays a narrow, synchronous lookup surface (per
// spec §9) and the ordering algorithm lives in package ordering.
//
// Persistence is a single local file, matching spec §5 ("the local
// store is a single persistent file with concurrent reads and
// serialized writes"). No SQL driver is pulled in for this layer: the
// pack's offline-first example (bwdd86) establishes the same
// precedent of keeping single-process local state on the standard
// library only, snapshotted to disk rather than proxied through a
// database/sql driver that would need its own process to back it.
package catalog

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/IvanNece/StreetControl/internal/retry"
	"github.com/IvanNece/StreetControl/internal/streeterr"
)

// Default bounded-retry policy for Open, matching spec §7's "small
// bounded count" for Transient local-disk errors. serve/sync/initdb
// pick their own policy from config via OpenWithRetry.
const (
	defaultFlushRetries = 3
	defaultFlushBackoff = 10 * time.Millisecond
)

// Store is the contract C3 (ordering), C4 (state machine), C5
// (ranking), and C7 (sync) depend on. Tests substitute fakes
// implementing this interface instead of a *FileStore.
type Store interface {
	CreateAthlete(a Athlete) error
	ResolveAthleteByCF(cf string) (Athlete, error)

	CreateMeetType(mt MeetType) error
	GetMeetType(name string) (MeetType, error)

	CreateMeet(m Meet) error
	GetMeet(code string) (Meet, error)

	CreateRegistration(r Registration) error
	GetRegistration(regID string) (Registration, error)
	RegistrationsForMeet(meetCode string) ([]Registration, error)

	SetDeclaredOpener(regID, liftCode string, kg float64) error
	OpenersFor(regID string) (map[string]float64, error)

	CreateCategory(c Category) error
	GetCategory(id string) (Category, error)

	CreateFlight(f Flight) error
	GetFlight(id string) (Flight, error)
	FlightsForMeet(meetCode string) ([]Flight, error)

	CreateGroup(g Group) error
	GroupsForFlight(flightID string) ([]Group, error)

	AddGroupEntry(e GroupEntry) error
	GroupEntriesFor(groupID string) ([]GroupEntry, error)

	StartOrdFor(regID string) (int, error)

	AttemptsFor(regID, liftCode string) ([]Attempt, error)
	GetAttempt(attemptID string) (Attempt, error)
	DeclareAttempt(regID, liftCode string, attemptNo int, weightKg float64) (Attempt, error)
	FinalizeAttempt(attemptID string, status AttemptStatus) (Attempt, error)
	BatchDeclaredWeights(groupID, liftCode string, round int) (map[string]RoundWeight, error)
	ValidAttemptsForMeet(meetCode, liftCode string) ([]Attempt, error)

	GetCurrentState() (CurrentState, error)
	SetCurrentState(s CurrentState) error
}

// RoundWeight is the batched-lookup result for one registration in a
// given round: the weight it would lift, and whether that weight is
// usable (the athlete hasn't deferred and the attempt, if any, is
// still PENDING).
type RoundWeight struct {
	WeightKg  float64
	Deferred  bool
	Available bool // false if the attempt_no=round row exists and is no longer PENDING
}

// FileStore is the concrete Store: in-memory maps guarded by a single
// RWMutex, snapshotted to a gob file on every mutation. Reads never
// touch disk; writes are serialized by the mutex and flushed
// synchronously, matching the "serialized writes" guarantee of §5.
type FileStore struct {
	mu   sync.RWMutex
	path string

	retryAttempts int
	retryBackoff  time.Duration

	athletes      map[string]Athlete
	meetTypes     map[string]MeetType
	meets         map[string]Meet
	registrations map[string]Registration
	openers       map[string]map[string]float64 // regID -> liftCode -> kg
	categories    map[string]Category
	flights       map[string]Flight
	groups        map[string]Group
	groupEntries  map[string][]GroupEntry // groupID -> entries
	attempts      map[string]Attempt      // attemptID -> attempt
	attemptIndex  map[string]string       // regID|liftCode|attemptNo -> attemptID
	current       CurrentState

	nextAttemptSeq int
}

// snapshot is the gob-serializable form of FileStore's state.
type snapshot struct {
	Athletes       map[string]Athlete
	MeetTypes      map[string]MeetType
	Meets          map[string]Meet
	Registrations  map[string]Registration
	Openers        map[string]map[string]float64
	Categories     map[string]Category
	Flights        map[string]Flight
	Groups         map[string]Group
	GroupEntries   map[string][]GroupEntry
	Attempts       map[string]Attempt
	AttemptIndex   map[string]string
	Current        CurrentState
	NextAttemptSeq int
}

// Open loads path if it exists, or initializes an empty store backed
// by it, using the default bounded-retry policy. path's parent
// directory is created if missing.
func Open(path string) (*FileStore, error) {
	return OpenWithRetry(path, defaultFlushRetries, defaultFlushBackoff)
}

// OpenWithRetry is Open with an explicit retry policy for flush, fed
// by config.Config.TransientMaxRetries/TransientBaseBackoff in
// production (cmd/streetcontrol).
func OpenWithRetry(path string, maxAttempts int, baseBackoff time.Duration) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, streeterr.Wrap(streeterr.Fatal, err, "create local db directory")
		}
	}

	fs := &FileStore{
		path:          path,
		retryAttempts: maxAttempts,
		retryBackoff:  baseBackoff,
		athletes:      map[string]Athlete{},
		meetTypes:     map[string]MeetType{},
		meets:         map[string]Meet{},
		registrations: map[string]Registration{},
		openers:       map[string]map[string]float64{},
		categories:    map[string]Category{},
		flights:       map[string]Flight{},
		groups:        map[string]Group{},
		groupEntries:  map[string][]GroupEntry{},
		attempts:      map[string]Attempt{},
		attemptIndex:  map[string]string{},
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, streeterr.Wrap(streeterr.Fatal, err, "open local db file")
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, streeterr.Wrap(streeterr.Fatal, err, "decode local db snapshot")
	}
	fs.restore(snap)
	return fs, nil
}

func (s *FileStore) restore(snap snapshot) {
	s.athletes = nonNil(snap.Athletes)
	s.meetTypes = nonNilMT(snap.MeetTypes)
	s.meets = nonNilMeet(snap.Meets)
	s.registrations = nonNilReg(snap.Registrations)
	s.openers = snap.Openers
	if s.openers == nil {
		s.openers = map[string]map[string]float64{}
	}
	s.categories = nonNilCat(snap.Categories)
	s.flights = nonNilFlight(snap.Flights)
	s.groups = nonNilGroup(snap.Groups)
	s.groupEntries = snap.GroupEntries
	if s.groupEntries == nil {
		s.groupEntries = map[string][]GroupEntry{}
	}
	s.attempts = nonNilAttempt(snap.Attempts)
	s.attemptIndex = snap.AttemptIndex
	if s.attemptIndex == nil {
		s.attemptIndex = map[string]string{}
	}
	s.current = snap.Current
	s.nextAttemptSeq = snap.NextAttemptSeq
}

// flush persists the current state to disk. Caller must hold s.mu
// (read or write lock — gob encoding only reads). Transient failures
// (temp file create/encode/rename racing another process) are retried
// a small bounded number of times before surfacing, per spec §7.
func (s *FileStore) flush() error {
	return retry.Do(context.Background(), s.retryAttempts, s.retryBackoff, s.flushOnce)
}

func (s *FileStore) flushOnce() error {
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return streeterr.Wrap(streeterr.Transient, err, "create temp snapshot file")
	}

	snap := snapshot{
		Athletes:       s.athletes,
		MeetTypes:      s.meetTypes,
		Meets:          s.meets,
		Registrations:  s.registrations,
		Openers:        s.openers,
		Categories:     s.categories,
		Flights:        s.flights,
		Groups:         s.groups,
		GroupEntries:   s.groupEntries,
		Attempts:       s.attempts,
		AttemptIndex:   s.attemptIndex,
		Current:        s.current,
		NextAttemptSeq: s.nextAttemptSeq,
	}
	if err := gob.NewEncoder(f).Encode(snap); err != nil {
		f.Close()
		return streeterr.Wrap(streeterr.Transient, err, "encode snapshot")
	}
	if err := f.Close(); err != nil {
		return streeterr.Wrap(streeterr.Transient, err, "close temp snapshot file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return streeterr.Wrap(streeterr.Transient, err, "rename snapshot into place")
	}
	return nil
}

func nonNil(m map[string]Athlete) map[string]Athlete {
	if m == nil {
		return map[string]Athlete{}
	}
	return m
}
func nonNilMT(m map[string]MeetType) map[string]MeetType {
	if m == nil {
		return map[string]MeetType{}
	}
	return m
}
func nonNilMeet(m map[string]Meet) map[string]Meet {
	if m == nil {
		return map[string]Meet{}
	}
	return m
}
func nonNilReg(m map[string]Registration) map[string]Registration {
	if m == nil {
		return map[string]Registration{}
	}
	return m
}
func nonNilCat(m map[string]Category) map[string]Category {
	if m == nil {
		return map[string]Category{}
	}
	return m
}
func nonNilFlight(m map[string]Flight) map[string]Flight {
	if m == nil {
		return map[string]Flight{}
	}
	return m
}
func nonNilGroup(m map[string]Group) map[string]Group {
	if m == nil {
		return map[string]Group{}
	}
	return m
}
func nonNilAttempt(m map[string]Attempt) map[string]Attempt {
	if m == nil {
		return map[string]Attempt{}
	}
	return m
}

// isHalfKg reports whether kg is an exact multiple of 0.5, within
// floating-point epsilon.
func isHalfKg(kg float64) bool {
	scaled := kg * 2
	return scaled-float64(int64(scaled+0.0001)) < 0.0002 && scaled-float64(int64(scaled+0.0001)) > -0.0002
}

func attemptKey(regID, liftCode string, attemptNo int) string {
	return fmt.Sprintf("%s|%s|%d", regID, liftCode, attemptNo)
}

// --- Athletes ---

func (s *FileStore) CreateAthlete(a Athlete) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.athletes[a.CF] = a
	return s.flush()
}

func (s *FileStore) ResolveAthleteByCF(cf string) (Athlete, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.athletes[cf]
	if !ok {
		return Athlete{}, streeterr.Newf(streeterr.NotFound, "athlete with CF %q not found", cf)
	}
	return a, nil
}

// --- Meet types / meets ---

func (s *FileStore) CreateMeetType(mt MeetType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetTypes[mt.Name] = mt
	return s.flush()
}

func (s *FileStore) GetMeetType(name string) (MeetType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mt, ok := s.meetTypes[name]
	if !ok {
		return MeetType{}, streeterr.Newf(streeterr.NotFound, "meet-type %q not found", name)
	}
	return mt, nil
}

func (s *FileStore) CreateMeet(m Meet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meets[m.Code] = m
	return s.flush()
}

func (s *FileStore) GetMeet(code string) (Meet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meets[code]
	if !ok {
		return Meet{}, streeterr.Newf(streeterr.NotFound, "meet %q not found", code)
	}
	return m, nil
}

// --- Registrations / openers ---

func (s *FileStore) CreateRegistration(r Registration) error {
	if !isHalfKg(r.Bodyweight) {
		return streeterr.Newf(streeterr.BadInput, "bodyweight %.3f is not a multiple of 0.5kg", r.Bodyweight)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrations[r.ID] = r
	return s.flush()
}

func (s *FileStore) GetRegistration(regID string) (Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.registrations[regID]
	if !ok {
		return Registration{}, streeterr.Newf(streeterr.NotFound, "registration %q not found", regID)
	}
	return r, nil
}

func (s *FileStore) RegistrationsForMeet(meetCode string) ([]Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Registration
	for _, r := range s.registrations {
		if r.MeetCode == meetCode {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FileStore) SetDeclaredOpener(regID, liftCode string, kg float64) error {
	if !isHalfKg(kg) {
		return streeterr.Newf(streeterr.BadInput, "opener %.3f is not a multiple of 0.5kg", kg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registrations[regID]; !ok {
		return streeterr.Newf(streeterr.NotFound, "registration %q not found", regID)
	}
	if s.openers[regID] == nil {
		s.openers[regID] = map[string]float64{}
	}
	s.openers[regID][liftCode] = kg

	// The opener is attempt #1's declared weight: create that row as
	// PENDING, or update its weight while it is still PENDING.
	key := attemptKey(regID, liftCode, 1)
	if id, ok := s.attemptIndex[key]; ok {
		if a := s.attempts[id]; a.Status == StatusPending {
			a.WeightKg = kg
			s.attempts[id] = a
		}
	} else {
		s.nextAttemptSeq++
		id := fmt.Sprintf("att-%d", s.nextAttemptSeq)
		s.attempts[id] = Attempt{ID: id, RegID: regID, LiftCode: liftCode, AttemptNo: 1, WeightKg: kg, Status: StatusPending}
		s.attemptIndex[key] = id
	}
	return s.flush()
}

func (s *FileStore) OpenersFor(regID string) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.openers[regID]
	if !ok {
		return map[string]float64{}, nil
	}
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

// --- Categories ---

func (s *FileStore) CreateCategory(c Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories[c.ID] = c
	return s.flush()
}

func (s *FileStore) GetCategory(id string) (Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.categories[id]
	if !ok {
		return Category{}, streeterr.Newf(streeterr.NotFound, "category %q not found", id)
	}
	return c, nil
}

// --- Flights / groups / entries ---

func (s *FileStore) CreateFlight(f Flight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flights[f.ID] = f
	return s.flush()
}

func (s *FileStore) GetFlight(id string) (Flight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flights[id]
	if !ok {
		return Flight{}, streeterr.Newf(streeterr.NotFound, "flight %q not found", id)
	}
	return f, nil
}

func (s *FileStore) FlightsForMeet(meetCode string) ([]Flight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Flight
	for _, f := range s.flights {
		if f.MeetCode == meetCode {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ord < out[j].Ord })
	return out, nil
}

func (s *FileStore) CreateGroup(g Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
	return s.flush()
}

func (s *FileStore) GroupsForFlight(flightID string) ([]Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Group
	for _, g := range s.groups {
		if g.FlightID == flightID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ord < out[j].Ord })
	return out, nil
}

func (s *FileStore) AddGroupEntry(e GroupEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupEntries[e.GroupID] = append(s.groupEntries[e.GroupID], e)
	return s.flush()
}

func (s *FileStore) GroupEntriesFor(groupID string) ([]GroupEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.groupEntries[groupID]
	out := make([]GroupEntry, len(src))
	copy(out, src)
	return out, nil
}

// StartOrdFor returns the start_ord nominated for regID in whichever
// group it belongs to; 0 if the registration is not yet seated in any
// group. Used only as the final ranking/ordering tiebreak.
func (s *FileStore) StartOrdFor(regID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entries := range s.groupEntries {
		for _, e := range entries {
			if e.RegID == regID {
				return e.StartOrd, nil
			}
		}
	}
	return 0, nil
}

// --- Attempts ---

func (s *FileStore) AttemptsFor(regID, liftCode string) ([]Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Attempt
	for n := 1; n <= 4; n++ {
		if id, ok := s.attemptIndex[attemptKey(regID, liftCode, n)]; ok {
			out = append(out, s.attempts[id])
		}
	}
	return out, nil
}

func (s *FileStore) GetAttempt(attemptID string) (Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[attemptID]
	if !ok {
		return Attempt{}, streeterr.Newf(streeterr.NotFound, "attempt %q not found", attemptID)
	}
	return a, nil
}

// DeclareAttempt upserts attempt (regID, liftCode, attemptNo). It
// rejects attempt_no outside {1,2,3,4}, a missing/PENDING predecessor,
// or redeclaring a non-PENDING attempt — the monotone-attempt
// invariant of spec §3.
func (s *FileStore) DeclareAttempt(regID, liftCode string, attemptNo int, weightKg float64) (Attempt, error) {
	if attemptNo < 1 || attemptNo > 4 {
		return Attempt{}, streeterr.Newf(streeterr.BadInput, "attempt_no %d out of range 1..4", attemptNo)
	}
	if !isHalfKg(weightKg) {
		return Attempt{}, streeterr.Newf(streeterr.BadInput, "weight %.3f is not a multiple of 0.5kg", weightKg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.registrations[regID]; !ok {
		return Attempt{}, streeterr.Newf(streeterr.NotFound, "registration %q not found", regID)
	}

	if attemptNo > 1 {
		predKey := attemptKey(regID, liftCode, attemptNo-1)
		predID, ok := s.attemptIndex[predKey]
		if !ok {
			return Attempt{}, streeterr.Newf(streeterr.StateConflict, "attempt_no %d predecessor does not exist", attemptNo)
		}
		if s.attempts[predID].Status == StatusPending {
			return Attempt{}, streeterr.Newf(streeterr.StateConflict, "attempt_no %d predecessor is still PENDING", attemptNo)
		}
	}

	key := attemptKey(regID, liftCode, attemptNo)
	if existingID, ok := s.attemptIndex[key]; ok {
		existing := s.attempts[existingID]
		if existing.Status != StatusPending {
			return Attempt{}, streeterr.Newf(streeterr.StateConflict, "attempt %s is already finalized", existingID)
		}
		existing.WeightKg = weightKg
		s.attempts[existingID] = existing
		if err := s.flush(); err != nil {
			return Attempt{}, err
		}
		return existing, nil
	}

	s.nextAttemptSeq++
	a := Attempt{
		ID:        fmt.Sprintf("att-%d", s.nextAttemptSeq),
		RegID:     regID,
		LiftCode:  liftCode,
		AttemptNo: attemptNo,
		WeightKg:  weightKg,
		Status:    StatusPending,
	}
	s.attempts[a.ID] = a
	s.attemptIndex[key] = a.ID
	if err := s.flush(); err != nil {
		return Attempt{}, err
	}
	return a, nil
}

// FinalizeAttempt transitions an attempt out of PENDING exactly once.
func (s *FileStore) FinalizeAttempt(attemptID string, status AttemptStatus) (Attempt, error) {
	if status != StatusValid && status != StatusInvalid {
		return Attempt{}, streeterr.Newf(streeterr.BadInput, "cannot finalize to status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[attemptID]
	if !ok {
		return Attempt{}, streeterr.Newf(streeterr.NotFound, "attempt %q not found", attemptID)
	}
	if a.Status != StatusPending {
		return Attempt{}, streeterr.Newf(streeterr.StateConflict, "attempt %q is not PENDING", attemptID)
	}
	a.Status = status
	s.attempts[attemptID] = a
	if err := s.flush(); err != nil {
		return Attempt{}, err
	}
	return a, nil
}

// BatchDeclaredWeights fetches the relevant declared weight for every
// entry in groupID in one call, bounding C3's latency independent of
// group size (spec §9 "synchronous per-registration N+1 queries").
func (s *FileStore) BatchDeclaredWeights(groupID, liftCode string, round int) (map[string]RoundWeight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.groupEntries[groupID]
	out := make(map[string]RoundWeight, len(entries))

	for _, e := range entries {
		if round == 1 {
			kg, ok := s.openers[e.RegID][liftCode]
			if !ok || kg == 0 {
				out[e.RegID] = RoundWeight{Deferred: true}
				continue
			}
			// round 1's attempt row may already be finalized.
			if id, ok := s.attemptIndex[attemptKey(e.RegID, liftCode, 1)]; ok {
				if s.attempts[id].Status != StatusPending {
					out[e.RegID] = RoundWeight{WeightKg: kg, Available: false}
					continue
				}
			}
			out[e.RegID] = RoundWeight{WeightKg: kg, Available: true}
			continue
		}

		id, ok := s.attemptIndex[attemptKey(e.RegID, liftCode, round)]
		if !ok {
			out[e.RegID] = RoundWeight{Deferred: true}
			continue
		}
		a := s.attempts[id]
		if a.WeightKg == 0 {
			out[e.RegID] = RoundWeight{Deferred: true}
			continue
		}
		if a.Status != StatusPending {
			out[e.RegID] = RoundWeight{WeightKg: a.WeightKg, Available: false}
			continue
		}
		out[e.RegID] = RoundWeight{WeightKg: a.WeightKg, Available: true}
	}
	return out, nil
}

// ValidAttemptsForMeet returns every VALID attempt on liftCode for
// registrations belonging to meetCode, for C5's best() aggregation.
func (s *FileStore) ValidAttemptsForMeet(meetCode, liftCode string) ([]Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	regsInMeet := map[string]bool{}
	for id, r := range s.registrations {
		if r.MeetCode == meetCode {
			regsInMeet[id] = true
		}
	}

	var out []Attempt
	for _, a := range s.attempts {
		if a.LiftCode == liftCode && a.Status == StatusValid && regsInMeet[a.RegID] {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- CurrentState ---

func (s *FileStore) GetCurrentState() (CurrentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

func (s *FileStore) SetCurrentState(cs CurrentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = cs
	return s.flush()
}
