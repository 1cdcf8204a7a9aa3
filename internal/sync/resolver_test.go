package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IvanNece/StreetControl/internal/archive"
	"github.com/IvanNece/StreetControl/internal/catalog"
	"github.com/IvanNece/StreetControl/internal/ranking"
)

// fakeArchive is an in-memory stand-in for the remote federation
// database, keyed the same way the real schema is: by logical
// identity, never by a local id.
type fakeArchive struct {
	mu          sync.Mutex
	syncedMeets map[string]bool
	athletes    map[string]catalog.Athlete
	results     map[string]float64 // meetCode|athleteCF|liftCode -> kg
	records     map[string]catalog.Record // weightCat|ageCat|lift -> best
	placements  map[string]ranking.Placement
	commits     int
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		syncedMeets: map[string]bool{},
		athletes:    map[string]catalog.Athlete{},
		results:     map[string]float64{},
		records:     map[string]catalog.Record{},
		placements:  map[string]ranking.Placement{},
	}
}

func (a *fakeArchive) AlreadySynced(ctx context.Context, meetCode string) (bool, error) {
	return a.syncedMeets[meetCode], nil
}

// UpsertAthlete is called concurrently by the resolver's bounded
// worker pool, so it guards the shared map unlike the rest of this
// fake's single-threaded transaction methods.
func (a *fakeArchive) UpsertAthlete(ctx context.Context, ath catalog.Athlete) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.athletes[ath.CF] = ath
	return nil
}

func (a *fakeArchive) BeginMeetSync(ctx context.Context, meetCode string) (archive.MeetSyncTx, error) {
	return MeetSyncTxFake{archive: a, meetCode: meetCode}, nil
}

func newResolverWithFake(store catalog.Store, fake *fakeArchive) *Resolver {
	return New(store, fake, ranking.New(store), 2, 3, time.Millisecond)
}

// MeetSyncTxFake satisfies archive.MeetSyncTx without a real
// transaction: every write commits directly into the parent
// fakeArchive, MarkSynced marks the meet synced, and Commit only
// counts commits.
type MeetSyncTxFake struct {
	archive  *fakeArchive
	meetCode string
}

func (t MeetSyncTxFake) InsertMeet(ctx context.Context, m catalog.Meet) error { return nil }

func (t MeetSyncTxFake) InsertResult(ctx context.Context, meetCode, athleteCF, liftCode string, weightKg float64) error {
	t.archive.results[meetCode+"|"+athleteCF+"|"+liftCode] = weightKg
	return nil
}

func (t MeetSyncTxFake) PromoteRecordIfBetter(ctx context.Context, rec catalog.Record) (bool, error) {
	key := rec.WeightCatID + "|" + rec.AgeCatID + "|" + rec.LiftCode
	existing, ok := t.archive.records[key]
	if ok && existing.Kg >= rec.Kg {
		return false, nil
	}
	t.archive.records[key] = rec
	return true, nil
}

func (t MeetSyncTxFake) InsertPlacement(ctx context.Context, meetCode string, key ranking.CategoryKey, p ranking.Placement) error {
	t.archive.placements[meetCode+"|"+string(key.Sex)+"|"+key.WeightCatID+"|"+key.AgeCatID+"|"+p.AthleteCF] = p
	return nil
}

func (t MeetSyncTxFake) MarkSynced(ctx context.Context, meetCode string) error {
	t.archive.syncedMeets[meetCode] = true
	return nil
}

func (t MeetSyncTxFake) Commit(ctx context.Context) error {
	t.archive.commits++
	return nil
}

func (t MeetSyncTxFake) Rollback(ctx context.Context) error { return nil }

func newTestStore(t *testing.T) *catalog.FileStore {
	t.Helper()
	fs, err := catalog.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return fs
}

func seedOneLiftMeet(t *testing.T, store catalog.Store, meetCode, cf string, kg, bodyweight float64, weightCat string) string {
	t.Helper()
	if err := store.CreateMeetType(catalog.MeetType{Name: "MT1", Lifts: []catalog.Lift{{Code: "SQ", Order: 1}}}); err != nil {
		t.Fatalf("create meet type: %v", err)
	}
	if err := store.CreateMeet(catalog.Meet{Code: meetCode, MeetType: "MT1"}); err != nil {
		t.Fatalf("create meet: %v", err)
	}
	if err := store.CreateAthlete(catalog.Athlete{CF: cf, Sex: catalog.SexMale}); err != nil {
		t.Fatalf("create athlete: %v", err)
	}
	regID := "reg-" + cf
	if err := store.CreateRegistration(catalog.Registration{ID: regID, MeetCode: meetCode, AthleteCF: cf, Bodyweight: bodyweight, WeightCatID: weightCat}); err != nil {
		t.Fatalf("create registration: %v", err)
	}
	a, err := store.DeclareAttempt(regID, "SQ", 1, kg)
	if err != nil {
		t.Fatalf("declare attempt: %v", err)
	}
	if _, err := store.FinalizeAttempt(a.ID, catalog.StatusValid); err != nil {
		t.Fatalf("finalize attempt: %v", err)
	}
	return regID
}

// TestRecordPromotion reproduces spec.md §8 scenario 5: a new best
// mark for a category promotes the remote record.
func TestRecordPromotion(t *testing.T) {
	store := newTestStore(t)
	seedOneLiftMeet(t, store, "M1", "ATH1", 200, 90, "wc90")

	fake := newFakeArchive()
	fake.records["wc90||SQ"] = catalog.Record{Kg: 180}

	resolver := newResolverWithFake(store, fake)
	res, err := resolver.Sync(context.Background(), "M1", false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.RecordsPromoted != 1 {
		t.Fatalf("records promoted = %d, want 1", res.RecordsPromoted)
	}
	if fake.records["wc90||SQ"].Kg != 200 {
		t.Fatalf("record kg = %v, want 200", fake.records["wc90||SQ"].Kg)
	}
}

// TestIdempotentResync reproduces spec.md §8 scenario 6: re-syncing an
// already-synced meet without --force is a no-op.
func TestIdempotentResync(t *testing.T) {
	store := newTestStore(t)
	seedOneLiftMeet(t, store, "M1", "ATH1", 200, 90, "wc90")

	fake := newFakeArchive()
	resolver := newResolverWithFake(store, fake)

	first, err := resolver.Sync(context.Background(), "M1", false)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if first.AlreadySynced {
		t.Fatal("first sync should not be AlreadySynced")
	}
	if fake.commits != 1 {
		t.Fatalf("commits after first sync = %d, want 1", fake.commits)
	}

	second, err := resolver.Sync(context.Background(), "M1", false)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !second.AlreadySynced {
		t.Fatal("second sync should report AlreadySynced")
	}
	if fake.commits != 1 {
		t.Fatalf("commits after idempotent re-sync = %d, want still 1", fake.commits)
	}
}

// TestForceResyncReappliesEvenWhenAlreadySynced exercises the escape
// hatch: --force bypasses the AlreadySynced short-circuit.
func TestForceResyncReappliesEvenWhenAlreadySynced(t *testing.T) {
	store := newTestStore(t)
	seedOneLiftMeet(t, store, "M1", "ATH1", 200, 90, "wc90")

	fake := newFakeArchive()
	resolver := newResolverWithFake(store, fake)

	if _, err := resolver.Sync(context.Background(), "M1", false); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	second, err := resolver.Sync(context.Background(), "M1", true)
	if err != nil {
		t.Fatalf("forced sync: %v", err)
	}
	if second.AlreadySynced {
		t.Fatal("forced sync should not short-circuit on AlreadySynced")
	}
	if fake.commits != 2 {
		t.Fatalf("commits after forced resync = %d, want 2", fake.commits)
	}
}
