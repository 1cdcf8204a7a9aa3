// Package sync implements C7: the one-way reconciliation of a
// completed local meet into the remote federation archive. Every
// write is idempotent, keyed by logical identity (athlete CF, meet
// code, category name) rather than any local autoincrement id, so a
// retried sync after a half-applied failure never double-applies.
//
// Grounded on the pack's offline-first dedupe server (bwdd86): the
// same "check first, then apply under one atomic unit, commit once"
// shape, adapted from an in-memory batch-id ledger to a remote
// transaction gated on the meet's own synced_at column.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/IvanNece/StreetControl/internal/archive"
	"github.com/IvanNece/StreetControl/internal/catalog"
	"github.com/IvanNece/StreetControl/internal/ranking"
	"github.com/IvanNece/StreetControl/internal/retry"
	"github.com/IvanNece/StreetControl/internal/streeterr"
)

// Result summarizes one Sync call for the CLI/operator to report.
type Result struct {
	MeetCode         string
	AthletesUpserted int
	ResultsInserted  int
	RecordsPromoted  int
	PlacementsWritten int
	AlreadySynced    bool
}

// Resolver drives the sync algorithm against a local catalog.Store and
// a remote archive.Archive.
type Resolver struct {
	local   catalog.Store
	remote  archive.Archive
	ranking *ranking.Engine

	workers     int
	maxRetries  int
	baseBackoff time.Duration
}

// New builds a Resolver. workers bounds how many athlete upserts run
// concurrently (mirrors the teacher's fixed-size worker pool, sized
// from config.Config.SyncWorkerCount); maxRetries/baseBackoff drive
// the bounded-retry policy (internal/retry) wrapping the sync-status
// check, each athlete upsert, the transaction begin, and the commit.
// The writes inside the transaction are not retried.
func New(local catalog.Store, remote archive.Archive, rankingEngine *ranking.Engine, workers, maxRetries int, baseBackoff time.Duration) *Resolver {
	if workers < 1 {
		workers = 1
	}
	return &Resolver{
		local:       local,
		remote:      remote,
		ranking:     rankingEngine,
		workers:     workers,
		maxRetries:  maxRetries,
		baseBackoff: baseBackoff,
	}
}

// Sync reconciles meetCode into the remote archive. Unless force is
// set, a meet the remote already marked synced returns immediately
// with Result.AlreadySynced and changes nothing (spec's idempotent
// re-sync guarantee).
func (r *Resolver) Sync(ctx context.Context, meetCode string, force bool) (Result, error) {
	meet, err := r.local.GetMeet(meetCode)
	if err != nil {
		return Result{}, err
	}
	meetType, err := r.local.GetMeetType(meet.MeetType)
	if err != nil {
		return Result{}, err
	}

	if !force {
		var already bool
		err := retry.Do(ctx, r.maxRetries, r.baseBackoff, func() error {
			var err error
			already, err = r.remote.AlreadySynced(ctx, meetCode)
			return err
		})
		if err != nil {
			return Result{}, err
		}
		if already {
			return Result{MeetCode: meetCode, AlreadySynced: true}, nil
		}
	}

	regs, err := r.local.RegistrationsForMeet(meetCode)
	if err != nil {
		return Result{}, err
	}

	athletes, upserted, err := r.upsertAthletes(ctx, regs)
	if err != nil {
		return Result{}, err
	}
	res := Result{MeetCode: meetCode, AthletesUpserted: upserted}

	var tx archive.MeetSyncTx
	err = retry.Do(ctx, r.maxRetries, r.baseBackoff, func() error {
		var err error
		tx, err = r.remote.BeginMeetSync(ctx, meetCode)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback(ctx)
		}
	}()

	if err := tx.InsertMeet(ctx, meet); err != nil {
		return Result{}, err
	}

	for _, reg := range regs {
		ath := athletes[reg.AthleteCF]
		for _, lift := range meetType.Lifts {
			best, err := r.ranking.Best(meetCode, reg.ID, lift.Code)
			if err != nil {
				return Result{}, err
			}
			if best == 0 {
				continue
			}
			if err := tx.InsertResult(ctx, meetCode, ath.CF, lift.Code, best); err != nil {
				return Result{}, err
			}
			res.ResultsInserted++

			promoted, err := tx.PromoteRecordIfBetter(ctx, catalog.Record{
				WeightCatID: reg.WeightCatID,
				AgeCatID:    reg.AgeCatID,
				LiftCode:    lift.Code,
				Kg:          best,
				Bodyweight:  reg.Bodyweight,
				AthleteCF:   ath.CF,
				MeetCode:    meetCode,
				Date:        meet.Date,
			})
			if err != nil {
				return Result{}, err
			}
			if promoted {
				res.RecordsPromoted++
			}
		}
	}

	categoryRankings, err := r.ranking.CategoryRankings(meetCode, meetType)
	if err != nil {
		return Result{}, err
	}
	for key, placements := range categoryRankings {
		for _, p := range placements {
			if err := tx.InsertPlacement(ctx, meetCode, key, p); err != nil {
				return Result{}, err
			}
			res.PlacementsWritten++
		}
	}

	if err := tx.MarkSynced(ctx, meetCode); err != nil {
		return Result{}, err
	}
	if err := retry.Do(ctx, r.maxRetries, r.baseBackoff, func() error { return tx.Commit(ctx) }); err != nil {
		return Result{}, streeterr.Wrap(streeterr.Transient, err, "commit sync")
	}
	committed = true
	return res, nil
}

// upsertAthletes resolves and pushes every registered athlete to the
// remote archive, r.workers at a time. Individual upserts are
// independent rows keyed by CF, so they are safe to run concurrently;
// the teacher's cmd/server/main.go spawns its delivery workers the
// same way, with a fixed-size pool rather than one goroutine per item.
func (r *Resolver) upsertAthletes(ctx context.Context, regs []catalog.Registration) (map[string]catalog.Athlete, int, error) {
	athletes := make(map[string]catalog.Athlete, len(regs))
	resolved := make([]catalog.Athlete, 0, len(regs))
	for _, reg := range regs {
		ath, err := r.local.ResolveAthleteByCF(reg.AthleteCF)
		if err != nil {
			return nil, 0, err
		}
		athletes[reg.AthleteCF] = ath
		resolved = append(resolved, ath)
	}

	sem := make(chan struct{}, r.workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	var upserted int

	for _, ath := range resolved {
		ath := ath
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			err := retry.Do(ctx, r.maxRetries, r.baseBackoff, func() error {
				return r.remote.UpsertAthlete(ctx, ath)
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			upserted++
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, 0, firstErr
	}
	return athletes, upserted, nil
}
