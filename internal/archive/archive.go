// Package archive implements the remote federation database side of
// C7: the durable store every local meet eventually reconciles into.
// It is the only package that issues SQL (cmd/streetcontrol only
// builds the pgxpool it is handed), grounded on the pack's
// Postgres-backed examples (pgx/v5 + pgxpool), since the local
// side (package catalog) deliberately stays off a database/sql
// driver (see its package doc).
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/IvanNece/StreetControl/internal/catalog"
	"github.com/IvanNece/StreetControl/internal/ranking"
	"github.com/IvanNece/StreetControl/internal/streeterr"
)

// Archive is C7's remote persistence port.
type Archive interface {
	AlreadySynced(ctx context.Context, meetCode string) (bool, error)
	UpsertAthlete(ctx context.Context, a catalog.Athlete) error
	BeginMeetSync(ctx context.Context, meetCode string) (MeetSyncTx, error)
}

// MeetSyncTx is one all-or-nothing remote write for a single meet.
type MeetSyncTx interface {
	InsertMeet(ctx context.Context, m catalog.Meet) error
	InsertResult(ctx context.Context, meetCode, athleteCF, liftCode string, weightKg float64) error
	PromoteRecordIfBetter(ctx context.Context, rec catalog.Record) (bool, error)
	InsertPlacement(ctx context.Context, meetCode string, key ranking.CategoryKey, p ranking.Placement) error
	MarkSynced(ctx context.Context, meetCode string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// PgxArchive is the production Archive, backed by the federation
// Postgres instance. Every write is keyed by logical identity (CF,
// meet_code, category name) rather than a local autoincrement id, so
// a resync after a partial failure only ever overwrites itself.
type PgxArchive struct {
	pool *pgxpool.Pool
}

func NewPgxArchive(pool *pgxpool.Pool) *PgxArchive {
	return &PgxArchive{pool: pool}
}

func (a *PgxArchive) AlreadySynced(ctx context.Context, meetCode string) (bool, error) {
	var syncedAt *time.Time
	err := a.pool.QueryRow(ctx, `SELECT synced_at FROM meets WHERE code = $1`, meetCode).Scan(&syncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, streeterr.Wrap(streeterr.Transient, err, "check meet sync status")
	}
	return syncedAt != nil, nil
}

func (a *PgxArchive) UpsertAthlete(ctx context.Context, ath catalog.Athlete) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO athletes (cf, given_name, family_name, sex, date_of_birth)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (cf) DO UPDATE SET
			given_name = EXCLUDED.given_name,
			family_name = EXCLUDED.family_name,
			sex = EXCLUDED.sex,
			date_of_birth = EXCLUDED.date_of_birth
	`, ath.CF, ath.GivenName, ath.FamilyName, ath.Sex, ath.DateOfBirth)
	if err != nil {
		return streeterr.Wrap(streeterr.Transient, err, "upsert athlete")
	}
	return nil
}

func (a *PgxArchive) BeginMeetSync(ctx context.Context, meetCode string) (MeetSyncTx, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return nil, streeterr.Wrap(streeterr.Transient, err, "begin meet sync transaction")
	}
	return &pgxMeetSyncTx{tx: tx}, nil
}

type pgxMeetSyncTx struct {
	tx pgx.Tx
}

func (t *pgxMeetSyncTx) InsertMeet(ctx context.Context, m catalog.Meet) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO meets (code, name, date, level, regulation, meet_type)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name, date = EXCLUDED.date,
			level = EXCLUDED.level, regulation = EXCLUDED.regulation,
			meet_type = EXCLUDED.meet_type
	`, m.Code, m.Name, m.Date, m.Level, m.Regulation, m.MeetType)
	if err != nil {
		return streeterr.Wrap(streeterr.Transient, err, "insert meet")
	}
	return nil
}

func (t *pgxMeetSyncTx) InsertResult(ctx context.Context, meetCode, athleteCF, liftCode string, weightKg float64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO results (meet_code, athlete_cf, lift_code, weight_kg)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (meet_code, athlete_cf, lift_code) DO UPDATE SET weight_kg = EXCLUDED.weight_kg
	`, meetCode, athleteCF, liftCode, weightKg)
	if err != nil {
		return streeterr.Wrap(streeterr.Transient, err, "insert result")
	}
	return nil
}

// PromoteRecordIfBetter upserts the (weight_cat, age_cat, lift) record
// only when rec.Kg beats the existing mark, returning whether a
// promotion happened.
func (t *pgxMeetSyncTx) PromoteRecordIfBetter(ctx context.Context, rec catalog.Record) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO records (weight_cat_id, age_cat_id, lift_code, kg, bodyweight, athlete_cf, meet_code, date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (weight_cat_id, age_cat_id, lift_code) DO UPDATE SET
			kg = EXCLUDED.kg, bodyweight = EXCLUDED.bodyweight,
			athlete_cf = EXCLUDED.athlete_cf, meet_code = EXCLUDED.meet_code, date = EXCLUDED.date
		WHERE records.kg < EXCLUDED.kg
	`, rec.WeightCatID, rec.AgeCatID, rec.LiftCode, rec.Kg, rec.Bodyweight, rec.AthleteCF, rec.MeetCode, rec.Date)
	if err != nil {
		return false, streeterr.Wrap(streeterr.Transient, err, "promote record")
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgxMeetSyncTx) InsertPlacement(ctx context.Context, meetCode string, key ranking.CategoryKey, p ranking.Placement) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO placements (meet_code, sex, weight_cat_id, age_cat_id, athlete_cf, place, total_kg, bodyweight, ris)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (meet_code, sex, weight_cat_id, age_cat_id, athlete_cf) DO UPDATE SET
			place = EXCLUDED.place, total_kg = EXCLUDED.total_kg,
			bodyweight = EXCLUDED.bodyweight, ris = EXCLUDED.ris
	`, meetCode, key.Sex, key.WeightCatID, key.AgeCatID, p.AthleteCF, p.Place, p.Total, p.Bodyweight, p.RIS)
	if err != nil {
		return streeterr.Wrap(streeterr.Transient, err, "insert placement")
	}
	return nil
}

func (t *pgxMeetSyncTx) MarkSynced(ctx context.Context, meetCode string) error {
	_, err := t.tx.Exec(ctx, `UPDATE meets SET synced_at = now() WHERE code = $1`, meetCode)
	if err != nil {
		return streeterr.Wrap(streeterr.Transient, err, "mark meet synced")
	}
	return nil
}

func (t *pgxMeetSyncTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return streeterr.Wrap(streeterr.Transient, err, "commit meet sync")
	}
	return nil
}

func (t *pgxMeetSyncTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
