// Package ranking implements C5: best-valid-attempt aggregation,
// category placement, and the bodyweight-normalized absolute score
// (RIS).
package ranking

import (
	"math"
	"sort"

	"github.com/IvanNece/StreetControl/internal/catalog"
)

// risConstants are the sex-specific Wilks-style curve parameters from
// spec §4.5.
type risConstants struct {
	A, K, B, V, Q float64
}

var (
	risMale   = risConstants{A: 338, K: 549, B: 0.11354, V: 74.777, Q: 0.53096}
	risFemale = risConstants{A: 164, K: 270, B: 0.13776, V: 57.855, Q: 0.37089}
)

// RIS computes the bodyweight-normalized absolute score for a given
// total and bodyweight. It is 0 whenever total or bodyweight is 0,
// otherwise rounded to two decimals.
func RIS(total, bodyweight float64, sex catalog.Sex) float64 {
	if total == 0 || bodyweight == 0 {
		return 0
	}
	c := risMale
	if sex == catalog.SexFemale {
		c = risFemale
	}
	d := c.A + (c.K-c.A)/(1+c.Q*math.Exp(-c.B*(bodyweight-c.V)))
	ris := total * 100 / d
	return math.Round(ris*100) / 100
}

// Engine computes rankings for a meet against a catalog.Store.
type Engine struct {
	store catalog.Store
}

func New(store catalog.Store) *Engine {
	return &Engine{store: store}
}

// Best returns the heaviest VALID attempt's weight for (regID, lift),
// 0 if the athlete has no valid attempt.
func (e *Engine) Best(meetCode, regID, liftCode string) (float64, error) {
	attempts, err := e.store.AttemptsFor(regID, liftCode)
	if err != nil {
		return 0, err
	}
	var best float64
	for _, a := range attempts {
		if a.Status == catalog.StatusValid && a.WeightKg > best {
			best = a.WeightKg
		}
	}
	return best, nil
}

// Total sums Best across every lift in the meet-type.
func (e *Engine) Total(meetCode, regID string, meetType catalog.MeetType) (float64, error) {
	var total float64
	for _, lift := range meetType.Lifts {
		best, err := e.Best(meetCode, regID, lift.Code)
		if err != nil {
			return 0, err
		}
		total += best
	}
	return total, nil
}

// CategoryKey identifies the placement bucket for a registration:
// (sex, weight_cat_id, age_cat_id), defaulting to OPEN where either
// category id is absent.
type CategoryKey struct {
	Sex         catalog.Sex
	WeightCatID string
	AgeCatID    string
}

const openCategory = "OPEN"

func categoryKeyFor(sex catalog.Sex, weightCatID, ageCatID string) CategoryKey {
	k := CategoryKey{Sex: sex, WeightCatID: weightCatID, AgeCatID: ageCatID}
	if k.WeightCatID == "" {
		k.WeightCatID = openCategory
	}
	if k.AgeCatID == "" {
		k.AgeCatID = openCategory
	}
	return k
}

// Placement is one athlete's computed standing in a category.
type Placement struct {
	RegID      string
	AthleteCF  string
	Total      float64
	Bodyweight float64
	RIS        float64
	Place      int // 1-based within its category; 0 in the absolute-only list
}

// CategoryRankings groups placements by CategoryKey, each internally
// sorted and placed per spec §4.5: total DESC, bodyweight ASC,
// start_ord ASC.
func (e *Engine) CategoryRankings(meetCode string, meetType catalog.MeetType) (map[CategoryKey][]Placement, error) {
	regs, err := e.store.RegistrationsForMeet(meetCode)
	if err != nil {
		return nil, err
	}

	type scored struct {
		reg      catalog.Registration
		athlete  catalog.Athlete
		total    float64
		startOrd int
	}

	byCategory := map[CategoryKey][]scored{}
	for _, reg := range regs {
		total, err := e.Total(meetCode, reg.ID, meetType)
		if err != nil {
			return nil, err
		}
		athlete, err := e.store.ResolveAthleteByCF(reg.AthleteCF)
		if err != nil {
			return nil, err
		}
		startOrd, err := e.store.StartOrdFor(reg.ID)
		if err != nil {
			return nil, err
		}
		key := categoryKeyFor(athlete.Sex, reg.WeightCatID, reg.AgeCatID)
		byCategory[key] = append(byCategory[key], scored{reg: reg, athlete: athlete, total: total, startOrd: startOrd})
	}

	out := make(map[CategoryKey][]Placement, len(byCategory))
	for key, entries := range byCategory {
		sort.SliceStable(entries, func(i, j int) bool {
			a, b := entries[i], entries[j]
			if a.total != b.total {
				return a.total > b.total
			}
			if a.reg.Bodyweight != b.reg.Bodyweight {
				return a.reg.Bodyweight < b.reg.Bodyweight
			}
			return a.startOrd < b.startOrd
		})

		placements := make([]Placement, len(entries))
		for i, s := range entries {
			placements[i] = Placement{
				RegID:      s.reg.ID,
				AthleteCF:  s.athlete.CF,
				Total:      s.total,
				Bodyweight: s.reg.Bodyweight,
				RIS:        RIS(s.total, s.reg.Bodyweight, s.athlete.Sex),
				Place:      i + 1,
			}
		}
		out[key] = placements
	}
	return out, nil
}

// AbsoluteRankings returns every athlete in the meet sorted descending
// by RIS, regardless of category membership. Athletes with no
// assigned category appear here and, in CategoryRankings, under the
// OPEN category key.
func (e *Engine) AbsoluteRankings(meetCode string, meetType catalog.MeetType) ([]Placement, error) {
	regs, err := e.store.RegistrationsForMeet(meetCode)
	if err != nil {
		return nil, err
	}

	placements := make([]Placement, 0, len(regs))
	for _, reg := range regs {
		total, err := e.Total(meetCode, reg.ID, meetType)
		if err != nil {
			return nil, err
		}
		athlete, err := e.store.ResolveAthleteByCF(reg.AthleteCF)
		if err != nil {
			return nil, err
		}
		placements = append(placements, Placement{
			RegID:      reg.ID,
			AthleteCF:  athlete.CF,
			Total:      total,
			Bodyweight: reg.Bodyweight,
			RIS:        RIS(total, reg.Bodyweight, athlete.Sex),
		})
	}

	sort.SliceStable(placements, func(i, j int) bool { return placements[i].RIS > placements[j].RIS })
	return placements, nil
}
