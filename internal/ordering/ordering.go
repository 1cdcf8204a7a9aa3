// Package ordering implements C3, the queue of who lifts next in a
// given (group, lift, round). The algorithm is pure application code
// over a narrow batched lookup (spec §9) so it is testable without a
// database and recomputed fresh on every query — it never depends on
// previous attempt outcomes beyond what the store already reflects.
package ordering

import (
	"sort"

	"github.com/IvanNece/StreetControl/internal/catalog"
	"github.com/IvanNece/StreetControl/internal/streeterr"
)

// Entry is one athlete still to attempt in the queue, in call order.
type Entry struct {
	RegID      string
	DeclaredKg float64
}

// Engine computes C3's queue against a catalog.Store.
type Engine struct {
	store catalog.Store
}

func New(store catalog.Store) *Engine {
	return &Engine{store: store}
}

type candidate struct {
	regID      string
	declaredKg float64
	bodyweight float64
	startOrd   int
}

// Queue returns the ordered list of registrations still to attempt in
// (groupID, liftCode, round), per the sort rule of spec §4.3:
// declared weight ASC, bodyweight DESC, start_ord ASC.
func (e *Engine) Queue(groupID, liftCode string, round int) ([]Entry, error) {
	entries, err := e.store.GroupEntriesFor(groupID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	weights, err := e.store.BatchDeclaredWeights(groupID, liftCode, round)
	if err != nil {
		return nil, err
	}

	candidates := make([]candidate, 0, len(entries))
	for _, entry := range entries {
		rw, ok := weights[entry.RegID]
		if !ok || rw.Deferred || !rw.Available {
			continue
		}
		reg, err := e.store.GetRegistration(entry.RegID)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate{
			regID:      entry.RegID,
			declaredKg: rw.WeightKg,
			bodyweight: reg.Bodyweight,
			startOrd:   entry.StartOrd,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.declaredKg != b.declaredKg {
			return a.declaredKg < b.declaredKg
		}
		if a.bodyweight != b.bodyweight {
			return a.bodyweight > b.bodyweight
		}
		return a.startOrd < b.startOrd
	})

	out := make([]Entry, len(candidates))
	for i, c := range candidates {
		out[i] = Entry{RegID: c.regID, DeclaredKg: c.declaredKg}
	}
	return out, nil
}

// OnDeck returns the first entry of Queue, or NotReady if the queue is
// empty (every entry deferred, finalized, or the group has no
// entries).
func (e *Engine) OnDeck(groupID, liftCode string, round int) (Entry, error) {
	q, err := e.Queue(groupID, liftCode, round)
	if err != nil {
		return Entry{}, err
	}
	if len(q) == 0 {
		return Entry{}, streeterr.New(streeterr.NotReady, "queue is empty for this group/lift/round")
	}
	return q[0], nil
}
