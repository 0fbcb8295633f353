// Package rule implements the replication-rule engine: rule creation,
// RSE selection, lock materialization, and incremental re-evaluation.
package rule

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/types"
)

// candidate is one RSE still eligible for placement, with its selection
// weight and the account's remaining quota there.
type candidate struct {
	rse       types.RSE
	weight    float64
	quotaLeft int64
}

// Selector picks target RSEs for a rule's replicas. Construction resolves
// weights and quota once; each Select call then draws without replacement
// and debits the in-memory quota, so one selector instance serves all
// placement decisions of a single rule application.
type Selector struct {
	copies     int
	candidates []*candidate
	rng        *rand.Rand
}

// NewSelector filters the resolved RSEs down to the usable candidates.
//
// With a weight attribute set on the rule, RSEs lacking the attribute are
// silently skipped and a non-numeric value is an InvalidRuleWeight error.
// Candidates with no quota headroom are dropped afterwards, so the error
// distinguishes "not enough sites" from "not enough quota": fewer matches
// than copies before the quota filter is InsufficientTargetRSEs, fewer
// after is InsufficientAccountLimit.
//
// rng may be nil; tests pass a seeded source to pin selection order.
func NewSelector(ctx context.Context, store storage.Storage, account string, rses []types.RSE, weight string, copies int, rng *rand.Rand) (*Selector, error) {
	if copies < 1 {
		return nil, fmt.Errorf("%w: a rule must request at least one copy", types.ErrInvalidReplicationRule)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	var weighted []*candidate
	for _, r := range rses {
		w := 1.0
		if weight != "" {
			attrs, err := store.ListRSEAttributes(ctx, r.ID)
			if err != nil {
				return nil, err
			}
			raw, ok := attrs[weight]
			if !ok {
				continue
			}
			w, err = strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: attribute %q of rse %s is not a number", types.ErrInvalidRuleWeight, weight, r.Name)
			}
		}
		weighted = append(weighted, &candidate{rse: r, weight: w})
	}
	if len(weighted) < copies {
		return nil, fmt.Errorf("%w: %d rse(s) carry the weight attribute, %d copies requested", types.ErrInsufficientTargetRSEs, len(weighted), copies)
	}

	var usable []*candidate
	for _, c := range weighted {
		limit, err := store.GetAccountLimit(ctx, account, c.rse.ID)
		if err != nil {
			return nil, err
		}
		usage, err := store.GetAccountUsage(ctx, account, c.rse.ID)
		if err != nil {
			return nil, err
		}
		c.quotaLeft = limit - usage
		if c.quotaLeft > 0 {
			usable = append(usable, c)
		}
	}
	if len(usable) < copies {
		return nil, fmt.Errorf("%w: account %s has quota left on %d rse(s), %d copies requested", types.ErrInsufficientAccountLimit, account, len(usable), copies)
	}

	return &Selector{copies: copies, candidates: usable, rng: rng}, nil
}

// Select picks RSE ids for one placement of the given size. Preferred ids
// are taken first when still eligible; the rest are drawn by weighted
// random without replacement. Selected candidates have their quota debited
// so later calls within the same rule application see the updated headroom.
func (s *Selector) Select(size int64, preferred []string, blacklist []string) ([]string, error) {
	blocked := make(map[string]bool, len(blacklist))
	for _, id := range blacklist {
		blocked[id] = true
	}

	// Strictly more headroom than the placement needs; a candidate whose
	// quota the placement would exhaust exactly is not eligible.
	var pool []*candidate
	for _, c := range s.candidates {
		if !blocked[c.rse.ID] && c.quotaLeft > size {
			pool = append(pool, c)
		}
	}
	if len(pool) < s.copies {
		return nil, fmt.Errorf("%w: only %d eligible rse(s) for %d copies", types.ErrInsufficientTargetRSEs, len(pool), s.copies)
	}

	var chosen []*candidate
	remaining := make([]*candidate, 0, len(pool))
	wanted := make(map[string]bool, len(preferred))
	for _, id := range preferred {
		wanted[id] = true
	}
	for _, c := range pool {
		if wanted[c.rse.ID] && len(chosen) < s.copies {
			chosen = append(chosen, c)
		} else {
			remaining = append(remaining, c)
		}
	}

	drawn, err := s.draw(remaining, s.copies-len(chosen))
	if err != nil {
		return nil, err
	}
	chosen = append(chosen, drawn...)

	ids := make([]string, 0, len(chosen))
	for _, c := range chosen {
		c.quotaLeft -= size
		ids = append(ids, c.rse.ID)
	}
	return ids, nil
}

// draw picks n candidates by weighted random without replacement: shuffle,
// then repeatedly draw a point uniform in (0, total weight] and walk the
// running sum.
func (s *Selector) draw(pool []*candidate, n int) ([]*candidate, error) {
	if n <= 0 {
		return nil, nil
	}
	if len(pool) < n {
		return nil, fmt.Errorf("%w: %d candidate rse(s) for %d more copies", types.ErrInsufficientAccountLimit, len(pool), n)
	}

	pool = append([]*candidate(nil), pool...)
	s.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	var out []*candidate
	for len(out) < n {
		var total float64
		for _, c := range pool {
			total += c.weight
		}
		point := s.rng.Float64() * total
		var sum float64
		pick := len(pool) - 1
		for i, c := range pool {
			sum += c.weight
			if point <= sum {
				pick = i
				break
			}
		}
		out = append(out, pool[pick])
		pool = append(pool[:pick], pool[pick+1:]...)
	}
	return out, nil
}
