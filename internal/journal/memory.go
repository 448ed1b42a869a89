package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// retainSettlements bounds how many settlement records are kept per engine
// key. Duplicate detection only ever concerns recent rounds.
const retainSettlements = 64

type state struct {
	Rounds      map[string]RoundCheckpoint  `json:"rounds"`
	Settlements map[string]SettlementRecord `json:"settlements"`
	Pending     map[string]PendingCredit    `json:"pending"`
}

func newState() *state {
	return &state{
		Rounds:      make(map[string]RoundCheckpoint),
		Settlements: make(map[string]SettlementRecord),
		Pending:     make(map[string]PendingCredit),
	}
}

// MemoryJournal keeps records in process memory. FileJournal builds on it by
// persisting the state after every change.
type MemoryJournal struct {
	mu      sync.Mutex
	st      *state
	persist func(*state) error
	now     func() time.Time
}

// NewMemoryJournal returns an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{st: newState(), now: time.Now}
}

// mutate applies fn under the lock and persists the result. On a persist
// failure the in-memory state is rolled back so memory never runs ahead of
// the durable copy.
func (j *MemoryJournal) mutate(fn func(st *state) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var backup *state
	if j.persist != nil {
		backup = j.st.clone()
	}
	if err := fn(j.st); err != nil {
		return err
	}
	if j.persist != nil {
		if err := j.persist(j.st); err != nil {
			j.st = backup
			return err
		}
	}
	return nil
}

func (st *state) clone() *state {
	out := newState()
	for k, v := range st.Rounds {
		out.Rounds[k] = v
	}
	for k, v := range st.Settlements {
		out.Settlements[k] = v
	}
	for k, v := range st.Pending {
		out.Pending[k] = v
	}
	return out
}

func (j *MemoryJournal) SaveRound(_ context.Context, cp RoundCheckpoint) error {
	return j.mutate(func(st *state) error {
		if cp.UpdatedAt.IsZero() {
			cp.UpdatedAt = j.now()
		}
		st.Rounds[cp.Key] = cp
		return nil
	})
}

func (j *MemoryJournal) Rounds(_ context.Context) ([]RoundCheckpoint, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]RoundCheckpoint, 0, len(j.st.Rounds))
	for _, cp := range j.st.Rounds {
		out = append(out, cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Key < out[b].Key })
	return out, nil
}

func (j *MemoryJournal) BeginSettlement(_ context.Context, key string, roundID uint64, credits []PendingCredit) error {
	return j.mutate(func(st *state) error {
		sk := settlementKey(key, roundID)
		if _, ok := st.Settlements[sk]; ok {
			return fmt.Errorf("%w: %s", ErrAlreadySettled, sk)
		}
		now := j.now()
		st.Settlements[sk] = SettlementRecord{Key: key, RoundID: roundID, SettledAt: now}
		for _, c := range credits {
			if c.CreatedAt.IsZero() {
				c.CreatedAt = now
			}
			st.Pending[c.Ref] = c
		}
		st.prune(key, roundID)
		return nil
	})
}

func (st *state) prune(key string, latest uint64) {
	if latest <= retainSettlements {
		return
	}
	cutoff := latest - retainSettlements
	for sk, rec := range st.Settlements {
		if rec.Key == key && rec.RoundID <= cutoff {
			delete(st.Settlements, sk)
		}
	}
}

func (j *MemoryJournal) CompleteSettlement(_ context.Context, key string, roundID uint64, report []byte) error {
	return j.mutate(func(st *state) error {
		sk := settlementKey(key, roundID)
		rec, ok := st.Settlements[sk]
		if !ok {
			return fmt.Errorf("journal: no settlement begun for %s", sk)
		}
		rec.Report = append([]byte(nil), report...)
		rec.Completed = true
		st.Settlements[sk] = rec
		return nil
	})
}

func (j *MemoryJournal) Settlement(_ context.Context, key string, roundID uint64) (SettlementRecord, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.st.Settlements[settlementKey(key, roundID)]
	return rec, ok, nil
}

func (j *MemoryJournal) AddPendingCredit(_ context.Context, credit PendingCredit) error {
	return j.mutate(func(st *state) error {
		if credit.CreatedAt.IsZero() {
			credit.CreatedAt = j.now()
		}
		st.Pending[credit.Ref] = credit
		return nil
	})
}

func (j *MemoryJournal) ResolveCredit(_ context.Context, ref string) error {
	return j.mutate(func(st *state) error {
		delete(st.Pending, ref)
		return nil
	})
}

func (j *MemoryJournal) PendingCredits(_ context.Context) ([]PendingCredit, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]PendingCredit, 0, len(j.st.Pending))
	for _, c := range j.st.Pending {
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].Ref < out[b].Ref
	})
	return out, nil
}

func (j *MemoryJournal) Close() error {
	return nil
}
