package engine

import (
	"sort"
	"sync"

	"github.com/jxucoder/microcase/model"
)

// SessionContext is what a requester's latest generation produced so far.
// It is written by the session's background job and read by any number of
// check and evaluate requests.
type SessionContext struct {
	SessionID string
	CacheKey  string

	mu         sync.RWMutex
	expected   int
	done       bool
	microcases map[int]model.CachedMicrocase
	solved     map[int]bool
}

func newSessionContext(sessionID, cacheKey string, expected int) *SessionContext {
	return &SessionContext{
		SessionID:  sessionID,
		CacheKey:   cacheKey,
		expected:   expected,
		microcases: make(map[int]model.CachedMicrocase),
		solved:     make(map[int]bool),
	}
}

// restoredContext rebuilds a finished context from cached microcases.
func restoredContext(cacheKey string, entries []model.CachedMicrocase, solved []int) *SessionContext {
	sc := newSessionContext("", cacheKey, 0)
	for _, m := range entries {
		sc.microcases[m.MicrocaseID] = m
	}
	for _, id := range solved {
		sc.solved[id] = true
	}
	sc.done = true
	return sc
}

func (sc *SessionContext) add(m model.CachedMicrocase) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.microcases[m.MicrocaseID] = m
}

func (sc *SessionContext) finish() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.done = true
}

// Lookup returns the artifacts of a microcase. While generation is still
// running, a comment that may yet be accepted reports ErrMicrocaseNotReady.
func (sc *SessionContext) Lookup(microcaseID int) (model.CachedMicrocase, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	if m, ok := sc.microcases[microcaseID]; ok {
		return m, nil
	}
	if !sc.done && microcaseID >= 0 && microcaseID < sc.expected {
		return model.CachedMicrocase{}, ErrMicrocaseNotReady
	}
	return model.CachedMicrocase{}, ErrUnknownMicrocase
}

func (sc *SessionContext) markSolved(id int) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.solved[id] = true
}

// Solved returns the solved microcases in ID order.
func (sc *SessionContext) Solved() []model.CachedMicrocase {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	out := make([]model.CachedMicrocase, 0, len(sc.solved))
	for id := range sc.solved {
		if m, ok := sc.microcases[id]; ok {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].MicrocaseID < out[b].MicrocaseID })
	return out
}

// entries returns the accepted microcases in ID order.
func (sc *SessionContext) entries() []model.CachedMicrocase {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	out := make([]model.CachedMicrocase, 0, len(sc.microcases))
	for _, m := range sc.microcases {
		out = append(out, m)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].MicrocaseID < out[b].MicrocaseID })
	return out
}
