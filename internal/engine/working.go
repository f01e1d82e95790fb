package engine

import (
	"sync"
	"time"

	"github.com/candlekeep/mnemo/internal/store"
)

const (
	workingMemoryTTL  = 30 * time.Minute
	defaultMaxTurns   = 10 // user+assistant pairs kept per session
	workingSweepEvery = 5 * time.Minute
)

// WorkingMemory holds per-session short-term state: recent conversation
// turns, the active task, and attention weights over memory IDs. Sessions
// expire after 30 minutes without activity. Everything here is in-process
// and lost on restart.
type WorkingMemory struct {
	mu        sync.Mutex
	sessions  map[string]*sessionState
	lastSweep time.Time
	now       func() time.Time // swapped in tests
}

type sessionState struct {
	turns      []store.Message
	activeTask string
	attention  map[string]float64
	touched    time.Time
}

// NewWorkingMemory creates an empty working memory.
func NewWorkingMemory() *WorkingMemory {
	return &WorkingMemory{
		sessions: map[string]*sessionState{},
		now:      time.Now,
	}
}

// session is the write path: it creates the session if absent and counts as
// activity for the TTL.
func (w *WorkingMemory) session(id string) *sessionState {
	s, ok := w.sessions[id]
	if ok && w.now().Sub(s.touched) > workingMemoryTTL {
		delete(w.sessions, id)
		ok = false
	}
	if !ok {
		s = &sessionState{attention: map[string]float64{}}
		w.sessions[id] = s
	}
	s.touched = w.now()
	w.sweepLocked()
	return s
}

// peek is the read path: it never creates or revives a session. Expired or
// unknown sessions return nil and callers yield zero values.
func (w *WorkingMemory) peek(id string) *sessionState {
	s, ok := w.sessions[id]
	if !ok {
		return nil
	}
	if w.now().Sub(s.touched) > workingMemoryTTL {
		delete(w.sessions, id)
		return nil
	}
	return s
}

func (w *WorkingMemory) sweepLocked() {
	now := w.now()
	if now.Sub(w.lastSweep) < workingSweepEvery {
		return
	}
	w.lastSweep = now
	for id, s := range w.sessions {
		if now.Sub(s.touched) > workingMemoryTTL {
			delete(w.sessions, id)
		}
	}
}

// UpdateConversation appends messages to a session, keeping only the most
// recent maxTurns user+assistant pairs. maxTurns <= 0 uses the default cap.
func (w *WorkingMemory) UpdateConversation(sessionID string, turns []store.Message, maxTurns int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	keep := maxTurns * 2

	s := w.session(sessionID)
	s.turns = append(s.turns, turns...)
	if len(s.turns) > keep {
		s.turns = append([]store.Message{}, s.turns[len(s.turns)-keep:]...)
	}
}

// Recent returns up to nTurns*2 most recent messages (a turn is a
// user+assistant pair), oldest first. Expired sessions yield nothing.
func (w *WorkingMemory) Recent(sessionID string, nTurns int) []store.Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.peek(sessionID)
	if s == nil {
		return nil
	}
	turns := s.turns
	if limit := nTurns * 2; nTurns > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]store.Message, len(turns))
	copy(out, turns)
	return out
}

// SetActiveTask records what the session is currently working on.
func (w *WorkingMemory) SetActiveTask(sessionID, task string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.session(sessionID).activeTask = task
}

// ActiveTask returns the session's current task, or "".
func (w *WorkingMemory) ActiveTask(sessionID string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.peek(sessionID)
	if s == nil {
		return ""
	}
	return s.activeTask
}

// SetAttentionWeights replaces the session's attention weights: which
// memory IDs the most recent retrieval considered relevant, and how much.
func (w *WorkingMemory) SetAttentionWeights(sessionID string, weights map[string]float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.session(sessionID)
	s.attention = map[string]float64{}
	for k, v := range weights {
		s.attention[k] = v
	}
}

// AttentionWeights returns a copy of the session's attention weights.
func (w *WorkingMemory) AttentionWeights(sessionID string) map[string]float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := map[string]float64{}
	s := w.peek(sessionID)
	if s == nil {
		return out
	}
	for k, v := range s.attention {
		out[k] = v
	}
	return out
}

// ClearSession drops all working state for a session.
func (w *WorkingMemory) ClearSession(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.sessions, sessionID)
}

// ActiveSessions returns the number of unexpired sessions.
func (w *WorkingMemory) ActiveSessions() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, s := range w.sessions {
		if w.now().Sub(s.touched) <= workingMemoryTTL {
			n++
		}
	}
	return n
}
