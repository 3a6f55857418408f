package assembler

import (
	"container/list"
	"sync"
)

// seenSet holds the ids served to one scroll session. Its mutex is held
// across filter+record so concurrent pages of one session cannot overlap.
type seenSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (s *seenSet) has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// SeenRegistry is a size-bounded session -> seenSet map. The least recently
// used session is evicted first; sessions are request-time state and are
// never persisted.
type SeenRegistry struct {
	mu  sync.Mutex
	cap int
	ll  *list.List
	m   map[string]*list.Element
}

type seenNode struct {
	session string
	set     *seenSet
}

func NewSeenRegistry(capacity int) *SeenRegistry {
	if capacity <= 0 {
		capacity = 10000
	}
	return &SeenRegistry{cap: capacity, ll: list.New(), m: make(map[string]*list.Element)}
}

func (r *SeenRegistry) get(session string) *seenSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.m[session]; ok {
		r.ll.MoveToFront(e)
		return e.Value.(*seenNode).set
	}
	set := &seenSet{ids: make(map[string]struct{})}
	r.m[session] = r.ll.PushFront(&seenNode{session: session, set: set})
	if r.ll.Len() > r.cap {
		if tail := r.ll.Back(); tail != nil {
			r.ll.Remove(tail)
			delete(r.m, tail.Value.(*seenNode).session)
		}
	}
	return set
}

// Clear empties a session's set in place (fresh scroll).
func (r *SeenRegistry) Clear(session string) {
	set := r.get(session)
	set.mu.Lock()
	set.ids = make(map[string]struct{})
	set.mu.Unlock()
}

// Drop discards the session entirely.
func (r *SeenRegistry) Drop(session string) {
	r.mu.Lock()
	if e, ok := r.m[session]; ok {
		r.ll.Remove(e)
		delete(r.m, session)
	}
	r.mu.Unlock()
}

// Seen returns how many ids the session has been served.
func (r *SeenRegistry) Seen(session string) int {
	r.mu.Lock()
	e, ok := r.m[session]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	set := e.Value.(*seenNode).set
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.ids)
}

func (r *SeenRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ll.Len()
}
