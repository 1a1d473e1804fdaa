// Package store is the client's reactive object cache: (kind,id) keyed
// entities, batched invalidation, and lazily recomputed query subscriptions
// for UI binding.
package store

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Kind classifies cached entities.
type Kind string

const (
	KindUser     Kind = "user"
	KindChat     Kind = "chat"
	KindDialog   Kind = "dialog"
	KindMessage  Kind = "message"
	KindSpace    Kind = "space"
	KindReaction Kind = "reaction"
	KindCompose  Kind = "compose"
	KindSettings Kind = "settings"
)

// Ref identifies one cached object. Refs are memoized per (kind,id) so the
// same logical entity always yields the same pointer, which keeps
// identity-based UI subscriptions stable.
type Ref struct {
	Kind Kind
	ID   string
}

type refKey struct {
	kind Kind
	id   string
}

// defaultGCDelay is the grace period before an unwatched query is dropped.
const defaultGCDelay = 5 * time.Second

type query struct {
	name    string
	kind    Kind
	compute func(s *Store) any
	cached  any
	valid   bool
	subs    map[int]func()
	gcTimer *time.Timer
}

// Store holds the cache. Reads serialize on mu; every mutation runs inside a
// batch, and batchMu admits one batch owner at a time, so two batches never
// interleave and a batch observes a consistent cache.
type Store struct {
	mu      sync.Mutex
	refs    map[refKey]*Ref
	objects map[*Ref]map[string]any

	objSubs map[*Ref]map[int]func()
	nextSub int

	queries       map[string]*query
	queriesByKind map[Kind]map[string]*query

	// batchMu is held by the outermost batch from open to settle. batchOwner
	// is the holder's goroutine id, letting nested batches on the same
	// goroutine re-enter instead of deadlocking.
	batchMu    sync.Mutex
	batchOwner uint64
	batchDepth int
	dirtyKinds map[Kind]bool
	dirtyRefs  map[*Ref]bool

	lastSeq map[string]int64
	version uint64

	gcDelay time.Duration
}

// New creates an empty store.
func New() *Store {
	return &Store{
		refs:          make(map[refKey]*Ref),
		objects:       make(map[*Ref]map[string]any),
		objSubs:       make(map[*Ref]map[int]func()),
		queries:       make(map[string]*query),
		queriesByKind: make(map[Kind]map[string]*query),
		dirtyKinds:    make(map[Kind]bool),
		dirtyRefs:     make(map[*Ref]bool),
		lastSeq:       make(map[string]int64),
		gcDelay:       defaultGCDelay,
	}
}

// Ref returns the memoized reference for (kind, id).
func (s *Store) Ref(kind Kind, id string) *Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refLocked(kind, id)
}

func (s *Store) refLocked(kind Kind, id string) *Ref {
	key := refKey{kind: kind, id: id}
	if ref, ok := s.refs[key]; ok {
		return ref
	}
	ref := &Ref{Kind: kind, ID: id}
	s.refs[key] = ref
	return ref
}

// Get returns a copy of the object, so callers can't mutate the cache
// outside the store's entry points.
func (s *Store) Get(ref *Ref) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[ref]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	return out, true
}

// Version increments on every settled batch; getSnapshot-style consumers
// compare it to decide whether to re-read.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Insert replaces the object stored under ref.
func (s *Store) Insert(ref *Ref, obj map[string]any) {
	s.Batch(func() {
		s.mu.Lock()
		stored := make(map[string]any, len(obj))
		for k, v := range obj {
			stored[k] = v
		}
		s.objects[ref] = stored
		s.markDirtyLocked(ref)
		s.mu.Unlock()
	})
}

// Update shallow-merges patch into the object. Keys absent from patch keep
// their stored value, so a partial update never clobbers known fields.
// Updating a missing object inserts the patch.
func (s *Store) Update(ref *Ref, patch map[string]any) {
	s.Batch(func() {
		s.mu.Lock()
		obj, ok := s.objects[ref]
		if !ok {
			obj = make(map[string]any, len(patch))
			s.objects[ref] = obj
		}
		for k, v := range patch {
			obj[k] = v
		}
		s.markDirtyLocked(ref)
		s.mu.Unlock()
	})
}

// Delete removes the object. Deleting twice is a no-op.
func (s *Store) Delete(ref *Ref) {
	s.Batch(func() {
		s.mu.Lock()
		if _, ok := s.objects[ref]; !ok {
			s.mu.Unlock()
			return
		}
		delete(s.objects, ref)
		s.markDirtyLocked(ref)
		s.mu.Unlock()
	})
}

// Batch defers all notifications until the outermost batch completes, so a
// multi-update push settles with one notification pass per kind. Batches
// from other goroutines wait for the open batch to settle before their first
// mutation lands.
func (s *Store) Batch(fn func()) {
	gid := goid()

	s.mu.Lock()
	if s.batchDepth > 0 && s.batchOwner == gid {
		s.batchDepth++
		s.mu.Unlock()
	} else {
		s.mu.Unlock()
		s.batchMu.Lock()
		s.mu.Lock()
		s.batchOwner = gid
		s.batchDepth = 1
		s.mu.Unlock()
	}

	fn()

	s.mu.Lock()
	s.batchDepth--
	if s.batchDepth > 0 {
		s.mu.Unlock()
		return
	}
	s.batchOwner = 0
	s.version++
	dirtyRefs := s.dirtyRefs
	dirtyKinds := s.dirtyKinds
	s.dirtyRefs = make(map[*Ref]bool)
	s.dirtyKinds = make(map[Kind]bool)

	var callbacks []func()
	for ref := range dirtyRefs {
		for _, fn := range s.objSubs[ref] {
			callbacks = append(callbacks, fn)
		}
	}
	// Queries invalidate, they don't recompute: the cached result refreshes
	// lazily on the next read.
	for kind := range dirtyKinds {
		for _, q := range s.queriesByKind[kind] {
			q.valid = false
			q.cached = nil
			for _, fn := range q.subs {
				callbacks = append(callbacks, fn)
			}
		}
	}
	s.mu.Unlock()
	s.batchMu.Unlock()

	// Callbacks run outside both locks so they may re-enter the store.
	for _, fn := range callbacks {
		fn()
	}
}

// goid parses the current goroutine id from the stack header ("goroutine N
// [running]"). Only used to make the batch lock re-entrant.
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	idStr, _, _ := strings.Cut(header, " ")
	id, _ := strconv.ParseUint(idStr, 10, 64)
	return id
}

func (s *Store) markDirtyLocked(ref *Ref) {
	s.dirtyRefs[ref] = true
	s.dirtyKinds[ref.Kind] = true
}

// Subscribe registers a change listener for one object. The returned
// function unsubscribes.
func (s *Store) Subscribe(ref *Ref, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	if s.objSubs[ref] == nil {
		s.objSubs[ref] = make(map[int]func())
	}
	s.objSubs[ref][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.objSubs[ref], id)
		if len(s.objSubs[ref]) == 0 {
			delete(s.objSubs, ref)
		}
	}
}

// RegisterQuery defines a named query over one entity kind. Any write to
// that kind invalidates the cached result.
func (s *Store) RegisterQuery(name string, kind Kind, compute func(s *Store) any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := &query{name: name, kind: kind, compute: compute, subs: make(map[int]func())}
	s.queries[name] = q
	if s.queriesByKind[kind] == nil {
		s.queriesByKind[kind] = make(map[string]*query)
	}
	s.queriesByKind[kind][name] = q
}

// Query returns the query's result, recomputing only when a write to its
// kind invalidated the cache since the last read.
func (s *Store) Query(name string) any {
	s.mu.Lock()
	q, ok := s.queries[name]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if q.valid {
		cached := q.cached
		s.mu.Unlock()
		return cached
	}
	compute := q.compute
	s.mu.Unlock()

	// Compute outside the lock; the query's own Get calls re-enter.
	result := compute(s)

	s.mu.Lock()
	q.cached = result
	q.valid = true
	s.mu.Unlock()
	return result
}

// SubscribeQuery watches a query for invalidation. When the last subscriber
// leaves, the query is garbage collected after a debounced grace delay, so
// a quick resubscribe keeps the cached result.
func (s *Store) SubscribeQuery(name string, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queries[name]
	if !ok {
		return func() {}
	}
	if q.gcTimer != nil {
		q.gcTimer.Stop()
		q.gcTimer = nil
	}
	s.nextSub++
	id := s.nextSub
	q.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(q.subs, id)
		if len(q.subs) > 0 {
			return
		}
		if q.gcTimer != nil {
			q.gcTimer.Stop()
		}
		q.gcTimer = time.AfterFunc(s.gcDelay, func() { s.collectQuery(name) })
	}
}

func (s *Store) collectQuery(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queries[name]
	if !ok || len(q.subs) > 0 {
		return
	}
	delete(s.queries, name)
	delete(s.queriesByKind[q.kind], name)
}

// LastSeqByBucket copies the per-bucket seq cursors advanced by applied
// updates, in the form the catch-up RPC expects.
func (s *Store) LastSeqByBucket() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.lastSeq))
	for k, v := range s.lastSeq {
		out[k] = v
	}
	return out
}
