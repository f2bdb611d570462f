// Package skiplist implements a concurrent ordered index with lock-free
// reads and fine-grained locking on writes. The data management client uses
// it for the trait-sink catalog, where
// lookups from message handlers must not contend with registration from the
// application.
package skiplist

import (
	"cmp"
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
)

const maxLevel = 11

// UpdateCheck computes the new value for a key during Upsert. exists reports
// whether the key is already present; curr is its current value if so.
type UpdateCheck[K cmp.Ordered, V any] func(key K, curr V, exists bool) (next V, err error)

// Index is the interface satisfied by SkipList. Consumers declare it locally
// so they can substitute simpler indexes in tests.
type Index[K cmp.Ordered, V any] interface {
	Find(key K) (value V, found bool)
	Upsert(key K, check UpdateCheck[K, V]) (updated bool, err error)
	Remove(key K) (removed V, ok bool)
	Query(ctx context.Context, start, end K, all bool) ([]V, error)
}

type node[K cmp.Ordered, V any] struct {
	mu          sync.Mutex
	key         K
	value       atomic.Pointer[V]
	topLevel    int
	marked      atomic.Bool
	fullyLinked atomic.Bool
	next        []atomic.Pointer[node[K, V]]
}

// SkipList is an ordered map from K to V. The zero value is not usable; call
// New.
type SkipList[K cmp.Ordered, V any] struct {
	head  *node[K, V]
	tail  *node[K, V]
	count atomic.Int64
	rng   *rand.Rand
	rngMu sync.Mutex
}

// New returns an empty skiplist.
func New[K cmp.Ordered, V any]() *SkipList[K, V] {
	head := &node[K, V]{next: make([]atomic.Pointer[node[K, V]], maxLevel), topLevel: maxLevel}
	tail := &node[K, V]{next: make([]atomic.Pointer[node[K, V]], maxLevel), topLevel: maxLevel}
	for i := range head.next {
		head.next[i].Store(tail)
	}
	return &SkipList[K, V]{
		head: head,
		tail: tail,
		rng:  rand.New(rand.NewSource(rand.Int63())),
	}
}

func (s *SkipList[K, V]) randomLevel() int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	level := 0
	for s.rng.Float64() < 0.5 && level < maxLevel-1 {
		level++
	}
	return level
}

// find locates key, filling in the predecessor and successor at every level.
// The returned level is the highest one where the key was found, or -1.
func (s *SkipList[K, V]) find(key K) (int, []*node[K, V], []*node[K, V]) {
	preds := make([]*node[K, V], maxLevel)
	succs := make([]*node[K, V], maxLevel)
	foundLevel := -1
	pred := s.head
	for level := maxLevel - 1; level >= 0; level-- {
		curr := pred.next[level].Load()
		for curr != s.tail && key > curr.key {
			pred = curr
			curr = pred.next[level].Load()
		}
		if foundLevel == -1 && curr != s.tail && key == curr.key {
			foundLevel = level
		}
		preds[level] = pred
		succs[level] = curr
	}
	return foundLevel, preds, succs
}

// Find returns the value stored under key. found is false if the key is
// absent or the node is mid-insertion or mid-removal.
func (s *SkipList[K, V]) Find(key K) (V, bool) {
	levelFound, _, succs := s.find(key)
	if levelFound == -1 {
		var zero V
		return zero, false
	}
	n := succs[levelFound]
	return *n.value.Load(), n.fullyLinked.Load() && !n.marked.Load()
}

// Len returns the number of entries.
func (s *SkipList[K, V]) Len() int {
	return int(s.count.Load())
}

// Upsert inserts or updates the value under key. check receives the current
// value (or the zero value with exists=false) and returns the replacement;
// an error from check aborts the operation without modifying the list.
// updated reports whether an existing entry was replaced rather than a new
// one inserted.
func (s *SkipList[K, V]) Upsert(key K, check UpdateCheck[K, V]) (bool, error) {
	for {
		levelFound, preds, succs := s.find(key)

		if levelFound != -1 {
			found := succs[levelFound]
			found.mu.Lock()
			if found.marked.Load() || !found.fullyLinked.Load() {
				found.mu.Unlock()
				continue
			}
			next, err := check(key, *found.value.Load(), true)
			if err != nil {
				found.mu.Unlock()
				return false, err
			}
			found.value.Store(&next)
			found.mu.Unlock()
			return true, nil
		}

		topLevel := s.randomLevel()
		locked := make(map[*node[K, V]]bool)
		highestLocked := -1
		valid := true
		for level := 0; valid && level <= topLevel; level++ {
			pred, succ := preds[level], succs[level]
			if !locked[pred] {
				pred.mu.Lock()
				locked[pred] = true
			}
			highestLocked = level
			valid = !pred.marked.Load() && !succ.marked.Load() && pred.next[level].Load() == succ
		}

		unlock := func() {
			for level := highestLocked; level >= 0; level-- {
				if pred := preds[level]; locked[pred] {
					pred.mu.Unlock()
					delete(locked, pred)
				}
			}
		}

		if !valid {
			unlock()
			continue
		}

		var zero V
		next, err := check(key, zero, false)
		if err != nil {
			unlock()
			return false, err
		}

		n := &node[K, V]{
			key:      key,
			next:     make([]atomic.Pointer[node[K, V]], topLevel+1),
			topLevel: topLevel,
		}
		n.value.Store(&next)
		for level := 0; level <= topLevel; level++ {
			n.next[level].Store(succs[level])
			preds[level].next[level].Store(n)
		}
		n.fullyLinked.Store(true)
		unlock()
		s.count.Add(1)
		return false, nil
	}
}

// Remove deletes the entry under key, returning its value.
func (s *SkipList[K, V]) Remove(key K) (V, bool) {
	var victim *node[K, V]
	var zero V
	isMarked := false
	topLevel := -1

	for {
		foundLevel, preds, succs := s.find(key)
		if !isMarked {
			if foundLevel == -1 {
				return zero, false
			}
			victim = succs[foundLevel]
			if !victim.fullyLinked.Load() || victim.marked.Load() || victim.topLevel != foundLevel {
				return zero, false
			}
			topLevel = victim.topLevel
			victim.mu.Lock()
			victim.marked.Store(true)
			isMarked = true
		}

		locked := make(map[*node[K, V]]bool)
		highestLocked := -1
		valid := true
		for level := 0; valid && level <= topLevel; level++ {
			pred := preds[level]
			if !locked[pred] {
				pred.mu.Lock()
				locked[pred] = true
			}
			highestLocked = level
			valid = !pred.marked.Load() && pred.next[level].Load() == victim
		}

		unlock := func() {
			for level := highestLocked; level >= 0; level-- {
				if pred := preds[level]; locked[pred] {
					pred.mu.Unlock()
					delete(locked, pred)
				}
			}
		}

		if !valid {
			unlock()
			continue
		}

		for level := topLevel; level >= 0; level-- {
			preds[level].next[level].Store(victim.next[level].Load())
		}
		victim.mu.Unlock()
		unlock()
		s.count.Add(-1)
		return *victim.value.Load(), true
	}
}

// Query collects the values whose keys lie in [start, end], in key order. If
// all is true the bounds are ignored and every value is returned. The walk
// restarts if a concurrent writer changes the list underneath it.
func (s *SkipList[K, V]) Query(ctx context.Context, start, end K, all bool) ([]V, error) {
	for {
		pre := s.count.Load()

		curr := s.head.next[0].Load()
		if !all {
			_, _, succs := s.find(start)
			curr = succs[0]
		}

		results := []V{}
		for curr != s.tail {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !all && curr.key > end {
				break
			}
			if curr.fullyLinked.Load() && !curr.marked.Load() {
				results = append(results, *curr.value.Load())
			}
			curr = curr.next[0].Load()
		}

		if s.count.Load() == pre {
			return results, nil
		}
	}
}
