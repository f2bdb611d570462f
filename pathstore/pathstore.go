// Package pathstore implements the bounded dirty-path set used by the
// update engine. Entries pair a trait path with per-item flags; capacity is
// fixed at construction and slot order is stable across iteration, so the
// update response correlator can rely on store order matching request order.
package pathstore

import (
	"github.com/dougsteed/wdmclient/traits"
)

// DefaultCapacity is the store size used when the application does not
// configure one.
const DefaultCapacity = 10

// Flags describe one stored path.
type Flags uint8

const (
	// FlagValid marks a slot as occupied.
	FlagValid Flags = 1 << iota

	// FlagForceMerge requires merge-style encoding even for dictionaries.
	FlagForceMerge

	// FlagPrivate marks an internally added path; the application never
	// sees callbacks for it.
	FlagPrivate
)

type item struct {
	path  traits.TraitPath
	flags Flags
}

// Store is a fixed-capacity set of trait paths. The zero value is unusable;
// call New.
type Store struct {
	items []item
	count int
}

// New returns an empty store holding at most capacity paths.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{items: make([]item, capacity)}
}

// Capacity returns the fixed slot count.
func (s *Store) Capacity() int {
	return len(s.items)
}

// Len returns the number of valid entries.
func (s *Store) Len() int {
	return s.count
}

// IsEmpty reports whether no entry is valid.
func (s *Store) IsEmpty() bool {
	return s.count == 0
}

// IsFull reports whether no slot is free.
func (s *Store) IsFull() bool {
	return s.count >= len(s.items)
}

// Add stores path in the lowest-index free slot. It returns false iff the
// store is full.
func (s *Store) Add(path traits.TraitPath, flags Flags) bool {
	if s.IsFull() {
		return false
	}
	for i := range s.items {
		if s.items[i].flags&FlagValid == 0 {
			s.items[i] = item{path: path, flags: flags | FlagValid}
			s.count++
			return true
		}
	}
	// count and the valid flags disagree; the store is corrupt.
	panic("pathstore: item count out of sync with valid flags")
}

// IsValid reports whether slot i holds an entry.
func (s *Store) IsValid(i int) bool {
	return i >= 0 && i < len(s.items) && s.items[i].flags&FlagValid != 0
}

// IsPrivate reports whether slot i holds a private entry.
func (s *Store) IsPrivate(i int) bool {
	return s.IsValid(i) && s.items[i].flags&FlagPrivate != 0
}

// IsForceMerge reports whether slot i requires merge encoding.
func (s *Store) IsForceMerge(i int) bool {
	return s.IsValid(i) && s.items[i].flags&FlagForceMerge != 0
}

// At returns the path in slot i. The slot must be valid.
func (s *Store) At(i int) traits.TraitPath {
	return s.items[i].path
}

// RemoveAt frees slot i.
func (s *Store) RemoveAt(i int) {
	if s.IsValid(i) {
		s.items[i].flags &^= FlagValid
		s.count--
	}
}

// RemoveTrait frees every slot whose path references handle h.
func (s *Store) RemoveTrait(h traits.TraitDataHandle) {
	for i := range s.items {
		if s.IsValid(i) && s.items[i].path.Trait == h {
			s.RemoveAt(i)
		}
	}
}

// Contains reports whether an entry equal to path is present.
func (s *Store) Contains(path traits.TraitPath) bool {
	for i := range s.items {
		if s.IsValid(i) && s.items[i].path == path {
			return true
		}
	}
	return false
}

// ContainsTrait reports whether any entry references handle h.
func (s *Store) ContainsTrait(h traits.TraitDataHandle) bool {
	for i := range s.items {
		if s.IsValid(i) && s.items[i].path.Trait == h {
			return true
		}
	}
	return false
}

// Intersects reports whether some entry on the same trait as path is equal
// to, an ancestor of, or a descendant of path.
func (s *Store) Intersects(path traits.TraitPath, schema traits.SchemaEngine) bool {
	for i := range s.items {
		if !s.IsValid(i) || s.items[i].path.Trait != path.Trait {
			continue
		}
		p := s.items[i].path.Property
		if p == path.Property ||
			schema.IsParent(path.Property, p) ||
			schema.IsParent(p, path.Property) {
			return true
		}
	}
	return false
}

// Includes reports whether some entry on the same trait as path is equal to
// or an ancestor of path.
func (s *Store) Includes(path traits.TraitPath, schema traits.SchemaEngine) bool {
	for i := range s.items {
		if !s.IsValid(i) || s.items[i].path.Trait != path.Trait {
			continue
		}
		p := s.items[i].path.Property
		if p == path.Property || schema.IsParent(path.Property, p) {
			return true
		}
	}
	return false
}

// Clear frees every slot.
func (s *Store) Clear() {
	for i := range s.items {
		s.items[i] = item{}
	}
	s.count = 0
}
