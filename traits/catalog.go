package traits

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dougsteed/wdmclient/skiplist"
	"github.com/dougsteed/wdmclient/tlv"
)

// Address locates a trait instance on the publisher: the resource that owns
// it, the trait profile, and the instance of that profile on the resource.
type Address struct {
	Resource uint64
	Profile  uint32
	Instance uint64
}

// Context tags of the address structure inside a wire path.
const (
	tagAddressResource        = 1
	tagAddressProfile         = 2
	tagAddressInstance        = 3
	tagAddressVersionRangeMin = 4
	tagAddressVersionRangeMax = 5
)

// ErrHandleNotFound is returned by catalog lookups for unknown handles,
// sinks, or addresses.
var ErrHandleNotFound = errors.New("traits: handle not found")

// Catalog maps trait data handles to sinks and wire addresses. The client
// borrows it read-only, except for version mutation on the sinks themselves.
type Catalog interface {
	// Locate returns the sink registered under h.
	Locate(h TraitDataHandle) (DataSink, error)

	// HandleOf returns the handle a sink was registered under.
	HandleOf(s DataSink) (TraitDataHandle, error)

	// ResourceID returns the resource part of h's address.
	ResourceID(h TraitDataHandle) (uint64, error)

	// InstanceID returns the instance part of h's address.
	InstanceID(h TraitDataHandle) (uint64, error)

	// HandleToAddress writes h's address structure, including the requested
	// version range when non-zero, under the current container of w.
	HandleToAddress(h TraitDataHandle, w *tlv.Writer, vr SchemaVersionRange) error

	// AddressToHandle resolves a decoded address back to a handle.
	AddressToHandle(a Address) (TraitDataHandle, error)

	// Iterate visits every registered sink in ascending handle order until
	// fn returns false.
	Iterate(fn func(h TraitDataHandle, s DataSink) bool)

	// DispatchEvent broadcasts ev to every registered sink.
	DispatchEvent(ev SinkEvent)
}

type catalogEntry struct {
	handle TraitDataHandle
	sink   DataSink
	addr   Address
}

// BasicCatalog is the skiplist-backed Catalog implementation. Registration
// happens at setup time; lookups run concurrently from the client.
type BasicCatalog struct {
	index *skiplist.SkipList[TraitDataHandle, catalogEntry]
	mu    sync.Mutex
	next  TraitDataHandle
}

// NewBasicCatalog returns an empty catalog.
func NewBasicCatalog() *BasicCatalog {
	return &BasicCatalog{
		index: skiplist.New[TraitDataHandle, catalogEntry](),
		next:  1,
	}
}

// Add registers a sink reachable at addr and returns its handle.
func (c *BasicCatalog) Add(addr Address, sink DataSink) (TraitDataHandle, error) {
	c.mu.Lock()
	h := c.next
	c.next++
	c.mu.Unlock()

	_, err := c.index.Upsert(h, func(_ TraitDataHandle, _ catalogEntry, exists bool) (catalogEntry, error) {
		if exists {
			return catalogEntry{}, fmt.Errorf("traits: handle %d already registered", h)
		}
		return catalogEntry{handle: h, sink: sink, addr: addr}, nil
	})
	if err != nil {
		return 0, err
	}
	return h, nil
}

// Locate returns the sink registered under h.
func (c *BasicCatalog) Locate(h TraitDataHandle) (DataSink, error) {
	e, ok := c.index.Find(h)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrHandleNotFound, h)
	}
	return e.sink, nil
}

// HandleOf returns the handle a sink was registered under.
func (c *BasicCatalog) HandleOf(s DataSink) (TraitDataHandle, error) {
	var found TraitDataHandle
	ok := false
	c.Iterate(func(h TraitDataHandle, sink DataSink) bool {
		if sink == s {
			found = h
			ok = true
			return false
		}
		return true
	})
	if !ok {
		return 0, ErrHandleNotFound
	}
	return found, nil
}

// ResourceID returns the resource part of h's address.
func (c *BasicCatalog) ResourceID(h TraitDataHandle) (uint64, error) {
	e, ok := c.index.Find(h)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrHandleNotFound, h)
	}
	return e.addr.Resource, nil
}

// InstanceID returns the instance part of h's address.
func (c *BasicCatalog) InstanceID(h TraitDataHandle) (uint64, error) {
	e, ok := c.index.Find(h)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrHandleNotFound, h)
	}
	return e.addr.Instance, nil
}

// HandleToAddress writes h's address structure under the current container
// of w, tagged as an anonymous structure member.
func (c *BasicCatalog) HandleToAddress(h TraitDataHandle, w *tlv.Writer, vr SchemaVersionRange) error {
	e, ok := c.index.Find(h)
	if !ok {
		return fmt.Errorf("%w: %d", ErrHandleNotFound, h)
	}
	return WriteAddress(w, e.addr, vr)
}

// AddressToHandle resolves a decoded address back to a handle.
func (c *BasicCatalog) AddressToHandle(a Address) (TraitDataHandle, error) {
	var found TraitDataHandle
	ok := false
	c.Iterate(func(h TraitDataHandle, _ DataSink) bool {
		e, _ := c.index.Find(h)
		if e.addr == a {
			found = h
			ok = true
			return false
		}
		return true
	})
	if !ok {
		return 0, fmt.Errorf("%w: resource %#x profile %#x instance %#x", ErrHandleNotFound, a.Resource, a.Profile, a.Instance)
	}
	return found, nil
}

// Iterate visits every registered sink in ascending handle order.
func (c *BasicCatalog) Iterate(fn func(h TraitDataHandle, s DataSink) bool) {
	entries, err := c.index.Query(context.Background(), 0, 0, true)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !fn(e.handle, e.sink) {
			return
		}
	}
}

// DispatchEvent broadcasts ev to every registered sink.
func (c *BasicCatalog) DispatchEvent(ev SinkEvent) {
	c.Iterate(func(_ TraitDataHandle, s DataSink) bool {
		s.HandleEvent(ev)
		return true
	})
}

// WriteAddress encodes an address structure with the version range.
func WriteAddress(w *tlv.Writer, a Address, vr SchemaVersionRange) error {
	if err := w.StartStructure(tlv.AnonymousTag); err != nil {
		return err
	}
	if err := w.PutUInt(tagAddressResource, a.Resource); err != nil {
		return err
	}
	if err := w.PutUInt(tagAddressProfile, uint64(a.Profile)); err != nil {
		return err
	}
	if err := w.PutUInt(tagAddressInstance, a.Instance); err != nil {
		return err
	}
	if !vr.IsZero() {
		if err := w.PutUInt(tagAddressVersionRangeMin, uint64(vr.Min)); err != nil {
			return err
		}
		if err := w.PutUInt(tagAddressVersionRangeMax, uint64(vr.Max)); err != nil {
			return err
		}
	}
	return w.EndContainer()
}

// ReadAddress decodes an address structure. The reader must be positioned on
// the structure element.
func ReadAddress(r *tlv.Reader) (Address, SchemaVersionRange, error) {
	var a Address
	var vr SchemaVersionRange
	if r.Type() != tlv.TypeStructure {
		return a, vr, tlv.ErrWrongType
	}
	if err := r.Enter(); err != nil {
		return a, vr, err
	}
	for {
		err := r.Next()
		if err == tlv.ErrEndOfInput {
			break
		}
		if err != nil {
			return a, vr, err
		}
		v, err := r.UInt()
		if err != nil {
			return a, vr, err
		}
		switch r.Tag() {
		case tagAddressResource:
			a.Resource = v
		case tagAddressProfile:
			a.Profile = uint32(v)
		case tagAddressInstance:
			a.Instance = v
		case tagAddressVersionRangeMin:
			vr.Min = uint16(v)
		case tagAddressVersionRangeMax:
			vr.Max = uint16(v)
		}
	}
	if err := r.Exit(); err != nil {
		return a, vr, err
	}
	return a, vr, nil
}
