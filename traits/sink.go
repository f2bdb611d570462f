package traits

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dougsteed/wdmclient/tlv"
)

// BasicSink is a map-backed DataSink used by the loopback demo and the
// tests. It records every stored element verbatim and tracks the data
// version. All methods are safe for use from the client's execution context
// plus one application goroutine.
type BasicSink struct {
	mu      sync.Mutex
	schema  SchemaEngine
	values  map[PropertyPathHandle]uint64
	version uint64
	valid   bool
	events  []SinkEvent
}

// NewBasicSink returns an empty sink over the given schema.
func NewBasicSink(schema SchemaEngine) *BasicSink {
	return &BasicSink{
		schema: schema,
		values: make(map[PropertyPathHandle]uint64),
	}
}

// Schema returns the sink's schema engine.
func (s *BasicSink) Schema() SchemaEngine { return s.schema }

// Version returns the last stored data version.
func (s *BasicSink) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// IsVersionValid reports whether the sink has a version.
func (s *BasicSink) IsVersionValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

// SetVersion records a publisher-delivered version.
func (s *BasicSink) SetVersion(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
	s.valid = true
}

// ClearVersion invalidates the version.
func (s *BasicSink) ClearVersion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = 0
	s.valid = false
}

// Value returns the stored value under path.
func (s *BasicSink) Value(path PropertyPathHandle) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[path]
	return v, ok
}

// SetValue stores a local value under path without touching the version.
// The application calls this before marking the path updated.
func (s *BasicSink) SetValue(path PropertyPathHandle, v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[path] = v
}

// Store applies one received data element. The element data is either a
// single unsigned value for a leaf path, or a structure of tagged unsigned
// values rooted at path.
func (s *BasicSink) Store(path PropertyPathHandle, version uint64, r *tlv.Reader, partial bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Type() {
	case tlv.TypeUInt:
		v, err := r.UInt()
		if err != nil {
			return err
		}
		s.values[path] = v
	case tlv.TypeStructure:
		if err := r.Enter(); err != nil {
			return err
		}
		for {
			err := r.Next()
			if err == tlv.ErrEndOfInput {
				break
			}
			if err != nil {
				return err
			}
			child, err := s.childFor(path, r.Tag())
			if err != nil {
				return err
			}
			v, err := r.UInt()
			if err != nil {
				return err
			}
			s.values[child] = v
		}
	default:
		return fmt.Errorf("traits: unsupported element data type %d", r.Type())
	}

	if !partial {
		s.version = version
		s.valid = true
	}
	return nil
}

func (s *BasicSink) childFor(parent PropertyPathHandle, tag uint64) (PropertyPathHandle, error) {
	tags, err := s.schema.PathTags(parent)
	if err != nil {
		return NullPropertyPathHandle, err
	}
	return s.schema.HandleForTags(append(tags, tag))
}

// HandleEvent records broadcast events; tests assert on the sequence.
func (s *BasicSink) HandleEvent(ev SinkEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns the broadcast events seen so far.
func (s *BasicSink) Events() []SinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SinkEvent, len(s.events))
	copy(out, s.events)
	return out
}

// BasicUpdatableSink extends BasicSink with the update-engine surface.
type BasicUpdatableSink struct {
	BasicSink
	umu             sync.Mutex
	requiredVersion uint64
	conditional     bool
}

// NewBasicUpdatableSink returns an empty updatable sink over schema.
func NewBasicUpdatableSink(schema SchemaEngine) *BasicUpdatableSink {
	s := &BasicUpdatableSink{}
	s.schema = schema
	s.values = make(map[PropertyPathHandle]uint64)
	return s
}

// UpdateRequiredVersion returns the version a conditional update is
// predicated on.
func (s *BasicUpdatableSink) UpdateRequiredVersion() uint64 {
	s.umu.Lock()
	defer s.umu.Unlock()
	return s.requiredVersion
}

// SetUpdateRequiredVersion records the predicate version; zero clears it.
func (s *BasicUpdatableSink) SetUpdateRequiredVersion(v uint64) {
	s.umu.Lock()
	defer s.umu.Unlock()
	s.requiredVersion = v
}

// IsConditionalUpdate reports whether the latest mutation was conditional.
func (s *BasicUpdatableSink) IsConditionalUpdate() bool {
	s.umu.Lock()
	defer s.umu.Unlock()
	return s.conditional
}

// SetConditionalUpdate marks subsequent updates conditional or not.
func (s *BasicUpdatableSink) SetConditionalUpdate(conditional bool) {
	s.umu.Lock()
	defer s.umu.Unlock()
	s.conditional = conditional
}

// ReadData encodes the property at path into w. Dictionary properties are
// written one element per stored key in ascending key order; when the writer
// refuses an element the already-written prefix is committed as a partial
// encoding and the refused element's handle is returned for the next request
// to resume from.
func (s *BasicUpdatableSink) ReadData(path PropertyPathHandle, tag uint64, w *tlv.Writer, resume PropertyPathHandle) (PropertyPathHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schema.IsDictionary(path) {
		return s.readDictionary(path, tag, w, resume)
	}

	if v, ok := s.values[path]; ok {
		return NullPropertyPathHandle, w.PutUInt(tag, v)
	}

	// Non-leaf: encode the subtree as a structure of direct children.
	if err := w.StartStructure(tag); err != nil {
		return NullPropertyPathHandle, err
	}
	for _, child := range s.sortedChildrenOf(path) {
		childTags, err := s.schema.PathTags(child)
		if err != nil {
			return NullPropertyPathHandle, err
		}
		if err := w.PutUInt(childTags[len(childTags)-1], s.values[child]); err != nil {
			return NullPropertyPathHandle, err
		}
	}
	return NullPropertyPathHandle, w.EndContainer()
}

func (s *BasicUpdatableSink) readDictionary(dict PropertyPathHandle, tag uint64, w *tlv.Writer, resume PropertyPathHandle) (PropertyPathHandle, error) {
	if err := w.StartStructure(tag); err != nil {
		return NullPropertyPathHandle, err
	}

	items := s.sortedChildrenOf(dict)
	started := resume == NullPropertyPathHandle
	for _, item := range items {
		if !started {
			if item == resume {
				started = true
			} else {
				continue
			}
		}
		mark := w.Mark()
		if err := w.PutUInt(uint64(item.DictionaryKey()), s.values[item]); err != nil {
			if err == tlv.ErrBufferTooSmall {
				w.Rewind(mark)
				if cerr := w.EndContainer(); cerr != nil {
					return NullPropertyPathHandle, cerr
				}
				return item, nil
			}
			return NullPropertyPathHandle, err
		}
	}
	return NullPropertyPathHandle, w.EndContainer()
}

// sortedChildrenOf returns the stored handles directly under parent, in
// ascending handle order so that dictionary resumption is deterministic.
func (s *BasicUpdatableSink) sortedChildrenOf(parent PropertyPathHandle) []PropertyPathHandle {
	var out []PropertyPathHandle
	for h := range s.values {
		if s.schema.Parent(h) == parent {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
