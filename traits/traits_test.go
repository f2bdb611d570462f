package traits

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dougsteed/wdmclient/tlv"
)

// schema under test: root(1) -> leaf(2), root -> dict(3) with element node 4
func newTestSchema() *StaticSchema {
	return NewStaticSchema(0xABCD, map[PropertyPathHandle]SchemaNode{
		2: {Parent: RootPropertyPathHandle, Tag: 1},
		3: {Parent: RootPropertyPathHandle, Tag: 2, IsDictionary: true},
		4: {Parent: 3, Tag: 0},
	})
}

func TestSchemaParentAndIsParent(t *testing.T) {
	s := newTestSchema()

	assert.Equal(t, RootPropertyPathHandle, s.Parent(2))
	assert.Equal(t, PropertyPathHandle(3), s.Parent(4))
	assert.Equal(t, NullPropertyPathHandle, s.Parent(RootPropertyPathHandle))

	item := DictionaryItemHandle(4, 9)
	assert.Equal(t, PropertyPathHandle(3), s.Parent(item))

	assert.True(t, s.IsParent(2, RootPropertyPathHandle))
	assert.True(t, s.IsParent(item, 3))
	assert.True(t, s.IsParent(item, RootPropertyPathHandle))
	assert.False(t, s.IsParent(2, 3))
	assert.False(t, s.IsParent(RootPropertyPathHandle, 2))
}

func TestSchemaDictionary(t *testing.T) {
	s := newTestSchema()
	assert.True(t, s.IsDictionary(3))
	assert.False(t, s.IsDictionary(2))
	assert.False(t, s.IsDictionary(DictionaryItemHandle(4, 9)))
}

func TestSchemaTagsRoundTrip(t *testing.T) {
	s := newTestSchema()

	tags, err := s.PathTags(2)
	assert.NoError(t, err)
	assert.Equal(t, []uint64{1}, tags)

	h, err := s.HandleForTags(tags)
	assert.NoError(t, err)
	assert.Equal(t, PropertyPathHandle(2), h)

	// Root has the empty walk.
	tags, err = s.PathTags(RootPropertyPathHandle)
	assert.NoError(t, err)
	assert.Empty(t, tags)
	h, err = s.HandleForTags(nil)
	assert.NoError(t, err)
	assert.Equal(t, RootPropertyPathHandle, h)

	// Dictionary items carry the key as their final tag.
	item := DictionaryItemHandle(4, 7)
	tags, err = s.PathTags(item)
	assert.NoError(t, err)
	assert.Equal(t, []uint64{2, 7}, tags)
	h, err = s.HandleForTags(tags)
	assert.NoError(t, err)
	assert.Equal(t, item, h)
}

func TestBasicSinkStoreLeaf(t *testing.T) {
	s := newTestSchema()
	sink := NewBasicSink(s)

	w := tlv.NewWriter()
	assert.NoError(t, w.PutUInt(3, 11))
	r := tlv.NewReader(w.Bytes())
	assert.NoError(t, r.Next())

	assert.NoError(t, sink.Store(2, 5, r, false))
	v, ok := sink.Value(2)
	assert.True(t, ok)
	assert.Equal(t, uint64(11), v)
	assert.True(t, sink.IsVersionValid())
	assert.Equal(t, uint64(5), sink.Version())
}

func TestBasicSinkStorePartialKeepsVersion(t *testing.T) {
	s := newTestSchema()
	sink := NewBasicSink(s)

	w := tlv.NewWriter()
	assert.NoError(t, w.PutUInt(3, 11))
	r := tlv.NewReader(w.Bytes())
	assert.NoError(t, r.Next())

	assert.NoError(t, sink.Store(2, 5, r, true))
	assert.False(t, sink.IsVersionValid())
}

func TestBasicSinkStoreStructure(t *testing.T) {
	s := newTestSchema()
	sink := NewBasicSink(s)

	w := tlv.NewWriter()
	assert.NoError(t, w.StartStructure(3))
	assert.NoError(t, w.PutUInt(1, 21))
	assert.NoError(t, w.EndContainer())
	r := tlv.NewReader(w.Bytes())
	assert.NoError(t, r.Next())

	assert.NoError(t, sink.Store(RootPropertyPathHandle, 9, r, false))
	v, ok := sink.Value(2)
	assert.True(t, ok)
	assert.Equal(t, uint64(21), v)
}

func TestUpdatableSinkReadDataLeaf(t *testing.T) {
	s := newTestSchema()
	sink := NewBasicUpdatableSink(s)
	sink.SetValue(2, 33)

	w := tlv.NewWriter()
	next, err := sink.ReadData(2, 5, w, NullPropertyPathHandle)
	assert.NoError(t, err)
	assert.Equal(t, NullPropertyPathHandle, next)

	r := tlv.NewReader(w.Bytes())
	assert.NoError(t, r.Expect(tlv.TypeUInt, 5))
	v, _ := r.UInt()
	assert.Equal(t, uint64(33), v)
}

func TestUpdatableSinkDictionaryOverflowAndResume(t *testing.T) {
	s := newTestSchema()
	sink := NewBasicUpdatableSink(s)
	for key := uint16(1); key <= 40; key++ {
		sink.SetValue(DictionaryItemHandle(4, key), uint64(key)*10)
	}

	// First pass into a tight writer overflows partway.
	w := tlv.NewLimitedWriter(64)
	next, err := sink.ReadData(3, 2, w, NullPropertyPathHandle)
	assert.NoError(t, err)
	assert.NotEqual(t, NullPropertyPathHandle, next)

	// Second pass resumes from the returned element and finishes.
	w2 := tlv.NewWriter()
	next2, err := sink.ReadData(3, 2, w2, next)
	assert.NoError(t, err)
	assert.Equal(t, NullPropertyPathHandle, next2)

	count := func(buf []byte) int {
		r := tlv.NewReader(buf)
		assert.NoError(t, r.Next())
		assert.NoError(t, r.Enter())
		n := 0
		for r.Next() == nil {
			n++
		}
		return n
	}
	assert.Equal(t, 40, count(w.Bytes())+count(w2.Bytes()))
}

func TestUpdateRequiredVersion(t *testing.T) {
	sink := NewBasicUpdatableSink(newTestSchema())
	assert.Equal(t, uint64(0), sink.UpdateRequiredVersion())
	sink.SetUpdateRequiredVersion(44)
	assert.Equal(t, uint64(44), sink.UpdateRequiredVersion())
	sink.SetConditionalUpdate(true)
	assert.True(t, sink.IsConditionalUpdate())
}

func TestCatalog(t *testing.T) {
	s := newTestSchema()
	cat := NewBasicCatalog()

	sinkA := NewBasicSink(s)
	sinkB := NewBasicUpdatableSink(s)

	ha, err := cat.Add(Address{Resource: 1, Profile: 0xABCD, Instance: 1}, sinkA)
	assert.NoError(t, err)
	hb, err := cat.Add(Address{Resource: 2, Profile: 0xABCD, Instance: 1}, sinkB)
	assert.NoError(t, err)
	assert.NotEqual(t, ha, hb)

	got, err := cat.Locate(ha)
	assert.NoError(t, err)
	assert.Equal(t, DataSink(sinkA), got)

	h, err := cat.HandleOf(sinkB)
	assert.NoError(t, err)
	assert.Equal(t, hb, h)

	res, err := cat.ResourceID(hb)
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), res)

	back, err := cat.AddressToHandle(Address{Resource: 1, Profile: 0xABCD, Instance: 1})
	assert.NoError(t, err)
	assert.Equal(t, ha, back)

	_, err = cat.Locate(99)
	assert.ErrorIs(t, err, ErrHandleNotFound)

	cat.DispatchEvent(SinkEventNotifyBegin)
	assert.Equal(t, []SinkEvent{SinkEventNotifyBegin}, sinkA.Events())
}

func TestAddressRoundTrip(t *testing.T) {
	w := tlv.NewWriter()
	addr := Address{Resource: 0x1234, Profile: 0xABCD, Instance: 7}
	vr := SchemaVersionRange{Min: 1, Max: 3}
	assert.NoError(t, WriteAddress(w, addr, vr))

	r := tlv.NewReader(w.Bytes())
	assert.NoError(t, r.Next())
	got, gotVR, err := ReadAddress(r)
	assert.NoError(t, err)
	assert.Equal(t, addr, got)
	assert.Equal(t, vr, gotVR)
}
