package tlv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteReadScalars(t *testing.T) {
	w := NewWriter()
	assert.NoError(t, w.StartStructure(AnonymousTag))
	assert.NoError(t, w.PutUInt(1, 42))
	assert.NoError(t, w.PutInt(2, -7))
	assert.NoError(t, w.PutBool(3, true))
	assert.NoError(t, w.PutString(4, "owl"))
	assert.NoError(t, w.PutNull(5))
	assert.NoError(t, w.EndContainer())

	r := NewReader(w.Bytes())
	assert.NoError(t, r.Expect(TypeStructure, AnonymousTag))
	assert.NoError(t, r.Enter())

	assert.NoError(t, r.Next())
	assert.Equal(t, uint64(1), r.Tag())
	u, err := r.UInt()
	assert.NoError(t, err)
	assert.Equal(t, uint64(42), u)

	assert.NoError(t, r.Next())
	i, err := r.Int()
	assert.NoError(t, err)
	assert.Equal(t, int64(-7), i)

	assert.NoError(t, r.Next())
	b, err := r.Bool()
	assert.NoError(t, err)
	assert.True(t, b)

	assert.NoError(t, r.Next())
	s, err := r.String()
	assert.NoError(t, err)
	assert.Equal(t, "owl", s)

	assert.NoError(t, r.Next())
	assert.Equal(t, TypeNull, r.Type())

	assert.Equal(t, ErrEndOfInput, r.Next())
}

func TestNestedContainers(t *testing.T) {
	w := NewWriter()
	assert.NoError(t, w.StartStructure(AnonymousTag))
	assert.NoError(t, w.StartArray(1))
	assert.NoError(t, w.PutUInt(AnonymousTag, 10))
	assert.NoError(t, w.PutUInt(AnonymousTag, 20))
	assert.NoError(t, w.EndContainer())
	assert.NoError(t, w.PutUInt(2, 30))
	assert.NoError(t, w.EndContainer())

	r := NewReader(w.Bytes())
	assert.NoError(t, r.Next())
	assert.NoError(t, r.Enter())

	assert.NoError(t, r.Next())
	assert.Equal(t, TypeArray, r.Type())
	assert.NoError(t, r.Enter())
	assert.NoError(t, r.Next())
	assert.NoError(t, r.Next())
	assert.Equal(t, ErrEndOfInput, r.Next())
	assert.NoError(t, r.Exit())

	assert.NoError(t, r.Next())
	assert.Equal(t, uint64(2), r.Tag())
	v, err := r.UInt()
	assert.NoError(t, err)
	assert.Equal(t, uint64(30), v)
}

func TestSkipContainer(t *testing.T) {
	w := NewWriter()
	assert.NoError(t, w.StartStructure(AnonymousTag))
	assert.NoError(t, w.StartStructure(1))
	assert.NoError(t, w.PutUInt(1, 1))
	assert.NoError(t, w.StartArray(2))
	assert.NoError(t, w.PutUInt(AnonymousTag, 2))
	assert.NoError(t, w.EndContainer())
	assert.NoError(t, w.EndContainer())
	assert.NoError(t, w.PutUInt(9, 99))
	assert.NoError(t, w.EndContainer())

	r := NewReader(w.Bytes())
	assert.NoError(t, r.Next())
	assert.NoError(t, r.Enter())
	assert.NoError(t, r.Next()) // inner structure
	assert.NoError(t, r.Skip())
	assert.NoError(t, r.Next())
	assert.Equal(t, uint64(9), r.Tag())
}

func TestCapture(t *testing.T) {
	w := NewWriter()
	assert.NoError(t, w.StartStructure(AnonymousTag))
	assert.NoError(t, w.StartStructure(3))
	assert.NoError(t, w.PutUInt(1, 7))
	assert.NoError(t, w.EndContainer())
	assert.NoError(t, w.EndContainer())

	r := NewReader(w.Bytes())
	assert.NoError(t, r.Next())
	assert.NoError(t, r.Enter())
	assert.NoError(t, r.Next())
	raw, err := r.Capture()
	assert.NoError(t, err)

	// The captured bytes decode standalone.
	r2 := NewReader(raw)
	assert.NoError(t, r2.Expect(TypeStructure, 3))
	assert.NoError(t, r2.Enter())
	assert.NoError(t, r2.Next())
	v, err := r2.UInt()
	assert.NoError(t, err)
	assert.Equal(t, uint64(7), v)
}

func TestLimitedWriter(t *testing.T) {
	w := NewLimitedWriter(8)
	assert.NoError(t, w.StartStructure(AnonymousTag))
	assert.NoError(t, w.PutUInt(1, 250))

	mark := w.Mark()
	err := w.PutString(2, "far too long to fit")
	assert.Equal(t, ErrBufferTooSmall, err)
	w.Rewind(mark)

	assert.NoError(t, w.EndContainer())

	r := NewReader(w.Bytes())
	assert.NoError(t, r.Next())
	assert.NoError(t, r.Enter())
	assert.NoError(t, r.Next())
	v, err := r.UInt()
	assert.NoError(t, err)
	assert.Equal(t, uint64(250), v)
	assert.Equal(t, ErrEndOfInput, r.Next())
}
