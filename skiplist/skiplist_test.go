package skiplist

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	s := New[string, int]()
	assert.NotNil(t, s)
	assert.Equal(t, 0, s.Len())
}

func TestUpsertAndFind(t *testing.T) {
	s := New[string, int]()
	for i := 0; i < 10; i++ {
		key := strconv.Itoa(i)
		updated, err := s.Upsert(key, func(_ string, _ int, exists bool) (int, error) {
			assert.False(t, exists)
			return i, nil
		})
		assert.NoError(t, err)
		assert.False(t, updated)
	}
	assert.Equal(t, 10, s.Len())

	v, found := s.Find("4")
	assert.True(t, found)
	assert.Equal(t, 4, v)

	updated, err := s.Upsert("4", func(_ string, curr int, exists bool) (int, error) {
		assert.True(t, exists)
		return curr + 100, nil
	})
	assert.NoError(t, err)
	assert.True(t, updated)

	v, found = s.Find("4")
	assert.True(t, found)
	assert.Equal(t, 104, v)
}

func TestUpsertCheckError(t *testing.T) {
	s := New[string, int]()
	_, err := s.Upsert("x", func(_ string, _ int, _ bool) (int, error) {
		return 0, assert.AnError
	})
	assert.Error(t, err)
	_, found := s.Find("x")
	assert.False(t, found)
}

func TestRemove(t *testing.T) {
	s := New[string, int]()
	s.Upsert("a", func(_ string, _ int, _ bool) (int, error) { return 1, nil })
	s.Upsert("b", func(_ string, _ int, _ bool) (int, error) { return 2, nil })

	v, ok := s.Remove("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, s.Len())

	_, ok = s.Remove("a")
	assert.False(t, ok)
}

func TestQueryOrderAndRange(t *testing.T) {
	s := New[int, string]()
	for _, k := range []int{5, 1, 9, 3, 7} {
		k := k
		s.Upsert(k, func(_ int, _ string, _ bool) (string, error) {
			return strconv.Itoa(k), nil
		})
	}

	all, err := s.Query(context.Background(), 0, 0, true)
	assert.NoError(t, err)
	assert.Equal(t, []string{"1", "3", "5", "7", "9"}, all)

	ranged, err := s.Query(context.Background(), 3, 7, false)
	assert.NoError(t, err)
	assert.Equal(t, []string{"3", "5", "7"}, ranged)
}

func TestQueryCanceledContext(t *testing.T) {
	s := New[int, int]()
	s.Upsert(1, func(_ int, _ int, _ bool) (int, error) { return 1, nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Query(ctx, 0, 0, true)
	assert.Error(t, err)
}

func TestConcurrentUpserts(t *testing.T) {
	s := New[int, int]()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				k := base*100 + i
				s.Upsert(k, func(_ int, _ int, _ bool) (int, error) { return k, nil })
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 800, s.Len())
}
