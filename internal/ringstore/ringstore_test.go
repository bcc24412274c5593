package ringstore

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsMonotonicSequences(t *testing.T) {
	s := New[int](4)
	for i := 0; i < 10; i++ {
		seq := s.Append(i)
		assert.Equal(t, uint64(i+1), seq)
	}
}

func TestSinceReturnsAllWhenUnderCapacity(t *testing.T) {
	s := New[string](100)
	for i := 0; i < 5; i++ {
		s.Append(fmt.Sprintf("item-%d", i))
	}
	items, cursor := s.Since(0)
	require.Len(t, items, 5)
	assert.Equal(t, "item-0", items[0])
	assert.Equal(t, uint64(5), cursor)
}

func TestDeltaPollAfterOverflow(t *testing.T) {
	// Capacity 100, 150 appends: since(0) returns the last 100 entries with
	// sequence numbers 51..150.
	s := New[int](100)
	for i := 0; i < 150; i++ {
		s.Append(i)
	}
	items, cursor := s.Since(0)
	require.Len(t, items, 100)
	assert.Equal(t, 50, items[0]) // value appended with seq 51
	assert.Equal(t, uint64(150), cursor)

	items, cursor = s.Since(cursor)
	assert.Empty(t, items)
	assert.Equal(t, uint64(150), cursor)

	for i := 150; i < 160; i++ {
		s.Append(i)
	}
	items, cursor = s.Since(150)
	require.Len(t, items, 10)
	assert.Equal(t, 150, items[0])
	assert.Equal(t, uint64(160), cursor)
}

func TestCursorNeverSeesEntryTwice(t *testing.T) {
	s := New[int](10)
	var seen []int
	cursor := uint64(0)
	for i := 0; i < 30; i++ {
		s.Append(i)
		if i%3 == 0 {
			var items []int
			items, cursor = s.Since(cursor)
			seen = append(seen, items...)
		}
	}
	items, _ := s.Since(cursor)
	seen = append(seen, items...)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1], "values must arrive in append order with no repeats")
	}
}

func TestSizedStoreTracksBytesAcrossEviction(t *testing.T) {
	s := NewSized[[]byte](3, func(b []byte) int64 { return int64(len(b)) })
	s.Append(make([]byte, 10))
	s.Append(make([]byte, 20))
	s.Append(make([]byte, 30))
	assert.Equal(t, int64(60), s.Bytes())

	s.Append(make([]byte, 5)) // evicts the 10-byte entry
	assert.Equal(t, int64(55), s.Bytes())

	require.Equal(t, 2, s.EvictOldest(2))
	assert.Equal(t, int64(5), s.Bytes())
	assert.Equal(t, 1, s.Count())
}

func TestClearKeepsSequenceNumbering(t *testing.T) {
	s := New[int](8)
	s.Append(1)
	s.Append(2)
	s.Clear()
	assert.Equal(t, 0, s.Count())
	seq := s.Append(3)
	assert.Equal(t, uint64(3), seq)
}

func TestConcurrentAppendAndPoll(t *testing.T) {
	s := New[int](64)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s.Append(i)
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		cursor := uint64(0)
		var last uint64
		for i := 0; i < 200; i++ {
			var items []int
			items, cursor = s.Since(cursor)
			_ = items
			require.GreaterOrEqual(t, cursor, last)
			last = cursor
		}
	}()
	wg.Wait()
	<-done
	assert.Equal(t, 64, s.Count())
}
