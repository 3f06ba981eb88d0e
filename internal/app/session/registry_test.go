package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkd55/melobot/internal/domain/track"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry()

	s1 := r.GetOrCreate("guild-1")
	s2 := r.GetOrCreate("guild-1")
	assert.Same(t, s1, s2)

	other := r.GetOrCreate("guild-2")
	assert.NotSame(t, s1, other)
	assert.Equal(t, 2, r.Count())
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Get("guild-1")
	assert.False(t, ok)

	created := r.GetOrCreate("guild-1")
	got, ok := r.Get("guild-1")
	assert.True(t, ok)
	assert.Same(t, created, got)
}

func TestRegistry_GetOrCreate_ConcurrentConverges(t *testing.T) {
	r := NewRegistry()

	const n = 50
	got := make(chan *Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got <- r.GetOrCreate("guild-1")
		}()
	}
	wg.Wait()
	close(got)

	first := <-got
	for s := range got {
		assert.Same(t, first, s)
	}
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_AnyStreaming(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 3; i++ {
		r.GetOrCreate(fmt.Sprintf("guild-%d", i))
	}
	assert.False(t, r.AnyStreaming())

	s := r.GetOrCreate("guild-1")
	s.Bind(&fakeConn{}, "text-1")
	s.SetCurrent(track.New("ref-a", "A"))
	require.True(t, s.AttachStream(&fakeStream{}))
	assert.True(t, r.AnyStreaming())
}
