package mailbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxFIFO(t *testing.T) {
	m := New[int]()
	for i := 0; i < 100; i++ {
		require.True(t, m.Put(i))
	}
	assert.Equal(t, 100, m.Len())

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		v, err := m.Take(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestMailboxTakeBlocksUntilPut(t *testing.T) {
	m := New[string]()
	got := make(chan string, 1)
	go func() {
		v, err := m.Take(context.Background())
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	m.Put("hello")

	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("Take did not return after Put")
	}
}

func TestMailboxCloseDrainsThenErrors(t *testing.T) {
	m := New[int]()
	m.Put(1)
	m.Close()
	assert.False(t, m.Put(2))

	v, err := m.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = m.Take(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestMailboxTakeHonoursContext(t *testing.T) {
	m := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Take(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMailboxConcurrentProducers(t *testing.T) {
	m := New[int]()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				m.Put(i)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, m.Len())
	assert.Len(t, m.Drain(), 400)
	assert.Equal(t, 0, m.Len())
}
