package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate(t *testing.T) {
	l := New()

	t.Run("explicit id", func(t *testing.T) {
		req, err := l.Create("rid-1")
		require.NoError(t, err)
		assert.Equal(t, "rid-1", req.ID())
		assert.True(t, l.Contains("rid-1"))
	})

	t.Run("duplicate", func(t *testing.T) {
		_, err := l.Create("rid-1")
		assert.ErrorIs(t, err, ErrDuplicateRequest)
		assert.Equal(t, 1, l.Len())
	})

	t.Run("generated id", func(t *testing.T) {
		req, err := l.Create("")
		require.NoError(t, err)
		_, err = uuid.Parse(req.ID())
		assert.NoError(t, err)
		assert.Equal(t, 2, l.Len())
	})
}

func TestMatchDeliversAndRemoves(t *testing.T) {
	l := New()
	req, err := l.Create("rid-1")
	require.NoError(t, err)

	resp := &Response{RequestID: "rid-1", Status: 200, Body: "{}", Properties: map[string]string{"retry-after": "3"}}
	require.NoError(t, l.Match(resp))
	assert.False(t, l.Contains("rid-1"))
	assert.Equal(t, 0, l.Len())

	got, err := req.Response(context.Background())
	require.NoError(t, err)
	assert.Same(t, resp, got)

	// Second delivery for the same id has nowhere to go.
	assert.ErrorIs(t, l.Match(resp), ErrNoMatchingRequest)

	// The id can be reused once completed.
	_, err = l.Create("rid-1")
	assert.NoError(t, err)
}

func TestMatchUnknown(t *testing.T) {
	l := New()
	err := l.Match(&Response{RequestID: "nope"})
	assert.ErrorIs(t, err, ErrNoMatchingRequest)
}

func TestDelete(t *testing.T) {
	l := New()
	_, err := l.Create("rid-1")
	require.NoError(t, err)

	assert.True(t, l.Delete("rid-1"))
	assert.False(t, l.Delete("rid-1"))
	assert.ErrorIs(t, l.Match(&Response{RequestID: "rid-1"}), ErrNoMatchingRequest)
}

func TestResponseContext(t *testing.T) {
	l := New()
	req, err := l.Create("")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = req.Response(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A timed-out wait leaves the entry for the caller to delete.
	assert.True(t, l.Contains(req.ID()))
}

func TestResponseArrivesWhileWaiting(t *testing.T) {
	l := New()
	req, err := l.Create("rid-w")
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = l.Match(&Response{RequestID: "rid-w", Status: 202})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := req.Response(ctx)
	require.NoError(t, err)
	assert.Equal(t, 202, resp.Status)
}

func TestConcurrentRequests(t *testing.T) {
	l := New()
	const n = 50

	var wg sync.WaitGroup
	results := make([]int, n)
	for i := 0; i < n; i++ {
		req, err := l.Create(fmt.Sprintf("rid-%d", i))
		require.NoError(t, err)

		wg.Add(1)
		go func(i int, req *Request) {
			defer wg.Done()
			resp, err := req.Response(context.Background())
			if err == nil {
				results[i] = resp.Status
			}
		}(i, req)
	}

	for i := n - 1; i >= 0; i-- {
		require.NoError(t, l.Match(&Response{RequestID: fmt.Sprintf("rid-%d", i), Status: 200 + i}))
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.Equal(t, 200+i, results[i])
	}
	assert.Equal(t, 0, l.Len())
}
