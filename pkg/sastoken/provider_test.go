package sastoken

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hlog "github.com/hublink/hublink-go/pkg/log"
)

type captureLogger struct {
	mu     sync.Mutex
	events []hlog.Event
}

func (c *captureLogger) Log(e hlog.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureLogger) count(cat hlog.Category) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Category == cat {
			n++
		}
	}
	return n
}

// expiringIn returns a generator whose tokens expire ttl seconds from
// generation time and counts calls.
func expiringIn(ttl int64, calls *atomic.Int32) Generator {
	return FromFunc(func() (string, error) {
		calls.Add(1)
		return tokenString("a", "b", time.Now().Unix()+ttl, ""), nil
	})
}

func TestProviderConfig(t *testing.T) {
	cfg := DefaultProviderConfig()
	assert.Equal(t, 120*time.Second, cfg.RenewalMargin)
	assert.Equal(t, 10*time.Second, cfg.RetryInterval)
	assert.NoError(t, cfg.Validate())

	cfg.RetryInterval = 0
	assert.Error(t, cfg.Validate())

	p := NewProvider(FromFunc(nil), ProviderConfig{})
	assert.Equal(t, DefaultRenewalMargin, p.config.RenewalMargin)
	assert.Equal(t, DefaultRetryInterval, p.config.RetryInterval)
}

func TestProviderStartStop(t *testing.T) {
	var calls atomic.Int32
	p := NewProvider(expiringIn(3600, &calls), DefaultProviderConfig())

	_, err := p.Current()
	assert.ErrorIs(t, err, ErrProviderNotRunning)

	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.IsRunning())

	tok, err := p.Current()
	require.NoError(t, err)
	assert.False(t, tok.IsExpired())

	// Second Start is a no-op.
	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
	same, _ := p.Current()
	assert.Same(t, tok, same)

	p.Stop()
	p.Stop()
	assert.False(t, p.IsRunning())
	_, err = p.Current()
	assert.ErrorIs(t, err, ErrProviderNotRunning)
}

func TestProviderStartFailures(t *testing.T) {
	t.Run("expired", func(t *testing.T) {
		var calls atomic.Int32
		p := NewProvider(expiringIn(-10, &calls), DefaultProviderConfig())
		err := p.Start(context.Background())
		assert.ErrorIs(t, err, ErrTokenExpired)
		assert.False(t, p.IsRunning())
	})

	t.Run("generation", func(t *testing.T) {
		p := NewProvider(FromFunc(func() (string, error) { return "", errors.New("no key") }), DefaultProviderConfig())
		err := p.Start(context.Background())
		assert.ErrorIs(t, err, ErrGenerationFailed)
		assert.False(t, p.IsRunning())
	})
}

func TestProviderRenewsBeforeExpiry(t *testing.T) {
	var calls atomic.Int32
	plog := &captureLogger{}
	p := NewProvider(expiringIn(4, &calls), ProviderConfig{
		RenewalMargin:  2 * time.Second,
		RetryInterval:  time.Second,
		ProtocolLogger: plog,
	})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	first, err := p.Current()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	next, err := p.WaitForNew(ctx)
	require.NoError(t, err)

	assert.NotSame(t, first, next)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.False(t, next.IsExpired())
	assert.GreaterOrEqual(t, calls.Load(), int32(2))

	current, err := p.Current()
	require.NoError(t, err)
	assert.Same(t, next, current)
	assert.GreaterOrEqual(t, plog.count(hlog.CategoryCredential), 2)
}

func TestProviderRetriesFailedRenewal(t *testing.T) {
	var calls atomic.Int32
	gen := FromFunc(func() (string, error) {
		n := calls.Add(1)
		if n == 2 {
			return "", errors.New("transient")
		}
		return tokenString("a", "b", time.Now().Unix()+3, ""), nil
	})
	p := NewProvider(gen, ProviderConfig{
		RenewalMargin: 2 * time.Second,
		RetryInterval: 200 * time.Millisecond,
	})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := p.WaitForNew(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestProviderRenewalInsideMarginWaitsRetryInterval(t *testing.T) {
	var calls atomic.Int32
	p := NewProvider(expiringIn(30, &calls), ProviderConfig{
		RenewalMargin: 2 * time.Minute,
		RetryInterval: 100 * time.Millisecond,
	})
	require.NoError(t, p.Start(context.Background()))
	time.Sleep(350 * time.Millisecond)
	p.Stop()

	// Start, the immediate renewal, then one renewal per retry interval.
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
	assert.LessOrEqual(t, calls.Load(), int32(6))
}

func TestProviderOutlivesStartContext(t *testing.T) {
	var calls atomic.Int32
	p := NewProvider(expiringIn(3, &calls), ProviderConfig{
		RenewalMargin: 2 * time.Second,
		RetryInterval: time.Second,
	})
	startCtx, cancelStart := context.WithCancel(context.Background())
	require.NoError(t, p.Start(startCtx))
	defer p.Stop()
	cancelStart()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := p.WaitForNew(ctx)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)
	assert.True(t, p.IsRunning())
	tok, err := p.Current()
	require.NoError(t, err)
	assert.False(t, tok.IsExpired())
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestProviderWaitForNew(t *testing.T) {
	t.Run("context cancelled", func(t *testing.T) {
		var calls atomic.Int32
		p := NewProvider(expiringIn(3600, &calls), DefaultProviderConfig())
		require.NoError(t, p.Start(context.Background()))
		defer p.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := p.WaitForNew(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("woken by start", func(t *testing.T) {
		var calls atomic.Int32
		p := NewProvider(expiringIn(3600, &calls), DefaultProviderConfig())
		defer p.Stop()

		got := make(chan *Token, 1)
		go func() {
			tok, _ := p.WaitForNew(context.Background())
			got <- tok
		}()
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, p.Start(context.Background()))

		select {
		case tok := <-got:
			assert.NotNil(t, tok)
		case <-time.After(time.Second):
			t.Fatal("waiter not woken")
		}
	})

	t.Run("woken by stop", func(t *testing.T) {
		var calls atomic.Int32
		p := NewProvider(expiringIn(3600, &calls), DefaultProviderConfig())
		require.NoError(t, p.Start(context.Background()))

		errc := make(chan error, 1)
		go func() {
			_, err := p.WaitForNew(context.Background())
			errc <- err
		}()
		time.Sleep(20 * time.Millisecond)
		p.Stop()

		select {
		case err := <-errc:
			assert.ErrorIs(t, err, ErrProviderNotRunning)
		case <-time.After(time.Second):
			t.Fatal("waiter not woken")
		}
	})
}

func TestWaitUntil(t *testing.T) {
	assert.True(t, waitUntil(context.Background(), time.Now().Add(-time.Second)))
	assert.True(t, waitUntil(context.Background(), time.Now().Add(30*time.Millisecond)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, waitUntil(ctx, time.Now().Add(time.Hour)))
}
