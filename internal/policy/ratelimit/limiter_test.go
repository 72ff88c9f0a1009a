package ratelimit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_SpacesSameDomain(t *testing.T) {
	t.Parallel()

	l := New(Config{Default: 50 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "example.fr"))
	assert.Less(t, time.Since(start), 20*time.Millisecond, "first grant is immediate")

	require.NoError(t, l.Wait(ctx, "example.fr"))
	require.NoError(t, l.Wait(ctx, "example.fr"))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiter_DifferentDomains(t *testing.T) {
	t.Parallel()

	l := New(Config{Default: time.Second})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "a.fr"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "b.fr"))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "domain b must not wait on domain a")
}

func TestLimiter_OverridesAndKey(t *testing.T) {
	t.Parallel()

	l := New(Config{
		Default:   10 * time.Millisecond,
		Overrides: map[string]time.Duration{"lemonde.fr": time.Second},
		Key:       func(d string) string { return strings.TrimPrefix(d, "www.") },
	})
	assert.Equal(t, time.Second, l.Interval("www.lemonde.fr"))
	assert.Equal(t, 10*time.Millisecond, l.Interval("liberation.fr"))

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "lemonde.fr"))

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := l.Wait(short, "www.lemonde.fr")
	require.ErrorIs(t, err, context.DeadlineExceeded, "www. variant shares the lemonde.fr gate")
}

func TestLimiter_CancelWhileQueued(t *testing.T) {
	t.Parallel()

	l := New(Config{Default: 200 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "example.fr"))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err := l.Wait(canceled, "example.fr")
	require.ErrorIs(t, err, context.Canceled)

	// The aborted waiter must not have consumed a grant or left the slot taken.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "example.fr"))
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestLimiter_ConcurrentGrantsNeverCloserThanInterval(t *testing.T) {
	t.Parallel()

	const interval = 20 * time.Millisecond
	l := New(Config{Default: interval})
	ctx := context.Background()

	var (
		mu     sync.Mutex
		grants []time.Time
		wg     sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Wait(ctx, "busy.fr"); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			grants = append(grants, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, grants, 8)
	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })
	for i := 1; i < len(grants); i++ {
		// Allow scheduler jitter between the grant and the append.
		assert.GreaterOrEqual(t, grants[i].Sub(grants[i-1]), interval-5*time.Millisecond)
	}
}

// A domain with N URLs at interval d takes at least (N-1)*d even when other
// domains run alongside it.
func TestLimiter_BusierDomainLowerBound(t *testing.T) {
	t.Parallel()

	const interval = 4 * time.Millisecond
	l := New(Config{
		Default:   interval,
		Overrides: map[string]time.Duration{"slow.fr": 2 * interval},
	})
	ctx := context.Background()

	jobs := map[string]int{"fast.fr": 10, "busy.fr": 26, "slow.fr": 5}
	start := time.Now()
	var wg sync.WaitGroup
	for domain, n := range jobs {
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(domain string) {
				defer wg.Done()
				assert.NoError(t, l.Wait(ctx, domain))
			}(domain)
		}
	}
	wg.Wait()
	assert.GreaterOrEqual(t, time.Since(start), 25*interval)
}
