package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/sortline/pkg/types"
)

// fakeTransport scripts Login and Lookup results.
type fakeTransport struct {
	logins  atomic.Int32
	lookups atomic.Int32

	loginFn  func(n int32) (string, error)
	lookupFn func(n int32, barcode, token string) (*LookupResponse, error)
}

func (f *fakeTransport) Login(ctx context.Context) (string, error) {
	n := f.logins.Add(1)
	if f.loginFn != nil {
		return f.loginFn(n)
	}
	return "tok", nil
}

func (f *fakeTransport) Lookup(ctx context.Context, barcode, token string) (*LookupResponse, error) {
	n := f.lookups.Add(1)
	return f.lookupFn(n, barcode, token)
}

func bookResponse() *LookupResponse {
	return &LookupResponse{Meta: &Meta{ProductGroup: "Book"}}
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
	reauths  int
	open     bool
}

func (m *recordingMetrics) RecordLookup(outcome string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) RecordReauth() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reauths++
}

func (m *recordingMetrics) SetBreakerOpen(open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = open
}

func newTestResolver(tr Transport, mutate ...func(*Config)) *Resolver {
	cfg := Config{
		Transport:    tr,
		Pushers:      testPushers,
		CacheTTL:     300 * time.Second,
		Timeout:      time.Second,
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return New(cfg)
}

func TestResolveCachesSuccess(t *testing.T) {
	tr := &fakeTransport{lookupFn: func(n int32, barcode, token string) (*LookupResponse, error) {
		assert.Equal(t, "tok", token)
		return bookResponse(), nil
	}}
	metrics := &recordingMetrics{}
	r := newTestResolver(tr, func(c *Config) { c.Metrics = metrics })

	got, err := r.Resolve(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, types.Routing{PusherID: 3, Label: "Reject Book", TriggerDistance: 200}, got)

	again, err := r.Resolve(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, got, again)

	assert.Equal(t, int32(1), tr.lookups.Load(), "second resolve should hit the cache")
	assert.Equal(t, int32(1), tr.logins.Load())
	assert.Equal(t, []string{OutcomeOK, OutcomeCacheHit}, metrics.outcomes)
}

func TestResolveCacheExpires(t *testing.T) {
	clock := newFakeClock()
	tr := &fakeTransport{lookupFn: func(n int32, barcode, token string) (*LookupResponse, error) {
		return bookResponse(), nil
	}}
	r := newTestResolver(tr, func(c *Config) { c.Now = clock.Now })

	_, err := r.Resolve(context.Background(), "A1")
	require.NoError(t, err)
	clock.Advance(301 * time.Second)
	_, err = r.Resolve(context.Background(), "A1")
	require.NoError(t, err)

	assert.Equal(t, int32(2), tr.lookups.Load())
}

func TestResolveDeduplicatesConcurrentRequests(t *testing.T) {
	release := make(chan struct{})
	tr := &fakeTransport{lookupFn: func(n int32, barcode, token string) (*LookupResponse, error) {
		<-release
		return bookResponse(), nil
	}}
	r := newTestResolver(tr)

	const callers = 10
	var wg sync.WaitGroup
	results := make(chan types.Routing, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.Resolve(context.Background(), "A1")
			assert.NoError(t, err)
			results <- got
		}()
	}

	require.Eventually(t, func() bool { return tr.lookups.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), tr.lookups.Load())
	for got := range results {
		assert.Equal(t, 3, got.PusherID)
	}
}

func TestResolveReauthenticatesOnce(t *testing.T) {
	tr := &fakeTransport{
		loginFn: func(n int32) (string, error) {
			if n == 1 {
				return "stale", nil
			}
			return "fresh", nil
		},
		lookupFn: func(n int32, barcode, token string) (*LookupResponse, error) {
			if token == "stale" {
				return nil, eris.Wrap(ErrUnauthorized, "status 401")
			}
			return bookResponse(), nil
		},
	}
	metrics := &recordingMetrics{}
	r := newTestResolver(tr, func(c *Config) { c.Metrics = metrics })

	got, err := r.Resolve(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.PusherID)
	assert.Equal(t, int32(2), tr.logins.Load())
	assert.Equal(t, int32(2), tr.lookups.Load())
	assert.Equal(t, 1, metrics.reauths)
}

func TestResolveAuthFailureAfterSecondRejection(t *testing.T) {
	tr := &fakeTransport{lookupFn: func(n int32, barcode, token string) (*LookupResponse, error) {
		return nil, eris.Wrap(ErrUnauthorized, "status 401")
	}}
	r := newTestResolver(tr)

	_, err := r.Resolve(context.Background(), "A1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLookupFailed))
	assert.Equal(t, types.KindLookupAuthFailure, KindOf(err))
	assert.Equal(t, int32(2), tr.logins.Load(), "exactly one re-authentication")
	assert.Equal(t, int32(2), tr.lookups.Load())
}

func TestResolveRetriesTransientOnce(t *testing.T) {
	tr := &fakeTransport{lookupFn: func(n int32, barcode, token string) (*LookupResponse, error) {
		if n == 1 {
			return nil, eris.Wrap(ErrTransient, "status 503")
		}
		return bookResponse(), nil
	}}
	r := newTestResolver(tr)

	got, err := r.Resolve(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.PusherID)
	assert.Equal(t, int32(2), tr.lookups.Load())
}

func TestResolveTransientExhausted(t *testing.T) {
	tr := &fakeTransport{lookupFn: func(n int32, barcode, token string) (*LookupResponse, error) {
		return nil, eris.Wrap(ErrTransient, "status 503")
	}}
	r := newTestResolver(tr)

	_, err := r.Resolve(context.Background(), "A1")
	require.Error(t, err)
	assert.Equal(t, types.KindLookupTransient, KindOf(err))
	assert.Equal(t, int32(2), tr.lookups.Load(), "initial attempt plus one retry")

	var le *LookupError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "A1", le.Barcode)
	assert.Equal(t, 2, le.Attempts)
}

func TestResolveNotFoundUsesDefault(t *testing.T) {
	tr := &fakeTransport{lookupFn: func(n int32, barcode, token string) (*LookupResponse, error) {
		return nil, eris.Wrap(ErrNotFound, "status 404")
	}}
	r := newTestResolver(tr)

	got, err := r.Resolve(context.Background(), "UNKNOWN")
	require.NoError(t, err)
	assert.Equal(t, types.Routing{PusherID: 8, Label: "Extra"}, got)

	_, err = r.Resolve(context.Background(), "UNKNOWN")
	require.NoError(t, err)
	assert.Equal(t, int32(2), tr.lookups.Load(), "default decisions are not cached")
}

func TestResolveRejectedIsNotRetried(t *testing.T) {
	tr := &fakeTransport{lookupFn: func(n int32, barcode, token string) (*LookupResponse, error) {
		return nil, eris.Wrap(ErrRejected, "status 418")
	}}
	r := newTestResolver(tr)

	_, err := r.Resolve(context.Background(), "A1")
	require.Error(t, err)
	assert.Equal(t, types.KindLookupFailed, KindOf(err))
	assert.Equal(t, int32(1), tr.lookups.Load())
}

func TestResolveWithoutTransport(t *testing.T) {
	r := newTestResolver(nil)

	_, err := r.Resolve(context.Background(), "A1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoTransport))
	assert.Equal(t, types.KindLookupFailed, KindOf(err))
	assert.Contains(t, r.Alerts(), "lookup transport not configured")
}

func TestResolveBreakerOpens(t *testing.T) {
	tr := &fakeTransport{lookupFn: func(n int32, barcode, token string) (*LookupResponse, error) {
		return nil, eris.Wrap(ErrTransient, "status 502")
	}}
	metrics := &recordingMetrics{}
	r := newTestResolver(tr, func(c *Config) {
		c.MaxRetries = 0
		c.BreakerFailures = 2
		c.BreakerTimeout = time.Hour
		c.Metrics = metrics
	})

	for _, code := range []string{"A1", "A2"} {
		_, err := r.Resolve(context.Background(), code)
		require.Error(t, err)
	}
	assert.Equal(t, "open", r.BreakerState())
	assert.Contains(t, r.Alerts(), "lookup circuit breaker open")
	assert.True(t, metrics.open)

	_, err := r.Resolve(context.Background(), "A3")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, types.KindLookupTransient, KindOf(err))
	assert.Equal(t, int32(2), tr.lookups.Load(), "open breaker short-circuits the call")
}

func TestResolveNonTransientDoesNotTripBreaker(t *testing.T) {
	tr := &fakeTransport{lookupFn: func(n int32, barcode, token string) (*LookupResponse, error) {
		return nil, eris.Wrap(ErrNotFound, "status 404")
	}}
	r := newTestResolver(tr, func(c *Config) { c.BreakerFailures = 1 })

	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), "X")
		require.NoError(t, err)
	}
	assert.Equal(t, "closed", r.BreakerState())
}

func TestResolveCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	tr := &fakeTransport{lookupFn: func(n int32, barcode, token string) (*LookupResponse, error) {
		<-release
		return bookResponse(), nil
	}}
	r := newTestResolver(tr, func(c *Config) { c.Timeout = 5 * time.Second })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Resolve(ctx, "A1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolveLateRejectionKeepsNewerToken(t *testing.T) {
	releaseB := make(chan struct{})
	tr := &fakeTransport{
		loginFn: func(n int32) (string, error) {
			return fmt.Sprintf("tok-%d", n), nil
		},
		lookupFn: func(n int32, barcode, token string) (*LookupResponse, error) {
			if token == "tok-1" {
				if barcode == "B" {
					<-releaseB
				}
				return nil, eris.Wrap(ErrUnauthorized, "status 401")
			}
			return bookResponse(), nil
		},
	}
	r := newTestResolver(tr)

	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), "B")
		done <- err
	}()
	require.Eventually(t, func() bool { return tr.lookups.Load() == 1 }, time.Second, time.Millisecond)

	// A 被拒後重新登入，拿到 tok-2
	_, err := r.Resolve(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, int32(2), tr.logins.Load())

	// B 在舊權杖上遲到的 401 不可清掉 tok-2
	close(releaseB)
	require.NoError(t, <-done)
	assert.Equal(t, int32(2), tr.logins.Load(), "late rejection of tok-1 must not force another login")

	token, err := r.currentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)
}

func TestInvalidateTokenOnlyClearsRejectedToken(t *testing.T) {
	r := newTestResolver(&fakeTransport{})
	r.token = "tok-2"

	r.invalidateToken("tok-1")
	assert.Equal(t, "tok-2", r.token)

	r.invalidateToken("tok-2")
	assert.Empty(t, r.token)
}

func TestBudget(t *testing.T) {
	r := newTestResolver(&fakeTransport{}, func(c *Config) {
		c.Timeout = 15 * time.Second
		c.MaxRetries = 1
		c.RetryBackoff = 200 * time.Millisecond
	})
	// 三次嘗試（首次、重試、重新認證後重試），每次登入 + 查詢各 15s
	assert.Equal(t, 90*time.Second+200*time.Millisecond+budgetSlack, r.Budget())

	none := newTestResolver(&fakeTransport{}, func(c *Config) {
		c.Timeout = time.Second
		c.MaxRetries = 0
	})
	assert.Equal(t, 4*time.Second+budgetSlack, none.Budget())
}

func TestKindOfCallerDeadlineIsTransient(t *testing.T) {
	assert.Equal(t, types.KindLookupTransient, KindOf(context.DeadlineExceeded))
	assert.Equal(t, types.KindLookupTransient, KindOf(eris.Wrap(context.DeadlineExceeded, "lookup worker")))
	assert.Equal(t, types.KindLookupFailed, KindOf(context.Canceled))
	assert.Equal(t, types.KindLookupFailed, KindOf(errors.New("boom")))
}
