// ============================================================================
// Package: resolver
// 文件: resolver.go
// 功能: 路由查詢解析器 - 快取、去重、認證與有限重試
// ============================================================================
//
// Resolver 將條碼轉換為路由決策（推桿、標籤、觸發距離）：
//   1. 快取命中直接返回（TTL 內）
//   2. 同一條碼的並行請求合併為一次遠端查詢（singleflight）
//   3. 401/403 時作廢權杖、重新登入並重試一次
//   4. 暫時性錯誤（網路、逾時、5xx）有限次重試
//   5. 查無此條碼時返回預設路由（最低優先權推桿、距離 0），不寫入快取
//
// 遠端呼叫經過速率限制器與斷路器。只有暫時性錯誤計入斷路器失敗次數。
// ============================================================================

package resolver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/sortline/pkg/types"
)

// Lookup outcomes reported to Metrics.
const (
	OutcomeOK          = "ok"
	OutcomeCacheHit    = "cache_hit"
	OutcomeNotFound    = "not_found"
	OutcomeAuthFailure = "auth_failure"
	OutcomeTransient   = "transient"
	OutcomeFailed      = "failed"
)

// Metrics receives resolver observations. A nil Metrics is ignored.
type Metrics interface {
	RecordLookup(outcome string, d time.Duration)
	RecordReauth()
	SetBreakerOpen(open bool)
}

// Config 解析器設定
type Config struct {
	Transport Transport
	Pushers   types.PusherTable

	DefaultLabel string
	CacheTTL     time.Duration
	Timeout      time.Duration // 單次遠端呼叫逾時
	MaxRetries   int           // 暫時性錯誤的額外重試次數
	RetryBackoff time.Duration

	RateLimit float64 // 每秒遠端呼叫數，<= 0 表示不限制
	Burst     int

	BreakerFailures uint32
	BreakerTimeout  time.Duration

	Logger  *zap.Logger
	Metrics Metrics
	Now     func() time.Time
}

func (c *Config) applyDefaults() {
	if c.DefaultLabel == "" {
		c.DefaultLabel = DefaultLabel
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Resolver 路由查詢解析器
type Resolver struct {
	cfg     Config
	log     *zap.Logger
	cache   *Cache
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	flights singleflight.Group // 以條碼為鍵合併查詢
	logins  singleflight.Group // 合併並行登入

	mu    sync.Mutex
	token string
}

// New 建立解析器
//
// 參數：
//   - cfg: 解析器設定；Transport 可為 nil（所有查詢返回 ErrNoTransport）
func New(cfg Config) *Resolver {
	cfg.applyDefaults()

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	r := &Resolver{
		cfg:     cfg,
		log:     cfg.Logger.Named("resolver"),
		cache:   NewCache(cfg.CacheTTL, cfg.Now),
		limiter: rate.NewLimiter(limit, cfg.Burst),
	}

	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "lookup",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if cfg.Metrics != nil {
				cfg.Metrics.SetBreakerOpen(to == gobreaker.StateOpen)
			}
		},
	})

	return r
}

// budgetSlack covers rate limiter waits and scheduling on top of the call timeouts.
const budgetSlack = time.Second

// Budget is the longest a single Resolve can take: every attempt (first call,
// MaxRetries retries and one re-authenticated retry) may log in and look up,
// each bounded by Timeout, with RetryBackoff between transient retries.
// Callers that put their own deadline on Resolve should allow at least this.
func (r *Resolver) Budget() time.Duration {
	attempts := time.Duration(r.cfg.MaxRetries + 2)
	return attempts*2*r.cfg.Timeout +
		time.Duration(r.cfg.MaxRetries)*r.cfg.RetryBackoff +
		budgetSlack
}

// Cache exposes the routing cache for persistence.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// BreakerState returns the breaker state name (closed, half-open, open).
func (r *Resolver) BreakerState() string {
	return r.breaker.State().String()
}

// Alerts lists conditions that make the resolver unhealthy.
func (r *Resolver) Alerts() []string {
	var alerts []string
	if r.cfg.Transport == nil {
		alerts = append(alerts, "lookup transport not configured")
	}
	if r.breaker.State() == gobreaker.StateOpen {
		alerts = append(alerts, "lookup circuit breaker open")
	}
	return alerts
}

// Resolve 解析條碼的路由決策
//
// 返回值：
//   - types.Routing: 路由決策（查無資料時為預設路由）
//   - error: *LookupError，可用 KindOf 取得錯誤分類；或 ctx 的錯誤
//
// 併發安全：同一條碼的並行呼叫只觸發一次遠端查詢。
// 呼叫者取消 ctx 只會讓自己提前返回，不會中斷共享的查詢。
func (r *Resolver) Resolve(ctx context.Context, barcode string) (types.Routing, error) {
	if routing, ok := r.cache.Get(barcode); ok {
		r.record(OutcomeCacheHit, 0)
		return routing, nil
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := r.flights.DoChan(barcode, func() (interface{}, error) {
		return r.resolve(flightCtx, barcode)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return types.Routing{}, res.Err
		}
		return res.Val.(types.Routing), nil
	case <-ctx.Done():
		return types.Routing{}, ctx.Err()
	}
}

// resolve 執行一次完整的查詢流程（含重新認證與重試）
func (r *Resolver) resolve(ctx context.Context, barcode string) (types.Routing, error) {
	start := r.cfg.Now()
	log := r.log.With(zap.String("barcode", barcode))

	if r.cfg.Transport == nil {
		r.record(OutcomeFailed, 0)
		return types.Routing{}, &LookupError{Barcode: barcode, Kind: types.KindLookupFailed, Err: ErrNoTransport}
	}

	reauthed := false
	retriesLeft := r.cfg.MaxRetries
	attempts := 0

	for {
		attempts++
		resp, token, err := r.attempt(ctx, barcode)

		switch {
		case err == nil:
			routing := Decide(r.cfg.Pushers, Label(resp, r.cfg.DefaultLabel))
			r.cache.Put(barcode, routing)
			r.record(OutcomeOK, r.cfg.Now().Sub(start))
			log.Debug("lookup resolved",
				zap.Int("pusher", routing.PusherID),
				zap.String("label", routing.Label),
				zap.Int("attempts", attempts))
			return routing, nil

		case errors.Is(err, ErrNotFound):
			routing := DefaultRouting(r.cfg.Pushers, r.cfg.DefaultLabel)
			r.record(OutcomeNotFound, r.cfg.Now().Sub(start))
			log.Info("barcode unknown to lookup service, using default routing",
				zap.Int("pusher", routing.PusherID))
			return routing, nil

		case errors.Is(err, ErrUnauthorized):
			r.invalidateToken(token)
			if reauthed {
				r.record(OutcomeAuthFailure, r.cfg.Now().Sub(start))
				return types.Routing{}, r.fail(log, barcode, types.KindLookupAuthFailure, attempts, err)
			}
			reauthed = true
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.RecordReauth()
			}
			log.Info("lookup token rejected, re-authenticating")

		case errors.Is(err, ErrCircuitOpen):
			r.record(OutcomeTransient, r.cfg.Now().Sub(start))
			return types.Routing{}, r.fail(log, barcode, types.KindLookupTransient, attempts, err)

		case isTransient(err):
			if retriesLeft <= 0 {
				r.record(OutcomeTransient, r.cfg.Now().Sub(start))
				return types.Routing{}, r.fail(log, barcode, types.KindLookupTransient, attempts, err)
			}
			retriesLeft--
			log.Debug("transient lookup failure, retrying", zap.Error(err), zap.Int("attempt", attempts))
			if werr := sleepCtx(ctx, r.cfg.RetryBackoff); werr != nil {
				return types.Routing{}, r.fail(log, barcode, types.KindLookupTransient, attempts, werr)
			}

		default:
			r.record(OutcomeFailed, r.cfg.Now().Sub(start))
			return types.Routing{}, r.fail(log, barcode, types.KindLookupFailed, attempts, err)
		}
	}
}

// attempt 取得權杖並執行一次遠端查詢
//
// 返回值：
//   - 查詢結果
//   - 本次使用的權杖（被拒時只讓這一個權杖失效）
//   - error: 傳輸層分類後的錯誤
func (r *Resolver) attempt(ctx context.Context, barcode string) (*LookupResponse, string, error) {
	token, err := r.currentToken(ctx)
	if err != nil {
		return nil, "", err
	}

	var resp *LookupResponse
	err = r.guarded(ctx, func(callCtx context.Context) error {
		var lerr error
		resp, lerr = r.cfg.Transport.Lookup(callCtx, barcode, token)
		return lerr
	})
	return resp, token, err
}

// currentToken 返回目前權杖，必要時登入（並行登入合併為一次）
func (r *Resolver) currentToken(ctx context.Context) (string, error) {
	r.mu.Lock()
	token := r.token
	r.mu.Unlock()
	if token != "" {
		return token, nil
	}

	v, err, _ := r.logins.Do("login", func() (interface{}, error) {
		var tok string
		err := r.guarded(ctx, func(callCtx context.Context) error {
			var lerr error
			tok, lerr = r.cfg.Transport.Login(callCtx)
			return lerr
		})
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.token = tok
		r.mu.Unlock()
		r.log.Info("lookup service login succeeded")
		return tok, nil
	})
	if err != nil {
		return "", eris.Wrap(err, "acquire lookup token")
	}
	return v.(string), nil
}

// invalidateToken 清除被拒的權杖；若其他查詢已換到新權杖則保留
func (r *Resolver) invalidateToken(rejected string) {
	r.mu.Lock()
	if r.token == rejected {
		r.token = ""
	}
	r.mu.Unlock()
}

// guarded 經速率限制與斷路器執行遠端呼叫
func (r *Resolver) guarded(ctx context.Context, fn func(context.Context) error) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return eris.Wrap(ErrTransient, "rate limiter: "+err.Error())
	}

	var callErr error
	_, err := r.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()

		callErr = fn(callCtx)
		if callErr != nil && isTransient(callErr) {
			return nil, callErr
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return eris.Wrap(ErrCircuitOpen, err.Error())
	}
	if err != nil {
		return err
	}
	return callErr
}

func (r *Resolver) fail(log *zap.Logger, barcode string, kind types.ErrorKind, attempts int, err error) error {
	log.Warn("lookup failed",
		zap.String("kind", string(kind)),
		zap.Int("attempts", attempts),
		zap.Error(err))
	return &LookupError{Barcode: barcode, Kind: kind, Attempts: attempts, Err: err}
}

func (r *Resolver) record(outcome string, d time.Duration) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordLookup(outcome, d)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
