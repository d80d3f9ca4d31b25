// ============================================================================
// Sortline 整合測試共用工具
// ============================================================================
//
// Package: test/integration
// 文件: harness_test.go
// 功能: 假查詢服務（httptest）、假時鐘、記錄推桿命令的 PLC，
//       以及組裝真實 resolver + controller 的 newLine
//
// ============================================================================

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/sortline/internal/controller"
	"github.com/ChuLiYu/sortline/internal/resolver"
	"github.com/ChuLiYu/sortline/internal/snapshot"
	"github.com/ChuLiYu/sortline/pkg/types"
)

var testPushers = types.PusherTable{
	{ID: 1, Label: "Amazon", Distance: 150},
	{ID: 2, Label: "eBay", Distance: 250},
	{ID: 3, Label: "Reject Book", Distance: 350},
	{ID: 4, Label: "Reject Music", Distance: 450},
	{ID: 8, Label: "Extra", Distance: 900},
}

// catalogue 條碼前綴 → 查詢服務回應
var catalogue = map[string]string{
	"AMZ": `{"winner":{"winnerModule":"marketplace","winnerSubModule":"Amazon"}}`,
	"EBY": `{"winner":{"winnerModule":"marketplace","winnerSubModule":"eBay"}}`,
	"BOK": `{"meta":{"product_group":"Book"}}`,
	"MUS": `{"meta":{"product_group":"Music"}}`,
	"TOY": `{"meta":{"product_group":"Toy"}}`,
}

// ============================================================================
// 假查詢服務
// ============================================================================

type lookupService struct {
	*httptest.Server

	logins  atomic.Int64
	lookups atomic.Int64

	rejectFirstToken atomic.Bool // 第一個 token 的第一次查詢回 401
	unavailable      atomic.Bool // 所有查詢回 503
	delay            atomic.Int64 // 每次查詢的延遲（奈秒）
}

func newLookupService(t testing.TB) *lookupService {
	t.Helper()
	s := &lookupService{}
	var rejected atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		n := s.logins.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": fmt.Sprintf("tok-%d", n)})
	})
	mux.HandleFunc("/items/", func(w http.ResponseWriter, r *http.Request) {
		s.lookups.Add(1)
		if s.unavailable.Load() {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		if s.rejectFirstToken.Load() && r.URL.Query().Get("token") == "tok-1" && rejected.CompareAndSwap(false, true) {
			http.Error(w, "token expired", http.StatusUnauthorized)
			return
		}
		if d := time.Duration(s.delay.Load()); d > 0 {
			time.Sleep(d)
		}

		barcode := strings.TrimPrefix(r.URL.Path, "/items/")
		if len(barcode) >= 3 {
			if body, ok := catalogue[barcode[:3]]; ok {
				_, _ = w.Write([]byte(body))
				return
			}
		}
		http.Error(w, `{"error":"no results"}`, http.StatusBadRequest)
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *lookupService) transport() resolver.Transport {
	return resolver.NewHTTPTransport(
		s.URL+"/login",
		s.URL+"/items/{scan}?token={token}",
		resolver.Credentials{Email: "it@example.com", Password: "secret"},
		resolver.WithHTTPClient(s.Client()),
	)
}

// ============================================================================
// 假時鐘與記錄型 PLC
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type pusherWrite struct {
	PositionID int
	PusherID   int
}

type recordingPLC struct {
	mu     sync.Mutex
	writes []pusherWrite
}

func (p *recordingPLC) Write(_ context.Context, positionID, pusherID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, pusherWrite{positionID, pusherID})
	return nil
}

func (p *recordingPLC) Writes() []pusherWrite {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pusherWrite, len(p.writes))
	copy(out, p.writes)
	return out
}

// ============================================================================
// 分揀線組裝
// ============================================================================

type lineOptions struct {
	clock     *fakeClock // nil 時使用真實時間
	tick      time.Duration
	speed     float64
	workers   int
	snapshots *snapshot.Manager
}

type line struct {
	ctrl     *controller.Controller
	resolver *resolver.Resolver
	plc      *recordingPLC
	events   <-chan types.Event
}

// newLine 組裝真實的 resolver 與 controller，並訂閱事件
func newLine(t testing.TB, svc *lookupService, opts lineOptions) *line {
	t.Helper()

	now := time.Now
	if opts.clock != nil {
		now = opts.clock.Now
	}
	if opts.tick <= 0 {
		opts.tick = time.Hour // 測試手動呼叫 Tick
	}
	if opts.speed <= 0 {
		opts.speed = 100
	}
	if opts.workers <= 0 {
		opts.workers = 4
	}

	res := resolver.New(resolver.Config{
		Transport:    svc.transport(),
		Pushers:      testPushers,
		CacheTTL:     time.Minute,
		Timeout:      2 * time.Second,
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
		Now:          now,
	})

	plc := &recordingPLC{}
	ctrl, err := controller.NewController(controller.Config{
		Resolver:      res,
		Actuator:      plc,
		BeltSpeed:     opts.speed,
		TickInterval:  opts.tick,
		LookupWorkers: opts.workers,
		LookupTimeout: 5 * time.Second,
		Cache:         res.Cache(),
		Snapshots:     opts.snapshots,
		Now:           now,
	})
	require.NoError(t, err)

	events, _ := ctrl.Subscribe("integration", 4096)
	require.NoError(t, ctrl.Start())
	t.Cleanup(ctrl.Stop)

	return &line{ctrl: ctrl, resolver: res, plc: plc, events: events}
}

// waitEvent 等待符合條件的事件
func (l *line) waitEvent(t testing.TB, match func(types.Event) bool) types.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-l.events:
			require.True(t, ok, "event stream closed")
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return types.Event{}
		}
	}
}

// waitRouted 等待指定條碼全部取得路由
func (l *line) waitRouted(t testing.TB, barcodes ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, b := range barcodes {
			item, ok := l.ctrl.Get(b)
			if !ok || item.Routing == nil {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
}

func isEvent(typ types.EventType, barcode string) func(types.Event) bool {
	return func(ev types.Event) bool {
		return ev.Type == typ && ev.Barcode == barcode
	}
}
