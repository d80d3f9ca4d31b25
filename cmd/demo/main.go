// Command demo runs a complete sorting flow in one process: a fake lookup
// service (httptest), the real resolver and controller, and an in-memory PLC
// that prints every pusher command.
//
//	go run ./cmd/demo              # 12 items at belt speed 200
//	go run ./cmd/demo -n 30 -speed 400
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/sortline/internal/config"
	"github.com/ChuLiYu/sortline/internal/controller"
	"github.com/ChuLiYu/sortline/internal/resolver"
	"github.com/ChuLiYu/sortline/pkg/types"
)

var defaultPushers = types.PusherTable{
	{ID: 1, Label: "Amazon", Distance: 150},
	{ID: 2, Label: "eBay", Distance: 250},
	{ID: 3, Label: "Reject Book", Distance: 350},
	{ID: 4, Label: "Reject Music", Distance: 450},
	{ID: 5, Label: "Reject DVD", Distance: 550},
	{ID: 6, Label: "Reject Video Game", Distance: 650},
	{ID: 8, Label: "Extra", Distance: 900},
}

// catalogue 假查詢服務的資料：條碼前綴 → 回應
var catalogue = map[string]string{
	"AMZ": `{"winner":{"winnerModule":"marketplace","winnerSubModule":"Amazon"}}`,
	"EBY": `{"winner":{"winnerModule":"marketplace","winnerSubModule":"eBay"}}`,
	"BOK": `{"meta":{"product_group":"Book"}}`,
	"MUS": `{"meta":{"product_group":"Music"}}`,
	"DVD": `{"meta":{"product_group":"DVD"}}`,
	"VGM": `{"meta":{"product_group":"Video Game"}}`,
	"MSC": `{"meta":{"product_group":"Toy"}}`,
}

func main() {
	count := flag.Int("n", 12, "number of items")
	speed := flag.Float64("speed", 200, "belt speed (units/s)")
	pushersFile := flag.String("pushers", "configs/pushers.yaml", "pusher table (built-in table when missing)")
	verbose := flag.Bool("v", false, "show controller logs")
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()

	pushers, err := config.LoadPushers(*pushersFile)
	if err != nil || len(pushers) == 0 {
		pushers = defaultPushers
	}

	lookup := newFakeLookup()
	defer lookup.Close()

	res := resolver.New(resolver.Config{
		Transport: resolver.NewHTTPTransport(
			lookup.URL+"/login",
			lookup.URL+"/items/{scan}?token={token}",
			resolver.Credentials{Email: "demo@example.com", Password: "demo"},
		),
		Pushers:    pushers,
		CacheTTL:   5 * time.Minute,
		MaxRetries: 1,
		Logger:     logger,
	})

	plc := &memoryPLC{}
	ctrl, err := controller.NewController(controller.Config{
		Resolver:      res,
		Actuator:      plc,
		BeltSpeed:     *speed,
		TickInterval:  50 * time.Millisecond,
		LookupWorkers: 4,
		Cache:         res.Cache(),
		Logger:        logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create controller: %v\n", err)
		os.Exit(1)
	}

	events, _ := ctrl.Subscribe("demo", 256)
	if err := ctrl.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start controller: %v\n", err)
		os.Exit(1)
	}
	defer ctrl.Stop()

	fmt.Printf("✓ Controller started (belt speed %.0f, %d pushers)\n\n", *speed, len(pushers))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var finished atomic.Int64
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		for ev := range events {
			printEvent(ev)
			if ev.Type == types.EventActuated || ev.Type == types.EventErrored {
				finished.Add(1)
			}
		}
	}()

	prefixes := []string{"AMZ", "EBY", "BOK", "MUS", "DVD", "VGM", "MSC", "UNK"}
	for i := 0; i < *count; i++ {
		barcode := fmt.Sprintf("%s%05d", prefixes[i%len(prefixes)], i+1)
		if err := ctrl.OnScan(barcode); err != nil {
			fmt.Printf("scan %s rejected: %v\n", barcode, err)
			continue
		}
		if !sleep(ctx, 150*time.Millisecond) {
			break
		}
		if err := ctrl.OnPhotoEye(101 + i%50); err != nil {
			fmt.Printf("photo-eye rejected: %v\n", err)
		}
		if !sleep(ctx, 100*time.Millisecond) {
			break
		}
	}

	// 等待所有物件到達推桿或結束
	deadline := time.Now().Add(15 * time.Second)
	for finished.Load() < int64(*count) && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}

	ctrl.Stop()
	<-printerDone

	fmt.Printf("\n📊 Summary:\n")
	fmt.Printf("  Items:          %d\n", *count)
	fmt.Printf("  Finished:       %d\n", finished.Load())
	fmt.Printf("  Pusher writes:  %d\n", plc.Count())
	fmt.Printf("  Lookup logins:  %d (first token is rejected once to show re-auth)\n", lookup.logins.Load())
}

func printEvent(ev types.Event) {
	switch ev.Type {
	case types.EventCreated:
		fmt.Printf("  📦 %-9s scanned\n", ev.Barcode)
	case types.EventMatched:
		fmt.Printf("  👁  %-9s at position %d\n", ev.Barcode, ev.PositionID)
	case types.EventRouted:
		fmt.Printf("  🧭 %-9s → pusher %d %q (%.0f)\n", ev.Barcode, ev.PusherID, ev.Label, ev.TriggerDistance)
	case types.EventActuated:
		fmt.Printf("  ✅ %-9s pushed by %d at %.0f\n", ev.Barcode, ev.PusherID, ev.EstimatedPosition)
	case types.EventErrored:
		fmt.Printf("  ❌ %-9s %s: %s\n", ev.Barcode, ev.Kind, ev.Reason)
	case types.EventOrphan:
		fmt.Printf("  ⚠️  orphan photo-eye pulse at %d\n", ev.PositionID)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// memoryPLC 記錄推桿命令的假 PLC
type memoryPLC struct {
	mu     sync.Mutex
	writes int
}

func (p *memoryPLC) Write(_ context.Context, positionID, pusherID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	fmt.Printf("  🔧 PLC bucket %d ← pusher %d\n", positionID, pusherID)
	return nil
}

func (p *memoryPLC) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

var _ controller.Actuator = (*memoryPLC)(nil)

type fakeLookup struct {
	*httptest.Server
	logins atomic.Int64
}

// newFakeLookup 假查詢服務：第一個 token 在第一次查詢時被拒絕（401），
// 讓 resolver 走一次重新登入
func newFakeLookup() *fakeLookup {
	f := &fakeLookup{}
	var rejected atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		n := f.logins.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": fmt.Sprintf("tok-%d", n)})
	})
	mux.HandleFunc("/items/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") == "tok-1" && rejected.CompareAndSwap(false, true) {
			http.Error(w, "token expired", http.StatusUnauthorized)
			return
		}
		time.Sleep(20 * time.Millisecond)

		barcode := strings.TrimPrefix(r.URL.Path, "/items/")
		if len(barcode) >= 3 {
			if body, ok := catalogue[barcode[:3]]; ok {
				_, _ = w.Write([]byte(body))
				return
			}
		}
		http.Error(w, `{"error":"no results"}`, http.StatusBadRequest)
	})

	f.Server = httptest.NewServer(mux)
	return f
}
