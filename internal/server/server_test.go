package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/sortline/internal/controller"
	"github.com/ChuLiYu/sortline/internal/events"
	"github.com/ChuLiYu/sortline/internal/itemmanager"
	"github.com/ChuLiYu/sortline/pkg/types"
)

type fakeEngine struct {
	mu     sync.Mutex
	scans  []string
	pulses []int
	items  map[string]types.Item
	bus    *events.Bus
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{items: make(map[string]types.Item), bus: events.NewBus()}
}

func (f *fakeEngine) OnScan(barcode string) error {
	if barcode == "" {
		return controller.ErrEmptyBarcode
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, barcode)
	f.items[barcode] = types.Item{ID: barcode, Status: types.StatusPending}
	return nil
}

func (f *fakeEngine) OnPhotoEye(positionID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulses = append(f.pulses, positionID)
	return nil
}

func (f *fakeEngine) Forget(barcode string) (types.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[barcode]
	if !ok {
		return types.Item{}, itemmanager.ErrItemNotFound
	}
	delete(f.items, barcode)
	return item, nil
}

func (f *fakeEngine) Snapshot() []types.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Item, 0, len(f.items))
	for _, item := range f.items {
		out = append(out, item)
	}
	return out
}

func (f *fakeEngine) Subscribe(name string, buffer int) (<-chan types.Event, func()) {
	return f.bus.Subscribe(name, buffer)
}

func startTestServer(t *testing.T, engine Engine) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	gs := NewGRPCServer(NewServer(engine, nil))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestScanAndPhotoEye(t *testing.T) {
	engine := newFakeEngine()
	client := startTestServer(t, engine)
	ctx := context.Background()

	require.NoError(t, client.Scan(ctx, "A1"))
	require.NoError(t, client.PhotoEye(ctx, 101))

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.Equal(t, []string{"A1"}, engine.scans)
	assert.Equal(t, []int{101}, engine.pulses)
}

func TestScanInvalidArgument(t *testing.T) {
	client := startTestServer(t, newFakeEngine())

	err := client.Scan(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestListAndForget(t *testing.T) {
	engine := newFakeEngine()
	client := startTestServer(t, engine)
	ctx := context.Background()

	require.NoError(t, client.Scan(ctx, "A1"))

	items, err := client.ListItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "A1", items[0].ID)
	assert.Equal(t, types.StatusPending, items[0].Status)

	item, err := client.Forget(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "A1", item.ID)

	_, err = client.Forget(ctx, "A1")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestWatchStreamsEvents(t *testing.T) {
	engine := newFakeEngine()
	client := startTestServer(t, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan types.Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- client.Watch(ctx, func(ev types.Event) { received <- ev })
	}()

	require.Eventually(t, func() bool { return engine.bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	engine.bus.Publish(types.Event{Type: types.EventActuated, Barcode: "A1", PositionID: 101, PusherID: 3})

	select {
	case ev := <-received:
		assert.Equal(t, types.EventActuated, ev.Type)
		assert.Equal(t, "A1", ev.Barcode)
		assert.Equal(t, 101, ev.PositionID)
		assert.Equal(t, 3, ev.PusherID)
		assert.NotEmpty(t, ev.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not streamed")
	}

	engine.bus.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch should end when the bus closes")
	}
}
