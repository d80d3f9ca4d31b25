package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/sortline/pkg/types"
)

type memoryWriter struct {
	mu      sync.Mutex
	batches [][]kafka.Message
	err     error
	closed  bool
}

func (w *memoryWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, append([]kafka.Message(nil), msgs...))
	return nil
}

func (w *memoryWriter) Close() error {
	w.closed = true
	return nil
}

func (w *memoryWriter) all() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []kafka.Message
	for _, b := range w.batches {
		out = append(out, b...)
	}
	return out
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{}, &memoryWriter{}, nil)
	assert.Error(t, err)

	_, err = New(Config{Topic: "sortline.items"}, nil, nil)
	assert.Error(t, err, "brokers are required without an injected writer")
}

func TestMessage(t *testing.T) {
	p, err := New(Config{Topic: "sortline.items", Source: "sortline/line-1"}, &memoryWriter{}, nil)
	require.NoError(t, err)

	ev := types.Event{
		ID:         "ev-1",
		Type:       types.EventActuated,
		Barcode:    "A1",
		PositionID: 101,
		PusherID:   3,
		Time:       time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
	}
	msg, err := p.Message(ev)
	require.NoError(t, err)

	assert.Equal(t, "A1", string(msg.Key))
	assert.Equal(t, "item.actuated", header(msg, "ce-type"))
	assert.Equal(t, "sortline/line-1", header(msg, "ce-source"))
	assert.Equal(t, "ev-1", header(msg, "ce-id"))

	var decoded types.Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, 101, decoded.PositionID)
	assert.Equal(t, 3, decoded.PusherID)
}

func TestOrphanEventKeyedByType(t *testing.T) {
	p, err := New(Config{Topic: "t"}, &memoryWriter{}, nil)
	require.NoError(t, err)

	msg, err := p.Message(types.Event{Type: types.EventOrphan, PositionID: 101})
	require.NoError(t, err)
	assert.Equal(t, "photo_eye.orphan", string(msg.Key))
}

func TestRunBatchesAndFlushesOnClose(t *testing.T) {
	w := &memoryWriter{}
	p, err := New(Config{Topic: "t", BatchSize: 2, BatchTimeout: time.Hour}, w, nil)
	require.NoError(t, err)

	events := make(chan types.Event, 8)
	for _, b := range []string{"A", "B", "C"} {
		events <- types.Event{Type: types.EventCreated, Barcode: b}
	}
	close(events)

	require.NoError(t, p.Run(context.Background(), events))

	w.mu.Lock()
	batches := len(w.batches)
	w.mu.Unlock()
	assert.Equal(t, 2, batches, "one full batch plus the remainder")
	assert.Len(t, w.all(), 3)
}

func TestRunSurvivesWriteErrors(t *testing.T) {
	w := &memoryWriter{err: errors.New("leader not available")}
	p, err := New(Config{Topic: "t", BatchSize: 1}, w, nil)
	require.NoError(t, err)

	events := make(chan types.Event, 2)
	events <- types.Event{Type: types.EventCreated, Barcode: "A"}
	events <- types.Event{Type: types.EventCreated, Barcode: "B"}
	close(events)

	assert.NoError(t, p.Run(context.Background(), events))
	assert.Empty(t, w.all())

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}
