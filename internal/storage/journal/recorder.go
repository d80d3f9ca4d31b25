package journal

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/sortline/pkg/types"
)

// Recorder drains a lifecycle event channel into a Journal. Terminal events
// (actuated, errored, forgotten) are flushed immediately; everything else is
// batched and flushed at least every interval.
type Recorder struct {
	journal  *Journal
	interval time.Duration
	log      *zap.Logger
}

// NewRecorder creates a recorder.
func NewRecorder(j *Journal, interval time.Duration, logger *zap.Logger) *Recorder {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{journal: j, interval: interval, log: logger.Named("journal")}
}

// Run records events until the channel closes or ctx is done, then flushes.
func (r *Recorder) Run(ctx context.Context, events <-chan types.Event) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer func() {
		if err := r.journal.Flush(); err != nil {
			r.log.Error("final journal flush failed", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.journal.Append(ev, isTerminal(ev.Type)); err != nil {
				r.log.Error("failed to journal event",
					zap.String("type", string(ev.Type)),
					zap.String("barcode", ev.Barcode),
					zap.Error(err))
			}
		case <-ticker.C:
			if err := r.journal.Flush(); err != nil {
				r.log.Error("journal flush failed", zap.Error(err))
			}
		}
	}
}

func isTerminal(t types.EventType) bool {
	switch t {
	case types.EventActuated, types.EventErrored, types.EventForgotten:
		return true
	}
	return false
}
