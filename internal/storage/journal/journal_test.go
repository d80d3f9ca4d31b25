package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/sortline/pkg/types"
)

func event(t types.EventType, barcode string) types.Event {
	return types.Event{
		ID:      barcode + "-" + string(t),
		Type:    t,
		Barcode: barcode,
		Time:    time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func replayAll(t *testing.T, j *Journal) []Record {
	t.Helper()
	var out []Record
	require.NoError(t, j.Replay(func(r Record) error {
		out = append(out, r)
		return nil
	}))
	return out
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, Options{BufferSize: 100, FlushInterval: time.Hour})
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append(event(types.EventCreated, "A1"), false))
	require.NoError(t, j.Append(event(types.EventMatched, "A1"), false))
	require.NoError(t, j.Append(event(types.EventActuated, "A1"), false))

	records := replayAll(t, j)
	require.Len(t, records, 3)
	for i, r := range records {
		assert.Equal(t, uint64(i+1), r.Seq)
		assert.Equal(t, "A1", r.Event.Barcode)
	}
	assert.Equal(t, types.EventActuated, records[2].Event.Type)
	assert.Equal(t, uint64(3), j.LastSeq())
}

func TestBufferedUntilForced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, Options{BufferSize: 100, FlushInterval: time.Hour})
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append(event(types.EventCreated, "A1"), false))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "record should still be buffered")

	require.NoError(t, j.Append(event(types.EventErrored, "A1"), true))
	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())
}

func TestReopenContinuesSeq(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, j.Append(event(types.EventCreated, "A1"), false))
	require.NoError(t, j.Append(event(types.EventCreated, "B2"), false))
	require.NoError(t, j.Close())

	j2, err := Open(path, Options{})
	require.NoError(t, err)
	defer j2.Close()
	assert.Equal(t, uint64(2), j2.LastSeq())

	require.NoError(t, j2.Append(event(types.EventCreated, "C3"), true))
	records := replayAll(t, j2)
	require.Len(t, records, 3)
	assert.Equal(t, uint64(3), records[2].Seq)
}

func TestReplayDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, j.Append(event(types.EventCreated, "A1"), true))
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"barcode":"A1"`, `"barcode":"Z9"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	err = ReadFile(path, func(Record) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))

	var ce *ChecksumError
	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(1), ce.Seq)
}

func TestReplayCorruptedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{broken\n"), 0o644))

	err := ReadFile(path, func(Record) error { return nil })
	assert.True(t, errors.Is(err, ErrCorruptedJournal))
}

func TestRotateCompresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, Options{Compress: true})
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append(event(types.EventCreated, "A1"), false))
	require.NoError(t, j.Append(event(types.EventActuated, "A1"), false))

	rotated, err := j.Rotate()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(rotated, ".gz"))
	assert.Equal(t, uint64(0), j.LastSeq())

	var old []Record
	require.NoError(t, ReadFile(rotated, func(r Record) error {
		old = append(old, r)
		return nil
	}))
	assert.Len(t, old, 2)
	assert.Empty(t, replayAll(t, j))
}

func TestAppendAfterClose(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.jsonl"), Options{})
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	assert.True(t, errors.Is(j.Append(event(types.EventCreated, "A1"), false), ErrJournalClosed))
}

func TestRecorderDrainsChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, Options{BufferSize: 100, FlushInterval: time.Hour})
	require.NoError(t, err)
	defer j.Close()

	events := make(chan types.Event, 4)
	events <- event(types.EventCreated, "A1")
	events <- event(types.EventMatched, "A1")
	events <- event(types.EventRouted, "A1")
	close(events)

	require.NoError(t, NewRecorder(j, time.Hour, nil).Run(context.Background(), events))

	var got []types.EventType
	require.NoError(t, ReadFile(path, func(r Record) error {
		got = append(got, r.Event.Type)
		return nil
	}))
	assert.Equal(t, []types.EventType{types.EventCreated, types.EventMatched, types.EventRouted}, got)
}
