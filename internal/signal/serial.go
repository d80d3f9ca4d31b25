package signal

import (
	"context"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

// SerialConfig describes a scanner attached to a serial port (8N1).
type SerialConfig struct {
	Port      string
	BaudRate  int
	Reconnect time.Duration // wait between failed opens
}

// Opener opens the scanner port; tests replace it.
type Opener func(cfg SerialConfig) (io.ReadCloser, error)

// OpenSerial opens the port with go.bug.st/serial.
func OpenSerial(cfg SerialConfig) (io.ReadCloser, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, eris.Wrapf(err, "open serial port %s", cfg.Port)
	}
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, eris.Wrapf(err, "reset input buffer on %s", cfg.Port)
	}
	return port, nil
}

// SerialSource keeps a serial scanner open and feeds its lines to a
// LineReader, reopening the port whenever it fails.
type SerialSource struct {
	cfg    SerialConfig
	open   Opener
	reader *LineReader
	log    *zap.Logger
}

// NewSerialSource creates a source. open may be nil to use OpenSerial.
func NewSerialSource(cfg SerialConfig, open Opener, reader *LineReader, logger *zap.Logger) *SerialSource {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 19200
	}
	if cfg.Reconnect <= 0 {
		cfg.Reconnect = time.Second
	}
	if open == nil {
		open = OpenSerial
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SerialSource{cfg: cfg, open: open, reader: reader, log: logger.Named("serial")}
}

// Run reads barcodes until ctx is cancelled.
func (s *SerialSource) Run(ctx context.Context, handler ScanHandler) error {
	log := s.log.With(zap.String("port", s.cfg.Port))

	for {
		port, err := s.open(s.cfg)
		if err != nil {
			log.Warn("scanner unavailable, retrying", zap.Error(err), zap.Duration("in", s.cfg.Reconnect))
		} else {
			log.Info("scanner connected", zap.Int("baud", s.cfg.BaudRate))
			err = s.reader.Run(ctx, port, handler)
			_ = port.Close()
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("scanner disconnected", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.Reconnect):
		}
	}
}
