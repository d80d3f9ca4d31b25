package journal

import "github.com/ChuLiYu/sortline/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the on-disk record of the lifecycle journal
// ============================================================================

// Record is one journal line: a lifecycle event plus its sequence number
type Record struct {
	Seq      uint64      `json:"seq"`      // Monotonically increasing within one file
	Event    types.Event `json:"event"`    // Lifecycle event as published on the bus
	Checksum uint32      `json:"checksum"` // CRC32 over seq, type, event id and barcode
}

// Handler processes records during Replay
type Handler func(record Record) error
