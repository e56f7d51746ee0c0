package relay

import "time"

// Config tunes both relays of a session.
type Config struct {
	ReadDir  string
	WriteDir string
	// FlushSize is the buffered byte count that forces a segment out.
	FlushSize int
	// ChunkSize bounds a single connection read.
	ChunkSize int
	// ReadyPoll is how long Outbound waits for more data before flushing a
	// non-empty buffer.
	ReadyPoll time.Duration
	// SegmentPoll is the interval between checks for the next inbound segment.
	SegmentPoll time.Duration
	// Liveness is how long Inbound waits for the next segment before
	// abandoning the session.
	Liveness time.Duration
	// Grace bounds the EOF sentinel write and cleanup sweep once the
	// context is already cancelled.
	Grace time.Duration
}

// DefaultConfig returns the tuning used by the tunnel commands.
func DefaultConfig() Config {
	return Config{
		ReadDir:     "a",
		WriteDir:    "b",
		FlushSize:   128 * 1024,
		ChunkSize:   8 * 1024,
		ReadyPoll:   10 * time.Millisecond,
		SegmentPoll: 50 * time.Millisecond,
		Liveness:    120 * time.Second,
		Grace:       5 * time.Second,
	}
}
