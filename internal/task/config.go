package task

import "time"

type Config struct {
	// PartSize is the alignment unit for requests, snapshots and announcements.
	PartSize int64
	// ChunkSize is the length of a single data request on the wire.
	ChunkSize int64
	// MaxPeerRequests caps outstanding requests per peer, in chunks.
	MaxPeerRequests int

	Timeout       time.Duration
	TimeoutsLimit int
	CheckInterval time.Duration

	MaxVerifyFailures int
	VerifyBackoff     time.Duration
}

func NewDefaultConfig() Config {
	return Config{
		PartSize:          1 << 20,
		ChunkSize:         64 << 10,
		MaxPeerRequests:   16,
		Timeout:           30 * time.Second,
		TimeoutsLimit:     3,
		CheckInterval:     5 * time.Second,
		MaxVerifyFailures: 5,
		VerifyBackoff:     10 * time.Second,
	}
}

func (c Config) maxPeerBytes() int64 {
	return int64(c.MaxPeerRequests) * c.ChunkSize
}
