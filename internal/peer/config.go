package peer

import "time"

// Config carries the per-session timeouts and tunables from spec.md §5.
type Config struct {
	BlockSize        uint32
	ConnectTimeout   time.Duration // handshake/dial timeout, spec.md §5: 5s
	UnchokeTimeout   time.Duration // client-role wait-for-unchoke budget, spec.md §5: 30s
	IdleTimeout      time.Duration // server-role idle read timeout, spec.md §5: 60s
	EnableEncryption bool
}

// DefaultConfig returns the timeouts and block size mandated by spec.md §5.
func DefaultConfig() Config {
	return Config{
		BlockSize:      16 * 1024,
		ConnectTimeout: 5 * time.Second,
		UnchokeTimeout: 30 * time.Second,
		IdleTimeout:    60 * time.Second,
	}
}
