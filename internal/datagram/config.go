package datagram

import "time"

// Config carries the tunables spec §6 lists as environment-overridable
// numeric settings governing the reliability layer.
type Config struct {
	// AttemptCount is the number of sends a part gets before it is dropped.
	AttemptCount int
	// SessionTimeout is how long a socket tolerates silence before closing.
	SessionTimeout time.Duration
	// ReceiveMaxBytesPerSecond caps the per-socket inbound byte rate.
	ReceiveMaxBytesPerSecond int
	// ShouldWaitForNext is how long the ordering buffer waits for a missing
	// id before skipping forward to the lowest id it holds.
	ShouldWaitForNext time.Duration
}

// PingInterval is how often the ping sweep checks liveness: spec §4.3
// "a periodic task fires every sessionTimeout / attemptCount ms".
func (c Config) PingInterval() time.Duration {
	if c.AttemptCount <= 0 {
		return c.SessionTimeout
	}
	return c.SessionTimeout / time.Duration(c.AttemptCount)
}

// DefaultConfig mirrors the defaults documented in SPEC_FULL.md's ambient
// configuration section.
func DefaultConfig() Config {
	return Config{
		AttemptCount:             5,
		SessionTimeout:           5000 * time.Millisecond,
		ReceiveMaxBytesPerSecond: 65535,
		ShouldWaitForNext:        1000 * time.Millisecond,
	}
}
