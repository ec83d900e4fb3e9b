package vhal

import "time"

// AuthStrategy acquires an authorization header value (e.g., "Basic ..." or
// "Bearer ..."). The engine's own client-facing transport is trusted and
// unauthenticated (see Non-goals); this exists for the outbound side, where
// RemoteHardwareDriver authenticates itself to the hardware daemon it dials.
type AuthStrategy interface {
	AuthorizationValue() (string, error)
}

// StaticAuth implements AuthStrategy using a pre-specified token value.
type StaticAuth struct{ Value string }

func (s StaticAuth) AuthorizationValue() (string, error) { return s.Value, nil }

// Options configures one Engine instance.
type Options struct {
	// PendingRequestTimeout is the deadline PendingRequestPool applies to every
	// batch it admits. Tests set it as low as 100ms.
	PendingRequestTimeout time.Duration

	// InlinePayloadThreshold is the encoded-size cutoff above which
	// LargeParcelableCodec spills a payload to shared memory instead of
	// returning it inline.
	InlinePayloadThreshold int

	// MaxSharedMemoryFileCount bounds how many shared-memory regions
	// SharedMemoryPool keeps outstanding for any one client, across every kind
	// of spilled reply, event and stored request; acquiring one more evicts an
	// existing region. It is engine-wide and is not set per subscribe call.
	MaxSharedMemoryFileCount int

	// PollJitter is the maximum random delay added to each continuous poll
	// tick, so that many subscriptions at the same rate don't all fire in
	// lockstep.
	PollJitter time.Duration
}

// DefaultOptions gives baseline sensible defaults for local dev and tests.
func DefaultOptions() Options {
	return Options{
		PendingRequestTimeout:    10 * time.Second,
		InlinePayloadThreshold:   4 * 1024,
		MaxSharedMemoryFileCount: 2,
		PollJitter:               2 * time.Millisecond,
	}
}
