// Package ingest implements the Drain -> Deduplicate -> Attribute ->
// Classify -> Publish pipeline that turns raw per-producer ring-buffer
// records into the normalized, profile-attributed event stream the policy
// engine and store consume.
package ingest

import "github.com/childguard/daemon/pkg/events"

// RingReader abstracts a single producer-kind ring buffer. The real
// implementation (build tag "ebpf") wraps a cilium/ebpf ringbuf.Reader;
// the stub implementation always returns ErrRingUnavailable, matching the
// teacher's ebpf_impl.go/stubs.go split.
type RingReader interface {
	// Read blocks until a record is available or the reader is closed.
	Read() (events.RawRecord, error)
	Close() error
}

// ErrRingUnavailable is returned by the stub reader on every Read call
// when the daemon was built without the "ebpf" tag.
type ErrRingUnavailable struct{ Producer events.ProducerKind }

func (e ErrRingUnavailable) Error() string {
	return "ring buffer for producer " + e.Producer.String() + " unavailable: built without eBPF support"
}
