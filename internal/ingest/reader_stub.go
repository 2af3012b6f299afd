//go:build !ebpf

package ingest

import "github.com/childguard/daemon/pkg/events"

// stubRingReader is used in builds without the "ebpf" tag (development,
// CI, non-Linux), mirroring the teacher's stubs.go.
type stubRingReader struct {
	producer events.ProducerKind
}

// OpenRingReader returns a reader that always fails on Read, so the
// ingestor's per-producer supervision treats it exactly like a producer
// that went silent: three consecutive errors mark it unhealthy.
func OpenRingReader(producer events.ProducerKind) (RingReader, error) {
	return &stubRingReader{producer: producer}, nil
}

func (s *stubRingReader) Read() (events.RawRecord, error) {
	return events.RawRecord{}, ErrRingUnavailable{Producer: s.producer}
}

func (s *stubRingReader) Close() error { return nil }
