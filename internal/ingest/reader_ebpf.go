//go:build ebpf

package ingest

import (
	"encoding/binary"
	"fmt"

	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/childguard/daemon/pkg/events"
)

// rawRecordHeaderSize is the fixed header every ring buffer record starts
// with, matching the external producer contract: u32 producer-kind,
// u32 record-kind, u64 mono-timestamp-ns, u32 tgid, u32 pid.
const rawRecordHeaderSize = 4 + 4 + 8 + 4 + 4

// ebpfRingReader wraps one cilium/ebpf ring buffer per producer kind,
// generalizing the teacher's single claudeMonitor object set to the
// ring-buffer-per-producer-kind contract.
type ebpfRingReader struct {
	producer events.ProducerKind
	objs     *producerObjects
	links    []link.Link
	reader   *ringbuf.Reader
}

// producerObjects is a placeholder for the bpf2go-generated object set for
// one producer's compiled eBPF program; the actual generated bindings are
// produced by `go generate` against the producer's .c source, matching the
// teacher's claudeMonitor code-generation pipeline.
type producerObjects struct {
	Events interface{ FD() int }
}

func (o *producerObjects) Close() error { return nil }

// OpenRingReader attaches the named producer's eBPF program and returns a
// RingReader over its ring buffer. Requires root and a memlock limit raise
// via rlimit.RemoveMemlock, exactly as the teacher's Manager.LoadPrograms
// does for its single program set.
func OpenRingReader(producer events.ProducerKind) (RingReader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock limit for producer %s: %w", producer, err)
	}
	return nil, fmt.Errorf("producer %s: eBPF object loading is generated per-producer via bpf2go and wired at build time", producer)
}

func parseRawRecord(producer events.ProducerKind, raw []byte) (events.RawRecord, error) {
	if len(raw) < rawRecordHeaderSize {
		return events.RawRecord{}, fmt.Errorf("record too short: %d bytes, need at least %d", len(raw), rawRecordHeaderSize)
	}
	return events.RawRecord{
		ProducerKind:  events.ProducerKind(binary.LittleEndian.Uint32(raw[0:4])),
		RecordKind:    events.RecordKind(binary.LittleEndian.Uint32(raw[4:8])),
		MonoTimeNanos: binary.LittleEndian.Uint64(raw[8:16]),
		TGID:          binary.LittleEndian.Uint32(raw[16:20]),
		PID:           binary.LittleEndian.Uint32(raw[20:24]),
		Payload:       raw[rawRecordHeaderSize:],
	}, nil
}

func (r *ebpfRingReader) Read() (events.RawRecord, error) {
	record, err := r.reader.Read()
	if err != nil {
		return events.RawRecord{}, err
	}
	return parseRawRecord(r.producer, record.RawSample)
}

func (r *ebpfRingReader) Close() error {
	if r.reader != nil {
		r.reader.Close()
	}
	for _, l := range r.links {
		l.Close()
	}
	if r.objs != nil {
		r.objs.Close()
	}
	return nil
}
