// Package events defines the wire-ish shape of kernel telemetry records as
// they cross from the eBPF ring buffers into the ingestion pipeline, and
// the normalized internal event the ingestor produces from them.
package events

import "time"

// ProducerKind identifies which ring buffer a raw record came from. One
// ring buffer exists per producer kind, per the ingestor's external
// contract.
type ProducerKind uint32

const (
	ProducerProcess ProducerKind = iota
	ProducerFilesystem
	ProducerNetwork
	ProducerMemory
	ProducerDisk
)

func (p ProducerKind) String() string {
	switch p {
	case ProducerProcess:
		return "process"
	case ProducerFilesystem:
		return "filesystem"
	case ProducerNetwork:
		return "network"
	case ProducerMemory:
		return "memory"
	case ProducerDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// RecordKind is the producer-specific record tag inside a raw ring buffer
// record header.
type RecordKind uint32

const (
	RecordProcessExec RecordKind = iota
	RecordProcessExit
	RecordFocusChange
	RecordNetConnect
	RecordNetSendBytes
	RecordDiskIO
	RecordMemoryAlloc
	RecordHeartbeat
)

// RawRecord is the fixed-layout header every ring buffer record carries,
// followed by a kind-specific payload. Field order and widths here are
// part of the external producer contract and must not be reordered.
type RawRecord struct {
	ProducerKind  ProducerKind
	RecordKind    RecordKind
	MonoTimeNanos uint64
	TGID          uint32
	PID           uint32
	Payload       []byte
}

// NormalizedEvent is the ordered, deduplicated, profile-attributed event
// the ingestor publishes to the policy engine and the store.
type NormalizedEvent struct {
	Producer   ProducerKind
	Kind       RecordKind
	MonoTime   time.Time
	WallTime   time.Time
	PID        uint32
	TGID       uint32
	SystemUser string
	ProfileID  string // empty => system scope
	Exec       string
	PeerAddr   string
	ByteCount  uint64
	ExitCode   int32
	Truncated  bool
	Fields     map[string]interface{}
}

// SetField stores an additional normalized payload field, lazily
// allocating the map.
func (e *NormalizedEvent) SetField(key string, value interface{}) {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
}

// Field retrieves a normalized payload field.
func (e *NormalizedEvent) Field(key string) (interface{}, bool) {
	if e.Fields == nil {
		return nil, false
	}
	v, ok := e.Fields[key]
	return v, ok
}

// DedupKey identifies a record for the ingestor's ring-buffer-wraparound
// dedup LRU.
type DedupKey struct {
	Producer  ProducerKind
	Kind      RecordKind
	PID       uint32
	MonoNanos uint64
}

// IsDecisionDriving reports whether this event kind must drive a policy
// decision synchronously (exec, focus-change, net-connect) as opposed to
// being a durable-log-only activity update, per the ingestor's
// backpressure policy: decision-driving events block briefly before being
// dropped, everything else is dropped first under backpressure.
func (e *NormalizedEvent) IsDecisionDriving() bool {
	switch e.Kind {
	case RecordProcessExec, RecordFocusChange, RecordNetConnect:
		return true
	default:
		return false
	}
}
