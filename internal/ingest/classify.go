package ingest

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/childguard/daemon/pkg/events"
)

// maxFieldLen bounds any string field copied out of a raw payload;
// anything longer is truncated with a trailing marker, matching the
// ingestor's "oversized strings are truncated" contract.
const maxFieldLen = 256

// classify translates a raw record into a NormalizedEvent. Payload layout
// is producer/record-kind specific: process records carry a
// null-terminated executable path, network records carry a 4-byte IPv4
// address followed by a 2-byte port, byte/IO records carry a little-endian
// uint64 count.
func classify(raw events.RawRecord, monoEpoch time.Time, systemUser, profileID string) *events.NormalizedEvent {
	e := &events.NormalizedEvent{
		Producer:   raw.ProducerKind,
		Kind:       raw.RecordKind,
		MonoTime:   monoEpoch.Add(time.Duration(raw.MonoTimeNanos)),
		WallTime:   time.Now(),
		PID:        raw.PID,
		TGID:       raw.TGID,
		SystemUser: systemUser,
		ProfileID:  profileID,
	}

	switch raw.RecordKind {
	case events.RecordProcessExec, events.RecordFocusChange:
		e.Exec, e.Truncated = truncatedString(raw.Payload)
	case events.RecordProcessExit:
		if len(raw.Payload) >= 4 {
			e.ExitCode = int32(binary.LittleEndian.Uint32(raw.Payload[:4]))
		}
	case events.RecordNetConnect:
		if len(raw.Payload) >= 6 {
			ip := net.IP(raw.Payload[0:4])
			port := binary.LittleEndian.Uint16(raw.Payload[4:6])
			e.PeerAddr = ip.String()
			e.SetField("port", port)
		}
	case events.RecordNetSendBytes, events.RecordDiskIO, events.RecordMemoryAlloc:
		if len(raw.Payload) >= 8 {
			e.ByteCount = binary.LittleEndian.Uint64(raw.Payload[:8])
		}
	case events.RecordHeartbeat:
		// No payload fields; presence alone resets the producer's
		// heartbeat-loss timer in the pipeline.
	}
	return e
}

func truncatedString(payload []byte) (string, bool) {
	n := len(payload)
	for i, b := range payload {
		if b == 0 {
			n = i
			break
		}
	}
	if n > maxFieldLen {
		return string(payload[:maxFieldLen]) + "...(truncated)", true
	}
	return string(payload[:n]), false
}
