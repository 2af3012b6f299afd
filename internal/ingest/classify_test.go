package ingest

import (
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/childguard/daemon/pkg/events"
)

func TestClassifyProcessExec(t *testing.T) {
	raw := events.RawRecord{
		ProducerKind: events.ProducerProcess, RecordKind: events.RecordProcessExec,
		PID: 42, TGID: 42, Payload: []byte("/usr/bin/firefox\x00"),
	}
	evt := classify(raw, time.Now(), "alex", "p1")
	assert.Equal(t, "/usr/bin/firefox", evt.Exec)
	assert.False(t, evt.Truncated)
	assert.Equal(t, "alex", evt.SystemUser)
	assert.Equal(t, "p1", evt.ProfileID)
	assert.True(t, evt.IsDecisionDriving())
}

func TestClassifyTruncatesOversizedExec(t *testing.T) {
	long := strings.Repeat("a", maxFieldLen+50)
	raw := events.RawRecord{RecordKind: events.RecordProcessExec, Payload: append([]byte(long), 0)}
	evt := classify(raw, time.Now(), "", "")
	assert.True(t, evt.Truncated)
	assert.LessOrEqual(t, len(evt.Exec), maxFieldLen+len("...(truncated)"))
}

func TestClassifyNetConnect(t *testing.T) {
	payload := make([]byte, 6)
	copy(payload, []byte{93, 184, 216, 34}) // example.com-ish IPv4
	binary.LittleEndian.PutUint16(payload[4:], 443)

	raw := events.RawRecord{RecordKind: events.RecordNetConnect, Payload: payload}
	evt := classify(raw, time.Now(), "alex", "p1")
	require.NotEmpty(t, evt.PeerAddr)
	port, ok := evt.Field("port")
	require.True(t, ok)
	assert.Equal(t, uint16(443), port)
	assert.True(t, evt.IsDecisionDriving())
}

func TestClassifyDiskIOIsNotDecisionDriving(t *testing.T) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, 4096)
	raw := events.RawRecord{RecordKind: events.RecordDiskIO, Payload: payload}
	evt := classify(raw, time.Now(), "alex", "p1")
	assert.Equal(t, uint64(4096), evt.ByteCount)
	assert.False(t, evt.IsDecisionDriving())
}
