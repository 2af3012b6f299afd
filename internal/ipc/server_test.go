package ipc

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/pkg/logger"
)

type fakeDecider struct {
	decision domain.Decision
	err      error
}

func (f *fakeDecider) Decide(ctx context.Context, systemUser string, key domain.DecisionKey) (domain.Decision, error) {
	return f.decision, f.err
}

func startTestServer(t *testing.T, decider DecisionEngine, admin *AdminHandler, minter *TokenMinter) (string, func()) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "childguard.sock")
	srv := NewServer(sockPath, time.Second, decider, admin, minter, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := net.Dial("unix", sockPath)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	return sockPath, func() {
		cancel()
		<-done
	}
}

func TestServer_DecisionRoundTrip(t *testing.T) {
	decider := &fakeDecider{decision: domain.Decision{Verdict: domain.VerdictBlock, Reason: "blocklisted", PolicyVer: 2}}
	h, _, _, _ := newTestHandler()
	sockPath, stop := startTestServer(t, decider, h, NewTokenMinter("secret", time.Hour))
	defer stop()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeFrame(conn, TagHello, Hello{ProtocolVersion: ProtocolVersion, CallerKind: "web-filter"}))
	var ack HelloAck
	tag, err := readFrame(conn, &ack)
	require.NoError(t, err)
	require.Equal(t, TagHelloAck, tag)
	require.Empty(t, ack.Err)

	require.NoError(t, writeFrame(conn, TagDecisionRequest, DecisionRequestMsg{
		CallerKind: "web-filter", SystemUser: "kid1",
		Key: DecisionKeyWire{Kind: string(domain.DecisionWebNavigation), Subject: "example.com"},
		DeadlineMS: 1000,
	}))
	var resp DecisionResponseMsg
	tag, err = readFrame(conn, &resp)
	require.NoError(t, err)
	assert.Equal(t, TagDecisionResponse, tag)
	assert.Equal(t, string(domain.VerdictBlock), resp.Verdict)
	assert.Equal(t, "blocklisted", resp.Reason)
	assert.Equal(t, int64(2), resp.PolicyVersion)
}

func TestServer_AdminRequiresValidToken(t *testing.T) {
	decider := &fakeDecider{}
	h, _, _, _ := newTestHandler()
	sockPath, stop := startTestServer(t, decider, h, NewTokenMinter("secret", time.Hour))
	defer stop()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeFrame(conn, TagHello, Hello{ProtocolVersion: ProtocolVersion, CallerKind: "admin", Token: "garbage"}))
	var ack HelloAck
	_, err = readFrame(conn, &ack)
	require.NoError(t, err)
	assert.NotEmpty(t, ack.Err)
}

func TestServer_AdminDispatch(t *testing.T) {
	decider := &fakeDecider{}
	minter := NewTokenMinter("secret", time.Hour)
	h, store, _, _ := newTestHandler()
	sockPath, stop := startTestServer(t, decider, h, minter)
	defer stop()

	token, err := minter.Mint()
	require.NoError(t, err)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeFrame(conn, TagHello, Hello{ProtocolVersion: ProtocolVersion, CallerKind: "admin", Token: token}))
	var ack HelloAck
	_, err = readFrame(conn, &ack)
	require.NoError(t, err)
	require.Empty(t, ack.Err)

	params, _ := json.Marshal(domain.Profile{ID: "p1", Name: "Kid", SystemUser: "kid1"})
	require.NoError(t, writeFrame(conn, TagAdminRequest, AdminRequestMsg{Op: OpCreateProfile, Params: params}))

	var resp AdminResponseMsg
	tag, err := readFrame(conn, &resp)
	require.NoError(t, err)
	assert.Equal(t, TagAdminResponse, tag)
	assert.True(t, resp.Success)
	assert.Len(t, store.profiles, 1)
}
