package session

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calyptra/driftsync/internal/config"
	"github.com/calyptra/driftsync/internal/instance"
	"github.com/calyptra/driftsync/internal/metrics"
	"github.com/calyptra/driftsync/internal/model"
	"github.com/calyptra/driftsync/internal/resolve"
	"github.com/calyptra/driftsync/internal/store"
	"github.com/calyptra/driftsync/internal/syncerrors"
	"github.com/calyptra/driftsync/internal/transport"
	"github.com/calyptra/driftsync/internal/trust"
	"github.com/calyptra/driftsync/internal/util"
)

type testNode struct {
	deps  *Deps
	store *store.Store
	certs *trust.CertificateStore
	cert  *trust.Certificate
}

func newTestNode(t *testing.T, scope trust.Scope) *testNode {
	t.Helper()
	db, err := store.OpenDatabase(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry, err := instance.NewRegistry(db, zap.NewNop())
	require.NoError(t, err)
	st, err := store.NewStore(db, registry, resolve.NewResolver(nil, zap.NewNop()), 64, zap.NewNop())
	require.NoError(t, err)
	certs, err := trust.NewCertificateStore(db, zap.NewNop())
	require.NoError(t, err)

	key, err := trust.GenerateKey()
	require.NoError(t, err)
	cert, err := trust.IssueRoot(key, scope)
	require.NoError(t, err)
	require.NoError(t, certs.Put(cert))
	require.NoError(t, certs.Trust(cert.ID))

	return &testNode{
		deps: &Deps{
			Store:       st,
			Buffer:      store.NewBuffer(db, zap.NewNop()),
			Authority:   trust.NewScopeAuthority(certs, zap.NewNop()),
			Registry:    registry,
			Key:         key,
			Certificate: cert,
			Chain:       []*trust.Certificate{cert},
			Metrics:     metrics.NewMetrics(registry.InstanceID()),
			Logger:      zap.NewNop(),
		},
		store: st,
		certs: certs,
		cert:  cert,
	}
}

func (n *testNode) instanceID() string {
	return n.deps.Registry.InstanceID()
}

// trustEachOther exchanges root certificates out of band, the way an
// operator provisions two nodes before their first session.
func trustEachOther(t *testing.T, a, b *testNode) {
	t.Helper()
	require.NoError(t, a.certs.Put(b.cert))
	require.NoError(t, a.certs.Trust(b.cert.ID))
	require.NoError(t, b.certs.Put(a.cert))
	require.NoError(t, b.certs.Trust(a.cert.ID))
}

// testSyncConfig keeps chunks tiny so multi-chunk paging is exercised.
func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		ChunkSize:            2,
		PartitionConcurrency: 2,
		AckTimeout:           2 * time.Second,
		MaxRetries:           1,
		RetryBackoff:         10 * time.Millisecond,
		ApplyWorkers:         2,
		ApplyQueueSize:       8,
	}
}

// runPair drives a full session between two nodes over an in-process
// pipe and returns both terminal errors.
func runPair(t *testing.T, initiator, responder *testNode, opts Options) (error, error) {
	t.Helper()
	chI, chR := transport.NewPipe()
	cfg := testSyncConfig()

	resp := newSession("", RoleResponder, chR, responder.deps, cfg)
	respDone := make(chan error, 1)
	go func() { respDone <- resp.run(context.Background(), Options{}) }()

	init := newSession(uuid.NewString(), RoleInitiator, chI, initiator.deps, cfg)
	initErr := init.run(context.Background(), opts)

	select {
	case respErr := <-respDone:
		return initErr, respErr
	case <-time.After(5 * time.Second):
		t.Fatal("responder did not finish")
		return initErr, nil
	}
}

func mustWrite(t *testing.T, n *testNode, key, payload, partition string) {
	t.Helper()
	_, err := n.store.Write(key, []byte(payload), partition)
	require.NoError(t, err)
}

// startResponder runs a responder session over a fresh pipe and returns
// the other end of the pipe for the test to drive by hand.
func startResponder(t *testing.T, n *testNode) (transport.Channel, chan error) {
	t.Helper()
	chI, chR := transport.NewPipe()
	resp := newSession("", RoleResponder, chR, n.deps, testSyncConfig())
	done := make(chan error, 1)
	go func() { done <- resp.run(context.Background(), Options{}) }()
	return chI, done
}

func sendMsg(t *testing.T, ch transport.Channel, msgType string, body interface{}) {
	t.Helper()
	env, err := transport.NewEnvelope(msgType, body)
	require.NoError(t, err)
	require.NoError(t, ch.Send(context.Background(), env))
}

func recvMsg(t *testing.T, ch transport.Channel, wantType string) transport.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env, err := ch.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, wantType, env.Type)
	return env
}

// driveHandshake performs the initiator half of the handshake by hand,
// authenticating as the given node, and returns the session id.
func driveHandshake(t *testing.T, ch transport.Channel, actor *testNode, requested trust.Scope) string {
	t.Helper()
	sessionID := uuid.NewString()
	nonce := make([]byte, nonceSize)
	_, err := rand.Read(nonce)
	require.NoError(t, err)

	sendMsg(t, ch, MsgHello, Hello{
		SessionID:  sessionID,
		InstanceID: actor.instanceID(),
		Nonce:      nonce,
	})

	var challenge Challenge
	require.NoError(t, recvMsg(t, ch, MsgChallenge).Decode(&challenge))

	sendMsg(t, ch, MsgCredentials, Credentials{
		RequestedScope: requested,
		Chain:          actor.deps.Chain,
		Signature:      actor.deps.Key.Sign(challengeBytes(challenge.Nonce, sessionID)),
	})

	var authorized Authorized
	require.NoError(t, recvMsg(t, ch, MsgAuthorized).Decode(&authorized))
	require.Equal(t, requested, authorized.Scope)
	return sessionID
}

func TestSessionPushPullConverges(t *testing.T) {
	scope := trust.Scope{Prefix: "app", Permission: trust.PermissionReadWrite}
	a := newTestNode(t, scope)
	b := newTestNode(t, scope)
	trustEachOther(t, a, b)

	// Three records force two chunks at chunk size 2.
	mustWrite(t, a, "a1", "from-a-1", "app/users")
	mustWrite(t, a, "a2", "from-a-2", "app/users")
	mustWrite(t, a, "a3", "from-a-3", "app/users")
	mustWrite(t, b, "b1", "from-b-1", "app/users")
	mustWrite(t, b, "b2", "from-b-2", "app/sessions")

	initErr, respErr := runPair(t, a, b, Options{Scope: scope, Push: true, Pull: true})
	require.NoError(t, initErr)
	require.NoError(t, respErr)

	for _, key := range []string{"a1", "a2", "a3", "b1", "b2"} {
		got, err := a.store.Read(key)
		require.NoError(t, err, "key %s missing on a", key)
		mirror, err := b.store.Read(key)
		require.NoError(t, err, "key %s missing on b", key)
		assert.Equal(t, got.Payload, mirror.Payload, key)
		assert.Equal(t, got.Version, mirror.Version, key)
	}

	// Watermarks rise to what each side received.
	mark, err := a.store.MaxCounters().Get("app/users", b.instanceID())
	require.NoError(t, err)
	assert.Equal(t, int64(1), mark)
	mark, err = a.store.MaxCounters().Get("app/sessions", b.instanceID())
	require.NoError(t, err)
	assert.Equal(t, int64(1), mark)
	mark, err = b.store.MaxCounters().Get("app/users", a.instanceID())
	require.NoError(t, err)
	assert.Equal(t, int64(3), mark)
}

func TestSessionPushOnly(t *testing.T) {
	scope := trust.Scope{Prefix: "app", Permission: trust.PermissionReadWrite}
	a := newTestNode(t, scope)
	b := newTestNode(t, scope)
	trustEachOther(t, a, b)

	mustWrite(t, a, "a1", "from-a", "app/users")
	mustWrite(t, b, "b1", "from-b", "app/users")

	initErr, respErr := runPair(t, a, b, Options{Scope: scope, Push: true})
	require.NoError(t, initErr)
	require.NoError(t, respErr)

	_, err := b.store.Read("a1")
	assert.NoError(t, err, "pushed record reaches the responder")
	_, err = a.store.Read("b1")
	assert.Error(t, err, "nothing flows back without pull")
}

func TestSessionPullOnly(t *testing.T) {
	scope := trust.Scope{Prefix: "app", Permission: trust.PermissionReadWrite}
	a := newTestNode(t, scope)
	b := newTestNode(t, scope)
	trustEachOther(t, a, b)

	mustWrite(t, a, "a1", "from-a", "app/users")
	mustWrite(t, b, "b1", "from-b", "app/users")

	initErr, respErr := runPair(t, a, b, Options{Scope: scope, Pull: true})
	require.NoError(t, initErr)
	require.NoError(t, respErr)

	_, err := a.store.Read("b1")
	assert.NoError(t, err, "pulled record reaches the initiator")
	_, err = b.store.Read("a1")
	assert.Error(t, err, "nothing flows out without push")
}

func TestSessionSecondSyncIsQuiet(t *testing.T) {
	scope := trust.Scope{Prefix: "app", Permission: trust.PermissionReadWrite}
	a := newTestNode(t, scope)
	b := newTestNode(t, scope)
	trustEachOther(t, a, b)

	mustWrite(t, a, "a1", "v1", "app/users")

	initErr, respErr := runPair(t, a, b, Options{Scope: scope, Push: true, Pull: true})
	require.NoError(t, initErr)
	require.NoError(t, respErr)

	// A second session finds nothing new and still completes cleanly.
	initErr, respErr = runPair(t, a, b, Options{Scope: scope, Push: true, Pull: true})
	require.NoError(t, initErr)
	require.NoError(t, respErr)

	got, err := b.store.Read("a1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.Payload)
	assert.Empty(t, got.Conflicts)
}

func TestSessionConcurrentEditsConverge(t *testing.T) {
	scope := trust.Scope{Prefix: "app", Permission: trust.PermissionReadWrite}
	a := newTestNode(t, scope)
	b := newTestNode(t, scope)
	trustEachOther(t, a, b)

	// The same key edited on both sides before they ever talk.
	mustWrite(t, a, "shared", "edit-by-a", "app/users")
	mustWrite(t, b, "shared", "edit-by-b", "app/users")

	initErr, respErr := runPair(t, a, b, Options{Scope: scope, Push: true, Pull: true})
	require.NoError(t, initErr)
	require.NoError(t, respErr)

	onA, err := a.store.Read("shared")
	require.NoError(t, err)
	onB, err := b.store.Read("shared")
	require.NoError(t, err)

	assert.Equal(t, onA.Version, onB.Version, "both sides pick the same winner")
	assert.Equal(t, onA.Payload, onB.Payload)
	assert.Equal(t, onA.Conflicts, onB.Conflicts, "both sides retain the same losing versions")
	require.Len(t, onB.Conflicts, 1)
	assert.Contains(t, [][]byte{[]byte("edit-by-a"), []byte("edit-by-b")}, onB.Payload)
	assert.NotEqual(t, onB.Payload, onB.Conflicts[0].Payload)
}

func TestSessionTombstonePropagates(t *testing.T) {
	scope := trust.Scope{Prefix: "app", Permission: trust.PermissionReadWrite}
	a := newTestNode(t, scope)
	b := newTestNode(t, scope)
	trustEachOther(t, a, b)

	mustWrite(t, a, "gone", "soon", "app/users")
	initErr, respErr := runPair(t, a, b, Options{Scope: scope, Push: true})
	require.NoError(t, initErr)
	require.NoError(t, respErr)

	_, err := a.store.Tombstone("gone")
	require.NoError(t, err)

	initErr, respErr = runPair(t, a, b, Options{Scope: scope, Push: true})
	require.NoError(t, initErr)
	require.NoError(t, respErr)

	got, err := b.store.Read("gone")
	require.NoError(t, err)
	assert.True(t, got.Deleted, "the delete wins over the earlier write")
	assert.Nil(t, got.Payload)
}

func TestSessionResponderRefusesReadOnlyPush(t *testing.T) {
	a := newTestNode(t, trust.Scope{Prefix: "app", Permission: trust.PermissionRead})
	b := newTestNode(t, trust.Scope{Prefix: "app", Permission: trust.PermissionReadWrite})
	trustEachOther(t, a, b)

	ch, respDone := startResponder(t, b)
	defer ch.Close()

	requested := trust.Scope{Prefix: "app", Permission: trust.PermissionRead}
	driveHandshake(t, ch, a, requested)

	// A read-only peer opening the push direction anyway must be refused
	// before any frontier is revealed or any record applied.
	sendMsg(t, ch, MsgFrontierRequest, FrontierRequest{Prefix: "app"})

	var abort Abort
	require.NoError(t, recvMsg(t, ch, MsgAbort).Decode(&abort))
	assert.Equal(t, syncerrors.AbortScopeViolation, abort.Reason)

	err := <-respDone
	require.Error(t, err)
	assert.Equal(t, syncerrors.ErrCodeScopeViolation, syncerrors.GetCode(err))

	// Even a peer that barrels on gets nothing into the store.
	records := []model.Record{
		{Key: "forged", Partition: "app/users", Payload: []byte("injected"),
			Version: model.Version{InstanceID: "rogue", Counter: 1}},
	}
	if env, err := transport.NewEnvelope(MsgChunk, Chunk{
		Partition: "app/users", Records: records,
		Checksum: util.ChunkChecksum(records), Final: true,
	}); err == nil {
		ch.Send(context.Background(), env)
	}
	_, err = b.store.Read("forged")
	assert.Error(t, err)
}

func TestSessionRetransmittedFinalChunkReacked(t *testing.T) {
	scope := trust.Scope{Prefix: "app", Permission: trust.PermissionReadWrite}
	a := newTestNode(t, scope)
	b := newTestNode(t, scope)
	trustEachOther(t, a, b)

	ch, respDone := startResponder(t, b)
	defer ch.Close()

	driveHandshake(t, ch, a, scope)
	sendMsg(t, ch, MsgFrontierRequest, FrontierRequest{Prefix: "app"})
	recvMsg(t, ch, MsgFrontier)

	records := []model.Record{
		{Key: "r1", Partition: "app/users", Payload: []byte("v1"),
			Version: model.Version{InstanceID: "origin-1", Counter: 1}},
		{Key: "r2", Partition: "app/users", Payload: []byte("v2"),
			Version: model.Version{InstanceID: "origin-1", Counter: 2}},
	}
	chunk := Chunk{
		Partition: "app/users",
		Sequence:  0,
		Records:   records,
		Checksum:  util.ChunkChecksum(records),
		Final:     true,
	}

	sendMsg(t, ch, MsgTransferBegin, TransferBegin{Partitions: []string{"app/users"}})
	sendMsg(t, ch, MsgChunk, chunk)
	var ack ChunkAck
	require.NoError(t, recvMsg(t, ch, MsgChunkAck).Decode(&ack))

	// The ack raced the sender's timeout; the final chunk arrives again
	// and is acknowledged again instead of aborting the session.
	sendMsg(t, ch, MsgChunk, chunk)
	require.NoError(t, recvMsg(t, ch, MsgChunkAck).Decode(&ack))
	assert.Equal(t, ChunkAck{Partition: "app/users", Sequence: 0}, ack)

	sendMsg(t, ch, MsgTransferComplete, TransferComplete{
		Frontiers: map[string]model.Frontier{"app/users": {"origin-1": 2}},
	})
	recvMsg(t, ch, MsgCompleteAck)
	sendMsg(t, ch, MsgDone, Done{})
	require.NoError(t, <-respDone)

	got, err := b.store.Read("r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.Payload)
	assert.Empty(t, got.Conflicts, "re-applying the duplicate changed nothing")

	mark, err := b.store.MaxCounters().Get("app/users", "origin-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), mark)
}

func TestAwaitAckSkipsUnrelatedAcks(t *testing.T) {
	local, remote := transport.NewPipe()
	defer local.Close()
	defer remote.Close()

	s := newSession("s1", RoleInitiator, local, &Deps{Logger: zap.NewNop()}, testSyncConfig())
	ctx := context.Background()

	// Leftovers first: a duplicate ack from an earlier partition and a
	// stale retransmission ack, then the one that matters.
	sendMsg(t, remote, MsgChunkAck, ChunkAck{Partition: "app/a", Sequence: 3})
	sendMsg(t, remote, MsgChunkAck, ChunkAck{Partition: "app/b", Sequence: 0})
	sendMsg(t, remote, MsgChunkAck, ChunkAck{Partition: "app/b", Sequence: 1})

	ack, err := s.awaitAck(ctx, Chunk{Partition: "app/b", Sequence: 1})
	require.NoError(t, err)
	assert.Equal(t, ChunkAck{Partition: "app/b", Sequence: 1}, ack)
}

func TestSessionResumesAfterInterruptedTransfer(t *testing.T) {
	scope := trust.Scope{Prefix: "app", Permission: trust.PermissionReadWrite}
	a := newTestNode(t, scope)
	b := newTestNode(t, scope)
	trustEachOther(t, a, b)

	for _, key := range []string{"k1", "k2", "k3", "k4"} {
		mustWrite(t, a, key, "payload-"+key, "app/users")
	}

	// First attempt: drive the sending side by hand and drop the
	// connection right after the first chunk is acknowledged.
	ch, respDone := startResponder(t, b)
	driveHandshake(t, ch, a, scope)
	sendMsg(t, ch, MsgFrontierRequest, FrontierRequest{Prefix: "app"})
	recvMsg(t, ch, MsgFrontier)

	page, _, _, err := a.store.DeltaPage("app/users", model.Frontier{}, model.Version{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)

	sendMsg(t, ch, MsgTransferBegin, TransferBegin{Partitions: []string{"app/users"}})
	sendMsg(t, ch, MsgChunk, Chunk{
		Partition: "app/users",
		Sequence:  0,
		Records:   page,
		Checksum:  util.ChunkChecksum(page),
	})
	recvMsg(t, ch, MsgChunkAck)
	require.NoError(t, ch.Close())
	require.Error(t, <-respDone)

	// The acknowledged chunk survived the abort and raised the watermark.
	mark, err := b.store.MaxCounters().Get("app/users", a.instanceID())
	require.NoError(t, err)
	assert.Equal(t, int64(2), mark)
	_, err = b.store.Read("k1")
	require.NoError(t, err)
	_, err = b.store.Read("k3")
	require.Error(t, err)

	// The next session diffs against the raised watermark, so only the
	// records past it travel.
	initErr, respErr := runPair(t, a, b, Options{Scope: scope, Push: true})
	require.NoError(t, initErr)
	require.NoError(t, respErr)

	for _, key := range []string{"k1", "k2", "k3", "k4"} {
		_, err := b.store.Read(key)
		require.NoError(t, err, key)
	}
	mark, err = b.store.MaxCounters().Get("app/users", a.instanceID())
	require.NoError(t, err)
	assert.Equal(t, int64(4), mark)
}

func TestSessionScopeViolationDenied(t *testing.T) {
	// The initiator's certificate only covers app/users but it asks for
	// all of app.
	a := newTestNode(t, trust.Scope{Prefix: "app/users", Permission: trust.PermissionReadWrite})
	b := newTestNode(t, trust.Scope{Prefix: "app", Permission: trust.PermissionReadWrite})
	trustEachOther(t, a, b)

	mustWrite(t, a, "a1", "v", "app/users")

	requested := trust.Scope{Prefix: "app", Permission: trust.PermissionReadWrite}
	initErr, respErr := runPair(t, a, b, Options{Scope: requested, Push: true})

	require.Error(t, initErr)
	assert.Equal(t, syncerrors.ErrCodeScopeViolation, syncerrors.GetCode(initErr))
	require.Error(t, respErr)
	assert.Equal(t, syncerrors.ErrCodeScopeViolation, syncerrors.GetCode(respErr))

	_, err := b.store.Read("a1")
	assert.Error(t, err, "no data moves on a denied session")
}

func TestSessionUntrustedPeerRejected(t *testing.T) {
	scope := trust.Scope{Prefix: "app", Permission: trust.PermissionReadWrite}
	a := newTestNode(t, scope)
	b := newTestNode(t, scope)
	// No root exchange: each side only trusts itself.

	mustWrite(t, a, "a1", "v", "app/users")

	initErr, respErr := runPair(t, a, b, Options{Scope: scope, Push: true})

	require.Error(t, initErr)
	assert.Equal(t, syncerrors.ErrCodeUntrustedPeer, syncerrors.GetCode(initErr))
	require.Error(t, respErr)

	_, err := b.store.Read("a1")
	assert.Error(t, err)
}

func TestSessionForgedSignatureRejected(t *testing.T) {
	scope := trust.Scope{Prefix: "app", Permission: trust.PermissionReadWrite}
	a := newTestNode(t, scope)
	b := newTestNode(t, scope)
	trustEachOther(t, a, b)

	// The responder holds a key that does not match its certificate, so
	// its nonce signature cannot verify.
	wrongKey, err := trust.GenerateKey()
	require.NoError(t, err)
	b.deps.Key = wrongKey

	initErr, _ := runPair(t, a, b, Options{Scope: scope, Push: true})
	require.Error(t, initErr)
	assert.Equal(t, syncerrors.ErrCodeUntrustedPeer, syncerrors.GetCode(initErr))
}

func TestSessionStateAfterCompletion(t *testing.T) {
	scope := trust.Scope{Prefix: "app", Permission: trust.PermissionReadWrite}
	a := newTestNode(t, scope)
	b := newTestNode(t, scope)
	trustEachOther(t, a, b)
	mustWrite(t, a, "a1", "v", "app/users")

	chI, chR := transport.NewPipe()
	cfg := testSyncConfig()

	resp := newSession("", RoleResponder, chR, b.deps, cfg)
	respDone := make(chan error, 1)
	go func() { respDone <- resp.run(context.Background(), Options{}) }()

	init := newSession(uuid.NewString(), RoleInitiator, chI, a.deps, cfg)
	require.NoError(t, init.run(context.Background(), Options{Scope: scope, Push: true, Pull: true}))
	require.NoError(t, <-respDone)

	assert.Equal(t, StateCompleted, init.State())
	assert.Equal(t, StateCompleted, resp.State())
	assert.Equal(t, init.ID, resp.ID, "responder adopts the initiator's session id")
	assert.Equal(t, b.instanceID(), init.PeerID())
	assert.Equal(t, a.instanceID(), resp.PeerID())
	assert.Equal(t, scope, init.Scope())
	assert.Equal(t, scope, resp.Scope())
}

func TestManagerRejectsInvalidScope(t *testing.T) {
	scope := trust.Scope{Prefix: "app", Permission: trust.PermissionReadWrite}
	n := newTestNode(t, scope)

	m := NewManager(config.Default(), n.deps, zap.NewNop())
	defer m.Shutdown(time.Second)

	err := m.SyncWith(context.Background(), "127.0.0.1:1",
		Options{Scope: trust.Scope{Prefix: "app/../admin", Permission: trust.PermissionRead}})
	require.Error(t, err)
	assert.Equal(t, syncerrors.ErrCodeInvalidArgument, syncerrors.GetCode(err))
	assert.Zero(t, m.ActiveCount())
}
