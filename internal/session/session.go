package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/calyptra/driftsync/internal/config"
	"github.com/calyptra/driftsync/internal/instance"
	"github.com/calyptra/driftsync/internal/metrics"
	"github.com/calyptra/driftsync/internal/model"
	"github.com/calyptra/driftsync/internal/store"
	"github.com/calyptra/driftsync/internal/syncerrors"
	"github.com/calyptra/driftsync/internal/transport"
	"github.com/calyptra/driftsync/internal/trust"
	"github.com/calyptra/driftsync/internal/util"
)

// State is a sync session's lifecycle phase.
type State string

const (
	StateInitiated            State = "INITIATED"
	StateCertificateExchanged State = "CERTIFICATE_EXCHANGED"
	StateAuthorized           State = "AUTHORIZED"
	StateDiffing              State = "DIFFING"
	StateTransferring         State = "TRANSFERRING"
	StateMerging              State = "MERGING"
	StateCompleted            State = "COMPLETED"
	StateAborted              State = "ABORTED"
)

// Role distinguishes the dialing side from the accepting side.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

const nonceSize = 32

// Deps bundles the collaborators a session operates on.
type Deps struct {
	Store       *store.Store
	Buffer      *store.Buffer
	Authority   *trust.ScopeAuthority
	Registry    *instance.Registry
	Key         *trust.Key
	Certificate *trust.Certificate
	Chain       []*trust.Certificate
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Options selects what a session transfers. Push sends local changes to
// the peer; Pull asks the peer to send its changes back. Both default on.
type Options struct {
	Scope trust.Scope
	Push  bool
	Pull  bool
}

// Session runs the sync protocol over one channel. A session pushes
// local changes first, then pulls the peer's, so after a full session
// both sides hold each other's data. Sessions are single-use.
type Session struct {
	ID   string
	Role Role

	ch   transport.Channel
	deps *Deps
	cfg  config.SyncConfig

	mu          sync.Mutex
	state       State
	peerID      string
	scope       trust.Scope
	started     time.Time
	peerAborted bool

	logger *zap.Logger
}

func newSession(id string, role Role, ch transport.Channel, deps *Deps, cfg config.SyncConfig) *Session {
	return &Session{
		ID:      id,
		Role:    role,
		ch:      ch,
		deps:    deps,
		cfg:     cfg,
		state:   StateInitiated,
		started: time.Now(),
		logger: deps.Logger.With(
			zap.String("session_id", id),
			zap.String("role", string(role))),
	}
}

// State returns the session's current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerID returns the peer's instance id, empty before the handshake.
func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// Scope returns the effective scope granted for the session.
func (s *Session) Scope() trust.Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// Started returns when the session began.
func (s *Session) Started() time.Time {
	return s.started
}

// Info returns a point-in-time view of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:      s.ID,
		Role:    s.Role,
		Peer:    s.peerID,
		State:   s.state,
		Scope:   s.scope.String(),
		Started: s.started,
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	s.logger.Debug("Session state changed",
		zap.String("from", string(prev)),
		zap.String("to", string(state)))
}

// run executes the protocol and returns the terminal error, if any. The
// channel is closed and the staging buffer cleared on the way out.
func (s *Session) run(ctx context.Context, opts Options) error {
	defer s.ch.Close()
	defer s.deps.Buffer.Clear(s.ID)

	var err error
	switch s.Role {
	case RoleInitiator:
		err = s.runInitiator(ctx, opts)
	default:
		err = s.runResponder(ctx)
	}

	if err != nil {
		s.fail(err)
		return err
	}
	s.setState(StateCompleted)
	return nil
}

// fail records the abort locally and tells the peer why, unless the
// abort came from the peer in the first place.
func (s *Session) fail(err error) {
	s.setState(StateAborted)

	reason := syncerrors.AbortInternal
	var se *syncerrors.SyncError
	if syncerrors.IsSyncError(err) {
		se = syncerrors.New(syncerrors.GetCode(err), err.Error(), nil)
		reason = se.AbortReason()
	}

	s.mu.Lock()
	fromPeer := s.peerAborted
	s.mu.Unlock()

	s.logger.Warn("Session aborted",
		zap.String("reason", string(reason)),
		zap.Bool("peer_initiated", fromPeer),
		zap.Error(err))

	if fromPeer {
		return
	}
	env, encErr := transport.NewEnvelope(MsgAbort, Abort{Reason: reason, Message: err.Error()})
	if encErr != nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.ch.Send(sendCtx, env)
}

// send encodes and transmits one message.
func (s *Session) send(ctx context.Context, msgType string, body interface{}) error {
	env, err := transport.NewEnvelope(msgType, body)
	if err != nil {
		return err
	}
	return s.ch.Send(ctx, env)
}

// expect receives the next message and requires it to be one of the
// given types. A peer abort surfaces as the error the peer aborted with.
func (s *Session) expect(ctx context.Context, types ...string) (transport.Envelope, error) {
	env, err := s.ch.Receive(ctx)
	if err != nil {
		return transport.Envelope{}, err
	}
	if env.Type == MsgAbort {
		var abort Abort
		if err := env.Decode(&abort); err != nil {
			return transport.Envelope{}, err
		}
		s.mu.Lock()
		s.peerAborted = true
		s.mu.Unlock()
		return transport.Envelope{}, syncerrors.New(
			syncerrors.FromAbortReason(abort.Reason),
			fmt.Sprintf("peer aborted session: %s", abort.Message), nil)
	}
	for _, t := range types {
		if env.Type == t {
			return env, nil
		}
	}
	return transport.Envelope{}, syncerrors.TransportFailure(
		fmt.Sprintf("unexpected %s message, wanted one of %v", env.Type, types), nil)
}

func newNonce() ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, syncerrors.Internal("failed to generate nonce", err)
	}
	return nonce, nil
}

// challengeBytes binds a nonce signature to this session so it cannot be
// replayed into another.
func challengeBytes(nonce []byte, sessionID string) []byte {
	out := make([]byte, 0, len(nonce)+len(sessionID))
	out = append(out, nonce...)
	out = append(out, sessionID...)
	return out
}

func chainLeaf(chain []*trust.Certificate) (*trust.Certificate, error) {
	if len(chain) == 0 {
		return nil, syncerrors.UntrustedPeer("empty certificate chain", nil)
	}
	return chain[len(chain)-1], nil
}

// runInitiator drives the dialing side: handshake, push, pull, done.
func (s *Session) runInitiator(ctx context.Context, opts Options) error {
	if err := s.handshakeInitiator(ctx, opts.Scope); err != nil {
		return err
	}

	if opts.Push {
		if !s.scope.Permission.Implies(trust.PermissionWrite) {
			return syncerrors.ScopeViolation(
				trust.Scope{Prefix: s.scope.Prefix, Permission: trust.PermissionWrite}.String(),
				s.scope.String())
		}
		if err := s.sendData(ctx); err != nil {
			return err
		}
	}

	if opts.Pull {
		if !s.scope.Permission.Implies(trust.PermissionRead) {
			return syncerrors.ScopeViolation(
				trust.Scope{Prefix: s.scope.Prefix, Permission: trust.PermissionRead}.String(),
				s.scope.String())
		}
		if err := s.send(ctx, MsgPullRequest, PullRequest{}); err != nil {
			return err
		}
		env, err := s.expect(ctx, MsgFrontierRequest)
		if err != nil {
			return err
		}
		var req FrontierRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		if err := s.receiveData(ctx, req); err != nil {
			return err
		}
	}

	return s.send(ctx, MsgDone, Done{})
}

// runResponder serves the accepting side: handshake, then dispatch on
// whatever directions the initiator opens.
func (s *Session) runResponder(ctx context.Context) error {
	if err := s.handshakeResponder(ctx); err != nil {
		return err
	}

	for {
		env, err := s.expect(ctx, MsgFrontierRequest, MsgPullRequest, MsgDone)
		if err != nil {
			return err
		}
		switch env.Type {
		case MsgFrontierRequest:
			// The peer is about to push into our store; its granted
			// scope must carry write, not just read.
			if !s.scope.Permission.Implies(trust.PermissionWrite) {
				return syncerrors.ScopeViolation(
					trust.Scope{Prefix: s.scope.Prefix, Permission: trust.PermissionWrite}.String(),
					s.scope.String())
			}
			var req FrontierRequest
			if err := env.Decode(&req); err != nil {
				return err
			}
			if err := s.receiveData(ctx, req); err != nil {
				return err
			}
		case MsgPullRequest:
			if !s.scope.Permission.Implies(trust.PermissionRead) {
				return syncerrors.ScopeViolation(
					trust.Scope{Prefix: s.scope.Prefix, Permission: trust.PermissionRead}.String(),
					s.scope.String())
			}
			if err := s.sendData(ctx); err != nil {
				return err
			}
		case MsgDone:
			return nil
		}
	}
}

// handshakeInitiator performs the mutual nonce handshake and scope
// request from the dialing side.
func (s *Session) handshakeInitiator(ctx context.Context, requested trust.Scope) error {
	nonce, err := newNonce()
	if err != nil {
		return err
	}
	hello := Hello{
		SessionID:  s.ID,
		InstanceID: s.deps.Registry.InstanceID(),
		Nonce:      nonce,
	}
	if err := s.send(ctx, MsgHello, hello); err != nil {
		return err
	}

	env, err := s.expect(ctx, MsgChallenge)
	if err != nil {
		return err
	}
	var challenge Challenge
	if err := env.Decode(&challenge); err != nil {
		return err
	}

	s.mu.Lock()
	s.peerID = challenge.InstanceID
	s.mu.Unlock()

	leaf, err := chainLeaf(challenge.Chain)
	if err != nil {
		return err
	}
	if err := s.deps.Authority.SaveChain(challenge.Chain); err != nil {
		s.deps.Metrics.RecordChainVerification("rejected")
		return err
	}
	if !leaf.VerifyMessage(challengeBytes(nonce, s.ID), challenge.Signature) {
		s.deps.Metrics.RecordChainVerification("rejected")
		return syncerrors.UntrustedPeer("responder nonce signature invalid", nil)
	}
	if err := s.deps.Authority.VerifyChain(leaf); err != nil {
		s.deps.Metrics.RecordChainVerification("rejected")
		return err
	}
	if !leaf.Scope.CoversPartition(requested.Prefix) {
		s.deps.Metrics.RecordChainVerification("rejected")
		return syncerrors.UntrustedPeer(
			fmt.Sprintf("responder scope %s does not cover %s", leaf.Scope, requested.Prefix), nil)
	}
	s.deps.Metrics.RecordChainVerification("verified")
	s.setState(StateCertificateExchanged)

	creds := Credentials{
		RequestedScope: requested,
		Chain:          s.deps.Chain,
		Signature:      s.deps.Key.Sign(challengeBytes(challenge.Nonce, s.ID)),
	}
	if err := s.send(ctx, MsgCredentials, creds); err != nil {
		return err
	}

	env, err = s.expect(ctx, MsgAuthorized)
	if err != nil {
		return err
	}
	var authorized Authorized
	if err := env.Decode(&authorized); err != nil {
		return err
	}

	s.mu.Lock()
	s.scope = authorized.Scope
	s.mu.Unlock()
	s.setState(StateAuthorized)

	s.logger.Info("Session authorized",
		zap.String("peer", challenge.InstanceID),
		zap.String("scope", authorized.Scope.String()))
	return nil
}

// handshakeResponder performs the accepting side of the handshake and
// decides the scope the session gets.
func (s *Session) handshakeResponder(ctx context.Context) error {
	env, err := s.expect(ctx, MsgHello)
	if err != nil {
		return err
	}
	var hello Hello
	if err := env.Decode(&hello); err != nil {
		return err
	}
	if hello.SessionID == "" {
		return syncerrors.TransportFailure("hello carries no session id", nil)
	}

	s.mu.Lock()
	s.ID = hello.SessionID
	s.peerID = hello.InstanceID
	s.mu.Unlock()
	s.logger = s.deps.Logger.With(
		zap.String("session_id", hello.SessionID),
		zap.String("role", string(s.Role)))

	nonce, err := newNonce()
	if err != nil {
		return err
	}
	challenge := Challenge{
		InstanceID: s.deps.Registry.InstanceID(),
		Nonce:      nonce,
		Chain:      s.deps.Chain,
		Signature:  s.deps.Key.Sign(challengeBytes(hello.Nonce, hello.SessionID)),
	}
	if err := s.send(ctx, MsgChallenge, challenge); err != nil {
		return err
	}
	s.setState(StateCertificateExchanged)

	env, err = s.expect(ctx, MsgCredentials)
	if err != nil {
		return err
	}
	var creds Credentials
	if err := env.Decode(&creds); err != nil {
		return err
	}

	leaf, err := chainLeaf(creds.Chain)
	if err != nil {
		return err
	}
	if err := s.deps.Authority.SaveChain(creds.Chain); err != nil {
		s.deps.Metrics.RecordChainVerification("rejected")
		return err
	}
	if !leaf.VerifyMessage(challengeBytes(nonce, hello.SessionID), creds.Signature) {
		s.deps.Metrics.RecordChainVerification("rejected")
		return syncerrors.UntrustedPeer("initiator nonce signature invalid", nil)
	}
	scope, err := s.deps.Authority.Authorize(creds.RequestedScope, leaf)
	if err != nil {
		if syncerrors.GetCode(err) == syncerrors.ErrCodeScopeViolation {
			s.deps.Metrics.ScopeDenialsTotal.Inc()
		} else {
			s.deps.Metrics.RecordChainVerification("rejected")
		}
		return err
	}
	s.deps.Metrics.RecordChainVerification("verified")

	s.mu.Lock()
	s.scope = scope
	s.mu.Unlock()

	if err := s.send(ctx, MsgAuthorized, Authorized{Scope: scope}); err != nil {
		return err
	}
	s.setState(StateAuthorized)

	s.logger.Info("Session authorized",
		zap.String("peer", hello.InstanceID),
		zap.String("scope", scope.String()))
	return nil
}

// sendData streams everything under the session scope that the peer's
// frontier does not cover: ask for the peer's frontier, stage the deltas
// per partition, then send chunks and wait for each acknowledgment.
func (s *Session) sendData(ctx context.Context) error {
	s.setState(StateDiffing)

	prefix := s.Scope().Prefix
	if err := s.send(ctx, MsgFrontierRequest, FrontierRequest{Prefix: prefix}); err != nil {
		return err
	}
	env, err := s.expect(ctx, MsgFrontier)
	if err != nil {
		return err
	}
	var remote FrontierResponse
	if err := env.Decode(&remote); err != nil {
		return err
	}

	local, err := s.deps.Store.LocalFrontier(prefix)
	if err != nil {
		return err
	}

	partitions := make([]string, 0, len(local))
	for partition := range local {
		partitions = append(partitions, partition)
	}
	sort.Strings(partitions)

	// Stage deltas concurrently; the wire transfer below stays ordered.
	staged := make([]bool, len(partitions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.PartitionConcurrency)
	for i, partition := range partitions {
		i, partition := i, partition
		g.Go(func() error {
			n, err := s.stagePartition(gctx, partition, remote.Frontiers[partition])
			if err != nil {
				return err
			}
			staged[i] = n > 0
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var sendList []string
	for i, partition := range partitions {
		if staged[i] {
			sendList = append(sendList, partition)
		}
	}

	if err := s.send(ctx, MsgTransferBegin, TransferBegin{Partitions: sendList}); err != nil {
		return err
	}
	s.setState(StateTransferring)

	for _, partition := range sendList {
		if err := s.sendPartition(ctx, partition); err != nil {
			return err
		}
	}

	s.setState(StateMerging)
	if err := s.send(ctx, MsgTransferComplete, TransferComplete{Frontiers: local}); err != nil {
		return err
	}
	if _, err := s.expect(ctx, MsgCompleteAck); err != nil {
		return err
	}
	return nil
}

// stagePartition pages the partition's delta against the remote frontier
// into the session buffer and returns how many records were staged.
func (s *Session) stagePartition(ctx context.Context, partition string, remote model.Frontier) (int, error) {
	if remote == nil {
		remote = model.Frontier{}
	}
	total := 0
	cursor := model.Version{}
	for {
		if err := ctx.Err(); err != nil {
			return total, syncerrors.TransportFailure("staging cancelled", err)
		}
		page, next, done, err := s.deps.Store.DeltaPage(partition, remote, cursor, s.cfg.ChunkSize)
		if err != nil {
			return total, err
		}
		cursor = next
		if len(page) > 0 {
			if _, err := s.deps.Buffer.Queue(s.ID, partition, page); err != nil {
				return total, err
			}
			total += len(page)
		}
		if done {
			return total, nil
		}
	}
}

// sendPartition streams one partition's staged records as sequenced,
// checksummed chunks, releasing the staging rows once the final chunk is
// acknowledged.
func (s *Session) sendPartition(ctx context.Context, partition string) error {
	offset := 0
	var sequence int64
	for {
		page, err := s.deps.Buffer.Page(s.ID, partition, offset, s.cfg.ChunkSize)
		if err != nil {
			return err
		}
		final := len(page) < s.cfg.ChunkSize
		chunk := Chunk{
			Partition: partition,
			Sequence:  sequence,
			Records:   page,
			Checksum:  util.ChunkChecksum(page),
			Final:     final,
		}
		if err := s.sendChunkAcked(ctx, chunk); err != nil {
			return err
		}

		bytes := 0
		for _, rec := range page {
			bytes += len(rec.Payload)
		}
		s.deps.Metrics.RecordChunkSent(len(page), bytes)

		offset += len(page)
		sequence++
		if final {
			break
		}
	}
	s.logger.Debug("Partition transferred",
		zap.String("partition", partition),
		zap.Int("records", offset),
		zap.Int64("chunks", sequence))
	return s.deps.Buffer.ClearPartition(s.ID, partition)
}

// sendChunkAcked sends one chunk and waits for its acknowledgment,
// retrying on ack timeout. Re-delivery is safe: applying a chunk twice
// merges to the same result.
func (s *Session) sendChunkAcked(ctx context.Context, chunk Chunk) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			s.deps.Metrics.ChunkRetriesTotal.Inc()
			s.logger.Warn("Retrying chunk",
				zap.String("partition", chunk.Partition),
				zap.Int64("sequence", chunk.Sequence),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-time.After(s.cfg.RetryBackoff):
			case <-ctx.Done():
				return syncerrors.TransportFailure("chunk send cancelled", ctx.Err())
			}
		}

		if err := s.send(ctx, MsgChunk, chunk); err != nil {
			lastErr = err
			continue
		}

		if _, err := s.awaitAck(ctx, chunk); err != nil {
			// A peer abort is final; only timeouts are retried.
			if code := syncerrors.GetCode(err); code != syncerrors.ErrCodeTransportFailure {
				return err
			}
			lastErr = err
			continue
		}
		return nil
	}
	return syncerrors.TransportFailure(
		fmt.Sprintf("chunk %s/%d unacknowledged after %d attempts",
			chunk.Partition, chunk.Sequence, s.cfg.MaxRetries+1), lastErr)
}

// awaitAck waits for the in-flight chunk's acknowledgment. Acks for
// anything else, leftovers from retransmitted chunks or from earlier
// partitions, are discarded.
func (s *Session) awaitAck(ctx context.Context, chunk Chunk) (ChunkAck, error) {
	ackCtx, cancel := context.WithTimeout(ctx, s.cfg.AckTimeout)
	defer cancel()
	for {
		env, err := s.expect(ackCtx, MsgChunkAck)
		if err != nil {
			return ChunkAck{}, err
		}
		var ack ChunkAck
		if err := env.Decode(&ack); err != nil {
			return ChunkAck{}, err
		}
		if ack.Partition != chunk.Partition || ack.Sequence != chunk.Sequence {
			continue
		}
		return ack, nil
	}
}

// receiveData serves the receiving half of one transfer direction,
// starting from the already-decoded frontier request. Each chunk is
// merged durably before it is acknowledged; watermarks rise to the
// sender's full frontier only once the direction completes.
func (s *Session) receiveData(ctx context.Context, req FrontierRequest) error {
	s.setState(StateDiffing)

	scope := s.Scope()
	if !scope.CoversPartition(req.Prefix) {
		return syncerrors.ScopeViolation(req.Prefix, scope.String())
	}

	frontiers, err := s.deps.Store.LocalFrontier(req.Prefix)
	if err != nil {
		return err
	}
	if err := s.send(ctx, MsgFrontier, FrontierResponse{Frontiers: frontiers}); err != nil {
		return err
	}

	env, err := s.expect(ctx, MsgTransferBegin)
	if err != nil {
		return err
	}
	var begin TransferBegin
	if err := env.Decode(&begin); err != nil {
		return err
	}

	announced := make(map[string]bool, len(begin.Partitions))
	pending := make(map[string]bool, len(begin.Partitions))
	for _, partition := range begin.Partitions {
		if !scope.CoversPartition(partition) {
			return syncerrors.ScopeViolation(partition, scope.String())
		}
		announced[partition] = true
		pending[partition] = true
	}

	s.setState(StateTransferring)
	var complete TransferComplete
	for {
		env, err := s.expect(ctx, MsgChunk, MsgTransferComplete)
		if err != nil {
			return err
		}
		if env.Type == MsgTransferComplete {
			if len(pending) > 0 {
				return syncerrors.TransportFailure(
					fmt.Sprintf("transfer ended with %d partitions unfinished", len(pending)), nil)
			}
			if err := env.Decode(&complete); err != nil {
				return err
			}
			break
		}
		var chunk Chunk
		if err := env.Decode(&chunk); err != nil {
			return err
		}
		if !announced[chunk.Partition] {
			return syncerrors.MalformedChunk(chunk.Sequence,
				fmt.Sprintf("partition %s was not announced", chunk.Partition))
		}
		if util.ChunkChecksum(chunk.Records) != chunk.Checksum {
			s.deps.Metrics.ChecksumFailuresTotal.Inc()
			return syncerrors.MalformedChunk(chunk.Sequence, "checksum mismatch")
		}

		// A retransmission of an already-applied chunk, including a
		// final one, merges to the same state and is simply re-acked.
		start := time.Now()
		if err := s.deps.Store.ApplyChunk(chunk.Partition, chunk.Records); err != nil {
			return err
		}
		conflicts := 0
		for _, rec := range chunk.Records {
			conflicts += len(rec.Conflicts)
		}
		s.deps.Metrics.RecordChunkApplied(len(chunk.Records), conflicts, time.Since(start).Seconds())

		ack := ChunkAck{Partition: chunk.Partition, Sequence: chunk.Sequence}
		if err := s.send(ctx, MsgChunkAck, ack); err != nil {
			return err
		}
		if chunk.Final {
			delete(pending, chunk.Partition)
		}
	}

	s.setState(StateMerging)
	for partition, frontier := range complete.Frontiers {
		if !scope.CoversPartition(partition) {
			return syncerrors.ScopeViolation(partition, scope.String())
		}
		if err := s.deps.Store.MaxCounters().RaiseToFrontier(partition, frontier); err != nil {
			return err
		}
		s.deps.Metrics.WatermarkAdvances.Inc()
	}
	return s.send(ctx, MsgCompleteAck, CompleteAck{})
}
