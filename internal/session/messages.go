package session

import (
	"github.com/calyptra/driftsync/internal/model"
	"github.com/calyptra/driftsync/internal/syncerrors"
	"github.com/calyptra/driftsync/internal/trust"
)

// Message type tags carried in transport envelopes.
const (
	MsgHello            = "hello"
	MsgChallenge        = "challenge"
	MsgCredentials      = "credentials"
	MsgAuthorized       = "authorized"
	MsgFrontierRequest  = "frontier_request"
	MsgFrontier         = "frontier"
	MsgTransferBegin    = "transfer_begin"
	MsgChunk            = "chunk"
	MsgChunkAck         = "chunk_ack"
	MsgTransferComplete = "transfer_complete"
	MsgCompleteAck      = "complete_ack"
	MsgPullRequest      = "pull_request"
	MsgDone             = "done"
	MsgAbort            = "abort"
)

// Hello opens a session. The initiator proposes the session id and
// includes a nonce the responder must sign, proving it holds the key of
// the certificate it presents.
type Hello struct {
	SessionID  string `json:"session_id"`
	InstanceID string `json:"instance_id"`
	Nonce      []byte `json:"nonce"`
}

// Challenge is the responder's half of the handshake: its certificate
// chain (root first), a signature over the initiator's nonce, and a
// fresh nonce the initiator must sign in turn.
type Challenge struct {
	InstanceID string               `json:"instance_id"`
	Nonce      []byte               `json:"nonce"`
	Chain      []*trust.Certificate `json:"chain"`
	Signature  []byte               `json:"signature"`
}

// Credentials carries the initiator's chain, its signature over the
// responder's nonce, and the scope it requests for the session.
type Credentials struct {
	RequestedScope trust.Scope          `json:"requested_scope"`
	Chain          []*trust.Certificate `json:"chain"`
	Signature      []byte               `json:"signature"`
}

// Authorized grants the session its effective scope.
type Authorized struct {
	Scope trust.Scope `json:"scope"`
}

// FrontierRequest asks the receiving side for its sync frontier under a
// partition prefix, opening one transfer direction.
type FrontierRequest struct {
	Prefix string `json:"prefix"`
}

// FrontierResponse reports, per partition, the highest counter the
// sender of this message holds per originating instance.
type FrontierResponse struct {
	Frontiers map[string]model.Frontier `json:"frontiers"`
}

// TransferBegin announces the partitions the sending side will stream
// chunks for. Every announced partition ends with a final chunk.
type TransferBegin struct {
	Partitions []string `json:"partitions"`
}

// Chunk carries one page of records for a partition. Sequence numbers
// start at zero per partition; the checksum covers the records so a
// corrupted chunk is rejected before any of it is applied.
type Chunk struct {
	Partition string         `json:"partition"`
	Sequence  int64          `json:"sequence"`
	Records   []model.Record `json:"records"`
	Checksum  uint32         `json:"checksum"`
	Final     bool           `json:"final"`
}

// ChunkAck acknowledges that a chunk was durably merged. The sender may
// release the acknowledged records from its staging buffer.
type ChunkAck struct {
	Partition string `json:"partition"`
	Sequence  int64  `json:"sequence"`
}

// TransferComplete closes one transfer direction and carries the
// sender's frontiers so the receiver can raise its watermarks to cover
// everything the sender held, including superseded lineage positions
// that produced no records.
type TransferComplete struct {
	Frontiers map[string]model.Frontier `json:"frontiers"`
}

// CompleteAck confirms the watermarks were raised.
type CompleteAck struct{}

// PullRequest asks the responder to stream its records back, reversing
// the transfer direction within the same session.
type PullRequest struct{}

// Done ends the session cleanly.
type Done struct{}

// Abort terminates the session with a reason both sides record.
type Abort struct {
	Reason  syncerrors.AbortReason `json:"reason"`
	Message string                 `json:"message"`
}
