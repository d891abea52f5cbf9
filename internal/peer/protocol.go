// Package peer implements the interactive multi-sig protocol: an initiator
// publishes a proposal over a discovery ticket, participants verify it,
// recompute the digest themselves and answer with a signature or a refusal.
package peer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// ProtocolVersion is carried in every proposal. Peers refuse other versions.
	ProtocolVersion uint16 = 1

	// MaxFrameSize bounds a single message body.
	MaxFrameSize = 1 << 20
)

// MessageType tags a Message.
type MessageType uint8

const (
	MsgProposal MessageType = iota + 1
	MsgApproval
	MsgRejection
	MsgAck
	// MsgPending is sent by a participant while its operator or signer is
	// still deciding. It carries no payload and resets the initiator's idle
	// timer.
	MsgPending
)

func (t MessageType) String() string {
	switch t {
	case MsgProposal:
		return "proposal"
	case MsgApproval:
		return "approval"
	case MsgRejection:
		return "rejection"
	case MsgAck:
		return "ack"
	case MsgPending:
		return "pending"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Message is one frame. Exactly the field matching Type is set.
type Message struct {
	Type      MessageType `msgpack:"type"`
	Proposal  *Proposal   `msgpack:"proposal,omitempty"`
	Approval  *Approval   `msgpack:"approval,omitempty"`
	Rejection *Rejection  `msgpack:"rejection,omitempty"`
	Ack       *Ack        `msgpack:"ack,omitempty"`
}

// Proposal is everything a participant needs to rebuild and verify the
// action it is asked to sign. Digest is advisory: participants recompute it.
type Proposal struct {
	Version          uint16   `msgpack:"version"`
	SessionID        string   `msgpack:"session_id"`
	MultiSigUser     string   `msgpack:"multi_sig_user"`
	OuterSigner      string   `msgpack:"outer_signer"`
	Authorized       []string `msgpack:"authorized"`
	Threshold        int      `msgpack:"threshold"`
	Nonce            uint64   `msgpack:"nonce"`
	Chain            string   `msgpack:"chain"`
	SignatureChainID uint64   `msgpack:"signature_chain_id"`
	Vault            string   `msgpack:"vault,omitempty"`
	ExpiresAfter     uint64   `msgpack:"expires_after,omitempty"`
	Action           []byte   `msgpack:"action"` // Exchange JSON form of the inner action
	Description      string   `msgpack:"description"`
	Digest           []byte   `msgpack:"digest"`
	Deadline         int64    `msgpack:"deadline,omitempty"` // Unix millis
}

// Approval carries a participant's signature over the recomputed digest.
type Approval struct {
	Address   string `msgpack:"address"`
	Signature []byte `msgpack:"signature"`
}

// Rejection tells the initiator that no signature will follow.
type Rejection struct {
	Address string `msgpack:"address,omitempty"`
	Reason  string `msgpack:"reason"`
}

// Ack reports what the initiator did with an approval.
type Ack struct {
	Accepted  bool   `msgpack:"accepted"`
	Reason    string `msgpack:"reason,omitempty"`
	Collected int    `msgpack:"collected"`
	Threshold int    `msgpack:"threshold"`
	Finalized bool   `msgpack:"finalized"`
}

var (
	errFrameTooLarge = errors.New("frame exceeds maximum size")
	errMalformed     = errors.New("malformed message")
)

// Framer reads and writes length-prefixed msgpack messages: a 4-byte
// big-endian length followed by the body.
type Framer struct {
	r  *bufio.Reader
	w  *bufio.Writer
	sz [4]byte
}

// NewFramer wraps a byte stream.
func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{
		r: bufio.NewReader(rw),
		w: bufio.NewWriter(rw),
	}
}

// Send writes one message and flushes.
func (f *Framer) Send(m *Message) error {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	if len(body) > MaxFrameSize {
		return errFrameTooLarge
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := f.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := f.w.Write(body); err != nil {
		return err
	}
	return f.w.Flush()
}

// Recv reads one message and checks that its payload matches its type.
func (f *Framer) Recv() (*Message, error) {
	if _, err := io.ReadFull(f.r, f.sz[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(f.sz[:])
	if n > MaxFrameSize {
		return nil, errFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(f.r, body); err != nil {
		return nil, err
	}

	var m Message
	if err := msgpack.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	var ok bool
	switch m.Type {
	case MsgProposal:
		ok = m.Proposal != nil
	case MsgApproval:
		ok = m.Approval != nil
	case MsgRejection:
		ok = m.Rejection != nil
	case MsgAck:
		ok = m.Ack != nil
	case MsgPending:
		ok = true
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s without payload", errMalformed, m.Type)
	}
	return &m, nil
}
