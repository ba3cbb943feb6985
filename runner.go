package lnconform

import (
	"log"
	"time"

	"github.com/breez/lnconform/bolt"
	"github.com/btcsuite/btcd/btcec/v2"
)

// Node is the control surface of the implementation under test. The
// protocol surface is exercised over the wire session; these verbs
// drive the node's own behavior from the outside.
type Node interface {
	// NodeID is the node's identity pubkey in compact encoding.
	NodeID() []byte

	Host() string
	Port() uint32

	// KeySet returns the node's channel key material, known to the
	// harness because the node runs with dev-forced secrets.
	KeySet() *KeySet

	// FundingKey returns the node's dev-forced funding private key.
	FundingKey() *btcec.PrivateKey

	// FundChannel makes the node initiate a channel open toward the
	// given peer over its existing connection.
	FundChannel(peerID []byte, amountSat uint64, feerate uint32) error

	// InitDualFund configures the node to contribute the given amount
	// when accepting the next dual-funded open.
	InitDualFund(amountSat uint64) error
}

// Dialer opens the wire session to the peer.
type Dialer func(cfg *Config) (Session, error)

// Config carries the per-run identities and limits.
type Config struct {
	// Role is the side the harness plays in the open.
	Role Side

	LocalKeys  *KeySet
	RemoteKeys *KeySet

	// FundingKey is the harness's channel funding key.
	FundingKey *btcec.PrivateKey

	// RemoteFundingKey is the peer's dev-forced funding key, used to
	// derive the signatures the peer is required to send.
	RemoteFundingKey *btcec.PrivateKey

	// ConnKey is the harness's transport identity.
	ConnKey *btcec.PrivateKey

	// Timeout bounds every receive. Zero means 30 seconds.
	Timeout time.Duration
}

// LocalNodeID is the harness's identity as the peer sees it.
func (c *Config) LocalNodeID() []byte {
	return c.ConnKey.PubKey().SerializeCompressed()
}

// Runner executes a conformance script against one peer. It owns the
// run's Stash/Funding/session triple; nothing is shared across runs.
type Runner struct {
	Config Config

	Stash      *Stash
	Funding    *Funding
	Commitment *Commitment
	Chain      Chain
	Node       Node

	// Spendable is the raw transaction the fixture coins live in.
	// Defaults to the pre-signed fixture; live runs replace it with a
	// rebuild anchored on the miner's wallet.
	Spendable []byte

	dialer  Dialer
	session Session

	// Received messages flow through a journal: pending holds
	// messages read off the wire but not yet consumed by an event,
	// consumed holds those already handed out. Combinator rollback
	// requeues the consumed suffix so the next alternative sees the
	// same wire history.
	pending  []*bolt.Message
	consumed []*bolt.Message

	eventIndex int
}

func NewRunner(cfg Config, chain Chain, node Node, dialer Dialer) *Runner {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Runner{
		Config:    cfg,
		Stash:     NewStash(),
		Chain:     chain,
		Node:      node,
		dialer:    dialer,
		Spendable: StaticSpendableTx(),
	}
}

// Run executes the script. A nil return means every event was
// satisfied; otherwise the failure carries the event index and a
// stash dump for diagnosis.
func (r *Runner) Run(events []Event) *Failure {
	for i, e := range events {
		r.eventIndex = i
		log.Printf("lnconform: event %d: %T", i, e)
		if err := e.Run(r); err != nil {
			f := failureFrom(err, ScriptError)
			f.EventIndex = i
			if f.StashDump == "" {
				f.StashDump = r.Stash.Dump()
			}
			return f
		}
	}
	return nil
}

// Close releases the wire session, if any.
func (r *Runner) Close() error {
	return r.disconnect()
}

func (r *Runner) connect() error {
	if r.dialer == nil {
		return newFailure(ScriptError, "runner has no dialer")
	}
	if r.session != nil {
		if err := r.disconnect(); err != nil {
			return err
		}
	}
	s, err := r.dialer(&r.Config)
	if err != nil {
		return &Failure{Kind: ConnectionLost, EventIndex: -1, Wrapped: err}
	}
	r.session = s
	return nil
}

func (r *Runner) disconnect() error {
	if r.session == nil {
		return nil
	}
	err := r.session.Close()
	r.session = nil
	return err
}

func (r *Runner) sendMessage(m *bolt.Message) error {
	b, err := m.Encode()
	if err != nil {
		return newFailure(ScriptError, "%v", err)
	}
	if err := r.sendRaw(b); err != nil {
		return err
	}
	r.Stash.Record(DirSent, m)
	log.Printf("lnconform: sent %s", m.Name())
	return nil
}

func (r *Runner) sendRaw(b []byte) error {
	if r.session == nil {
		return newFailure(ScriptError, "send before Connect")
	}
	if err := r.session.Send(b); err != nil {
		return &Failure{Kind: ConnectionLost, EventIndex: -1, Wrapped: err}
	}
	return nil
}

// receiveMessage returns the next message, consulting the requeue
// journal before the wire.
func (r *Runner) receiveMessage(timeout time.Duration) (*bolt.Message, error) {
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.consumed = append(r.consumed, m)
		return m, nil
	}

	if r.session == nil {
		return nil, newFailure(ScriptError, "receive before Connect")
	}
	b, err := r.session.Receive(timeout)
	if err != nil {
		if err == ErrSessionTimeout {
			return nil, &Failure{Kind: Timeout, EventIndex: -1}
		}
		return nil, &Failure{Kind: ConnectionLost, EventIndex: -1, Wrapped: err}
	}

	m, err := bolt.Decode(b)
	if err != nil {
		return nil, &Failure{Kind: ProtocolMismatch, EventIndex: -1, Wrapped: err}
	}
	log.Printf("lnconform: rcvd %s", m.Name())
	r.consumed = append(r.consumed, m)
	return m, nil
}

// pushBack returns an unconsumed message to the head of the queue.
func (r *Runner) pushBack(m *bolt.Message) {
	if n := len(r.consumed); n > 0 && r.consumed[n-1] == m {
		r.consumed = r.consumed[:n-1]
	}
	r.pending = append([]*bolt.Message{m}, r.pending...)
}

type runSnapshot struct {
	stashMark    int
	consumedMark int
	funding      *Funding
	commitment   *Commitment
}

func (r *Runner) snapshot() runSnapshot {
	return runSnapshot{
		stashMark:    r.Stash.mark(),
		consumedMark: len(r.consumed),
		funding:      r.Funding.Clone(),
		commitment:   r.Commitment,
	}
}

func (r *Runner) restore(s runSnapshot) {
	r.Stash.truncate(s.stashMark)
	requeued := append([]*bolt.Message(nil), r.consumed[s.consumedMark:]...)
	r.pending = append(requeued, r.pending...)
	r.consumed = r.consumed[:s.consumedMark]
	r.Funding = s.funding
	r.Commitment = s.commitment
}
