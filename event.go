package lnconform

import (
	"bytes"
	"fmt"
	"time"

	"github.com/breez/lnconform/bolt"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
)

// Event is one step of a conformance script. Events run strictly in
// script order; an event either applies fully or fails the run.
type Event interface {
	Run(r *Runner) error
}

func resolveNum(r *Runner, fv FieldValue, what string) (uint64, error) {
	v, err := fv.Resolve(r)
	if err != nil {
		return 0, err
	}
	if v.Kind != bolt.KindNum {
		return 0, newFailure(ScriptError, "%s: expected number, got %s", what, v)
	}
	return v.N, nil
}

func resolveBytes(r *Runner, fv FieldValue, what string) ([]byte, error) {
	v, err := fv.Resolve(r)
	if err != nil {
		return nil, err
	}
	if v.Kind != bolt.KindBytes {
		return nil, newFailure(ScriptError, "%s: expected bytes, got %s", what, v)
	}
	return v.B, nil
}

func resolvePubKey(r *Runner, fv FieldValue, what string) (*btcec.PublicKey, error) {
	b, err := resolveBytes(r, fv, what)
	if err != nil {
		return nil, err
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, &Failure{
			Kind:   ProtocolMismatch,
			Field:  what,
			Detail: fmt.Sprintf("invalid public key %x: %v", b, err),
		}
	}
	return pub, nil
}

// Connect opens the transport session to the node under test. The
// init exchange itself is left to the script.
type Connect struct{}

func (e Connect) Run(r *Runner) error {
	return r.connect()
}

// Disconnect closes the current session. A later Connect reconnects.
type Disconnect struct{}

func (e Disconnect) Run(r *Runner) error {
	return r.disconnect()
}

// Msg sends one named message with the given fields, recording every
// field in the stash under the sent direction.
type Msg struct {
	Name   string
	Fields map[string]FieldValue
}

func (e Msg) Run(r *Runner) error {
	m, err := bolt.NewMessage(e.Name)
	if err != nil {
		return newFailure(ScriptError, "%v", err)
	}
	for name, fv := range e.Fields {
		v, err := fv.Resolve(r)
		if err != nil {
			return err
		}
		m.Fields[name] = v
	}
	return r.sendMessage(m)
}

// RawMsg injects arbitrary bytes on the wire, type prefix included.
// Used to probe unknown-message handling.
type RawMsg struct {
	Data FieldValue
}

func (e RawMsg) Run(r *Runner) error {
	b, err := resolveBytes(r, e.Data, "raw message")
	if err != nil {
		return err
	}
	return r.sendRaw(b)
}

// ExpectMsg receives the next substantive message and checks it
// against the pattern. Listed fields must match their resolved values;
// unlisted fields are ignored. Unknown odd-typed messages received in
// the meantime are skipped; an unknown even-typed message fails the
// run, as the peer was required to understand it before sending.
type ExpectMsg struct {
	Name   string
	Fields map[string]FieldValue

	// IfMatch, when set, runs after the field checks for arbitrary
	// whole-message validation.
	IfMatch func(r *Runner, m *bolt.Message) error
}

func (e ExpectMsg) Run(r *Runner) error {
	for {
		m, err := r.receiveMessage(r.Config.Timeout)
		if err != nil {
			return err
		}

		if !m.Known() {
			if m.Type.IsOdd() {
				continue
			}
			return &Failure{
				Kind:    ProtocolMismatch,
				Message: e.Name,
				Detail:  fmt.Sprintf("peer sent unknown even message type %d", m.Type),
			}
		}

		if m.Name() != e.Name {
			f := &Failure{
				Kind:     ProtocolMismatch,
				Message:  e.Name,
				Expected: e.Name,
				Actual:   m.Name(),
			}
			if m.Type == bolt.MsgError || m.Type == bolt.MsgWarning {
				if data, ok := m.Fields["data"]; ok {
					f.Detail = fmt.Sprintf("peer said: %q", string(data.B))
				}
			}
			return f
		}

		for name, fv := range e.Fields {
			want, err := fv.Resolve(r)
			if err != nil {
				return err
			}
			got, ok := m.Fields[name]
			if !ok {
				return &Failure{
					Kind:     ProtocolMismatch,
					Message:  e.Name,
					Field:    name,
					Expected: want.String(),
					Actual:   "<absent>",
				}
			}
			if !want.Equal(got) {
				return &Failure{
					Kind:     ProtocolMismatch,
					Message:  e.Name,
					Field:    name,
					Expected: want.String(),
					Actual:   got.String(),
				}
			}
		}

		if e.IfMatch != nil {
			if err := e.IfMatch(r, m); err != nil {
				return failureFrom(err, ProtocolMismatch)
			}
		}

		r.Stash.Record(DirRcvd, m)
		return nil
	}
}

// MustNotMsg asserts the named message does not arrive within Wait
// (the run timeout when zero). A different message arriving is pushed
// back for later events.
type MustNotMsg struct {
	Name string
	Wait time.Duration
}

func (e MustNotMsg) Run(r *Runner) error {
	wait := e.Wait
	if wait == 0 {
		wait = r.Config.Timeout
	}
	m, err := r.receiveMessage(wait)
	if err != nil {
		if f, ok := err.(*Failure); ok && f.Kind == Timeout {
			return nil
		}
		return err
	}
	if m.Name() == e.Name {
		return &Failure{
			Kind:    ProtocolMismatch,
			Message: e.Name,
			Detail:  "message arrived but was forbidden here",
		}
	}
	r.pushBack(m)
	return nil
}

// ExpectError requires the peer to reject: the next substantive
// message must be an error or warning.
type ExpectError struct{}

func (e ExpectError) Run(r *Runner) error {
	m, err := r.receiveMessage(r.Config.Timeout)
	if err != nil {
		return err
	}
	if m.Type != bolt.MsgError && m.Type != bolt.MsgWarning {
		return &Failure{
			Kind:     ProtocolMismatch,
			Expected: "error or warning",
			Actual:   m.Name(),
		}
	}
	r.Stash.Record(DirRcvd, m)
	return nil
}

// Block mines NumBlocks blocks, confirming any given raw transactions
// in the first of them.
type Block struct {
	NumBlocks uint32
	Txs       []FieldValue
}

func (e Block) Run(r *Runner) error {
	var txs [][]byte
	for i, fv := range e.Txs {
		b, err := resolveBytes(r, fv, fmt.Sprintf("block tx %d", i))
		if err != nil {
			return err
		}
		txs = append(txs, b)
	}
	count := e.NumBlocks
	if count == 0 {
		count = 1
	}
	if err := r.Chain.Mine(count, txs); err != nil {
		return fmt.Errorf("mine: %w", err)
	}
	return nil
}

// ExpectTx asserts the chain has seen the given raw transaction,
// i.e. the peer broadcast it.
type ExpectTx struct {
	Tx FieldValue
}

func (e ExpectTx) Run(r *Runner) error {
	raw, err := resolveBytes(r, e.Tx, "expected tx")
	if err != nil {
		return err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return newFailure(ScriptError, "undecodable expected tx: %v", err)
	}
	txid := tx.TxHash()
	ok, err := r.Chain.HasTx(txid)
	if err != nil {
		return fmt.Errorf("chain lookup: %w", err)
	}
	if !ok {
		return &Failure{
			Kind:   ProtocolMismatch,
			Detail: fmt.Sprintf("transaction %s not seen on chain", txid),
		}
	}
	return nil
}

// FundChannel instructs the node under test to initiate a channel open
// toward the harness over the existing connection.
type FundChannel struct {
	AmountSat uint64
	Feerate   uint32
}

func (e FundChannel) Run(r *Runner) error {
	if r.Node == nil {
		return newFailure(ScriptError, "no node driver attached")
	}
	if err := r.Node.FundChannel(r.Config.LocalNodeID(), e.AmountSat, e.Feerate); err != nil {
		return fmt.Errorf("fundchannel: %w", err)
	}
	return nil
}

// DualFundAccept configures the node under test to contribute funds
// when accepting the harness's next open.
type DualFundAccept struct {
	AmountSat uint64
}

func (e DualFundAccept) Run(r *Runner) error {
	if r.Node == nil {
		return newFailure(ScriptError, "no node driver attached")
	}
	if err := r.Node.InitDualFund(e.AmountSat); err != nil {
		return fmt.Errorf("dual-fund policy: %w", err)
	}
	return nil
}

// SideEffect runs an arbitrary step against the run state.
type SideEffect struct {
	Desc string
	Fn   func(r *Runner) error
}

func (e SideEffect) Run(r *Runner) error {
	return e.Fn(r)
}

// CheckEq fails with a mismatch unless both values resolve equal.
type CheckEq struct {
	A, B FieldValue
}

func (e CheckEq) Run(r *Runner) error {
	a, err := e.A.Resolve(r)
	if err != nil {
		return err
	}
	b, err := e.B.Resolve(r)
	if err != nil {
		return err
	}
	if !a.Equal(b) {
		return &Failure{
			Kind:     ProtocolMismatch,
			Expected: a.String(),
			Actual:   b.String(),
			Detail:   fmt.Sprintf("%s != %s", e.A, e.B),
		}
	}
	return nil
}

// CreateDualFunding seeds the interactive funding builder from the
// negotiated capacity, locktime, and the peer's funding pubkey. The
// harness's funding key comes from the run config.
type CreateDualFunding struct {
	FundingSats      FieldValue
	Locktime         FieldValue
	RemoteFundingPub FieldValue
}

func (e CreateDualFunding) Run(r *Runner) error {
	sats, err := resolveNum(r, e.FundingSats, "funding_satoshis")
	if err != nil {
		return err
	}
	locktime, err := resolveNum(r, e.Locktime, "locktime")
	if err != nil {
		return err
	}
	remotePub, err := resolvePubKey(r, e.RemoteFundingPub, "funding_pubkey")
	if err != nil {
		return err
	}
	f, err := NewFunding(r.Config.FundingKey, remotePub, sats, uint32(locktime))
	if err != nil {
		return err
	}
	r.Funding = f
	return nil
}

// CreateFunding builds and signs a complete single-funder funding
// transaction from a fixture coin, for non-interactive opens.
type CreateFunding struct {
	UTXO             *SpendableUTXO
	FundingSats      FieldValue
	FeeSats          FieldValue
	RemoteFundingPub FieldValue
}

func (e CreateFunding) Run(r *Runner) error {
	sats, err := resolveNum(r, e.FundingSats, "funding_satoshis")
	if err != nil {
		return err
	}
	fee, err := resolveNum(r, e.FeeSats, "funding fee")
	if err != nil {
		return err
	}
	remotePub, err := resolvePubKey(r, e.RemoteFundingPub, "funding_pubkey")
	if err != nil {
		return err
	}
	f, err := FundingFromUTXO(e.UTXO, r.Spendable, sats, fee, r.Config.FundingKey, remotePub)
	if err != nil {
		return err
	}
	r.Funding = f
	return nil
}

// AddInput contributes one input to the funding transaction. For the
// harness's own contributions set UTXO; for the peer's, wire the
// fields from the received tx_add_input.
type AddInput struct {
	Side     Side
	SerialID FieldValue

	UTXO *SpendableUTXO

	PrevTx     FieldValue
	PrevTxVout FieldValue
	Sequence   FieldValue
}

func (e AddInput) Run(r *Runner) error {
	if r.Funding == nil {
		return newFailure(ScriptError, "no funding in progress")
	}
	serial, err := resolveNum(r, e.SerialID, "serial_id")
	if err != nil {
		return err
	}

	sequence := uint64(wire.MaxTxInSequenceNum)
	if e.Sequence.isSet() {
		sequence, err = resolveNum(r, e.Sequence, "sequence")
		if err != nil {
			return err
		}
	}

	if e.UTXO != nil {
		return r.Funding.AddInput(
			e.Side, serial, r.Spendable, e.UTXO.Vout,
			uint32(sequence), nil, e.UTXO.PrivKey,
		)
	}

	prevTx, err := resolveBytes(r, e.PrevTx, "prevtx")
	if err != nil {
		return err
	}
	vout, err := resolveNum(r, e.PrevTxVout, "prevtx_vout")
	if err != nil {
		return err
	}
	return r.Funding.AddInput(e.Side, serial, prevTx, uint32(vout), uint32(sequence), nil, nil)
}

// AddOutput contributes one output to the funding transaction.
type AddOutput struct {
	Side     Side
	SerialID FieldValue
	Sats     FieldValue
	Script   FieldValue
}

func (e AddOutput) Run(r *Runner) error {
	if r.Funding == nil {
		return newFailure(ScriptError, "no funding in progress")
	}
	serial, err := resolveNum(r, e.SerialID, "serial_id")
	if err != nil {
		return err
	}
	sats, err := resolveNum(r, e.Sats, "sats")
	if err != nil {
		return err
	}
	script, err := resolveBytes(r, e.Script, "script")
	if err != nil {
		return err
	}
	return r.Funding.AddOutput(e.Side, serial, sats, script)
}

// FinalizeFunding freezes the input/output set and computes the
// canonical funding transaction.
type FinalizeFunding struct{}

func (e FinalizeFunding) Run(r *Runner) error {
	if r.Funding == nil {
		return newFailure(ScriptError, "no funding in progress")
	}
	return r.Funding.Finalize()
}

// AddWitnesses attaches the peer's tx_signatures witness stacks and
// signs the harness's own inputs.
type AddWitnesses struct {
	Witnesses FieldValue
}

func (e AddWitnesses) Run(r *Runner) error {
	if r.Funding == nil {
		return newFailure(ScriptError, "no funding in progress")
	}
	v, err := e.Witnesses.Resolve(r)
	if err != nil {
		return err
	}
	stacks, err := witnessStacks(v)
	if err != nil {
		return err
	}
	return r.Funding.AddWitnesses(r.Config.Role.Other(), stacks)
}

func witnessStacks(v bolt.Value) ([]wire.TxWitness, error) {
	if v.Kind != bolt.KindList {
		return nil, &Failure{
			Kind:    ProtocolMismatch,
			Message: "tx_signatures",
			Field:   "witness_stack",
			Detail:  fmt.Sprintf("expected witness list, got %s", v),
		}
	}
	stacks := make([]wire.TxWitness, len(v.L))
	for i, wit := range v.L {
		if wit.Kind != bolt.KindList {
			return nil, &Failure{
				Kind:    ProtocolMismatch,
				Message: "tx_signatures",
				Field:   "witness_stack",
				Detail:  fmt.Sprintf("expected witness elements, got %s", wit),
			}
		}
		stack := make(wire.TxWitness, len(wit.L))
		for j, el := range wit.L {
			if el.Kind != bolt.KindBytes {
				return nil, &Failure{
					Kind:    ProtocolMismatch,
					Message: "tx_signatures",
					Field:   "witness_stack",
					Detail:  fmt.Sprintf("expected witness bytes, got %s", el),
				}
			}
			stack[j] = el.B
		}
		stacks[i] = stack
	}
	return stacks, nil
}

// Commit recomputes the channel's commitment state from the current
// funding and the given negotiation parameters.
type Commit struct {
	Opener Side

	LocalDelay  FieldValue
	RemoteDelay FieldValue
	LocalMsat   FieldValue
	RemoteMsat  FieldValue
	LocalDust   FieldValue
	RemoteDust  FieldValue
	Feerate     FieldValue

	LocalFeatures  FieldValue
	RemoteFeatures FieldValue
}

func (e Commit) Run(r *Runner) error {
	if r.Funding == nil {
		return newFailure(ScriptError, "no funding in progress")
	}

	var localDelay, remoteDelay, localMsat, remoteMsat, localDust, remoteDust, feerate uint64
	for _, spec := range []struct {
		what string
		fv   FieldValue
		dst  *uint64
	}{
		{"local delay", e.LocalDelay, &localDelay},
		{"remote delay", e.RemoteDelay, &remoteDelay},
		{"local msat", e.LocalMsat, &localMsat},
		{"remote msat", e.RemoteMsat, &remoteMsat},
		{"local dust", e.LocalDust, &localDust},
		{"remote dust", e.RemoteDust, &remoteDust},
		{"feerate", e.Feerate, &feerate},
	} {
		n, err := resolveNum(r, spec.fv, spec.what)
		if err != nil {
			return err
		}
		*spec.dst = n
	}

	localFeatures, err := resolveBytes(r, e.LocalFeatures, "local features")
	if err != nil {
		return err
	}
	remoteFeatures, err := resolveBytes(r, e.RemoteFeatures, "remote features")
	if err != nil {
		return err
	}

	r.Commitment = NewCommitment(CommitmentParams{
		Funding:        r.Funding,
		Opener:         e.Opener,
		LocalSide:      r.Config.Role,
		LocalKeys:      r.Config.LocalKeys,
		RemoteKeys:     r.Config.RemoteKeys,
		LocalDelay:     uint16(localDelay),
		RemoteDelay:    uint16(remoteDelay),
		LocalMsat:      localMsat,
		RemoteMsat:     remoteMsat,
		LocalDust:      localDust,
		RemoteDust:     remoteDust,
		Feerate:        uint32(feerate),
		LocalFeatures:  localFeatures,
		RemoteFeatures: remoteFeatures,
	})
	return nil
}

// isSet reports whether the field value was given at all, letting
// events default optional fields.
func (fv FieldValue) isSet() bool {
	return fv.lit != nil || fv.resolver != nil
}

// ChannelID defers to the v2 channel id derived from both key sets.
func ChannelID() FieldValue {
	return Deferred("channel_id_v2", func(r *Runner) (bolt.Value, error) {
		id := ChannelIDv2(r.Config.LocalKeys, r.Config.RemoteKeys)
		return bolt.BytesValue(id[:]), nil
	})
}

// TempChannelIDValue defers to the pre-funding temporary channel id.
func TempChannelIDValue() FieldValue {
	return Deferred("channel_id_tmp", func(r *Runner) (bolt.Value, error) {
		keys := r.Config.LocalKeys
		if r.Config.Role == Accepter {
			keys = r.Config.RemoteKeys
		}
		id := TempChannelID(keys)
		return bolt.BytesValue(id[:]), nil
	})
}

// LocalPerCommitPoint defers to the harness's per-commitment point at
// the given index.
func LocalPerCommitPoint(n uint64) FieldValue {
	return Deferred(fmt.Sprintf("per_commit_point(%d)", n), func(r *Runner) (bolt.Value, error) {
		p, err := r.Config.LocalKeys.RawPerCommitPoint(n)
		if err != nil {
			return bolt.Value{}, err
		}
		return bolt.BytesValue(p), nil
	})
}

// RemotePerCommitPoint defers to the peer's per-commitment point at
// the given index, derivable because its secrets are dev-forced.
func RemotePerCommitPoint(n uint64) FieldValue {
	return Deferred(fmt.Sprintf("remote_per_commit_point(%d)", n), func(r *Runner) (bolt.Value, error) {
		p, err := r.Config.RemoteKeys.RawPerCommitPoint(n)
		if err != nil {
			return bolt.Value{}, err
		}
		return bolt.BytesValue(p), nil
	})
}
