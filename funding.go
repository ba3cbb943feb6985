package lnconform

import (
	"bytes"
	"fmt"

	"github.com/breez/lnconform/bolt"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/input"
	"golang.org/x/exp/slices"
)

// Side identifies a party by its protocol role in the channel open.
type Side int

const (
	Opener Side = iota
	Accepter
)

func (s Side) String() string {
	if s == Opener {
		return "opener"
	}
	return "accepter"
}

// Other returns the opposite role.
func (s Side) Other() Side {
	if s == Opener {
		return Accepter
	}
	return Opener
}

// ContributorOf maps a serial id to the side that must have chosen it.
// Opener serials are even, accepter serials odd.
func ContributorOf(serial uint64) Side {
	if serial%2 == 0 {
		return Opener
	}
	return Accepter
}

// FundingState tracks the interactive construction lifecycle.
type FundingState int

const (
	FundingEmpty FundingState = iota
	FundingNegotiating
	FundingFinalized
	FundingWitnessed
)

type fundingInput struct {
	serial    uint64
	prevTx    *wire.MsgTx
	prevOut   uint32
	sequence  uint32
	scriptSig []byte

	// privKey is set only for inputs the harness contributed and can
	// sign itself (fixture coins, P2WPKH).
	privKey *btcec.PrivateKey
}

type fundingOutput struct {
	serial uint64
	sats   uint64
	script []byte
}

// Funding assembles the joint funding transaction from interleaved
// add-input/add-output contributions, then freezes it and attaches
// witnesses. Serial-id parity and uniqueness are enforced before any
// state is mutated, so a rejected contribution leaves the builder
// untouched.
type Funding struct {
	state FundingState

	localKey  *btcec.PrivateKey
	remotePub *btcec.PublicKey

	fundingSats uint64
	locktime    uint32

	inputs  []fundingInput
	outputs []fundingOutput

	tx          *wire.MsgTx
	outputIndex int
	script      []byte
}

// NewFunding seeds a builder with both parties' funding keys and the
// agreed channel capacity. The locktime comes from open_channel2.
func NewFunding(localKey *btcec.PrivateKey, remotePub *btcec.PublicKey, fundingSats uint64, locktime uint32) (*Funding, error) {
	script, _, err := input.GenFundingPkScript(
		localKey.PubKey().SerializeCompressed(),
		remotePub.SerializeCompressed(),
		int64(fundingSats),
	)
	if err != nil {
		return nil, fmt.Errorf("funding script: %w", err)
	}

	return &Funding{
		state:       FundingEmpty,
		localKey:    localKey,
		remotePub:   remotePub,
		fundingSats: fundingSats,
		locktime:    locktime,
		outputIndex: -1,
		script:      script,
	}, nil
}

func (f *Funding) State() FundingState {
	return f.state
}

// Amount returns the channel capacity in satoshis.
func (f *Funding) Amount() uint64 {
	return f.fundingSats
}

// LockingScript returns the 2-of-2 P2WSH script locking the funding
// output. Key order inside the multisig is lexicographic, matching the
// peer's independent computation.
func (f *Funding) LockingScript() []byte {
	return f.script
}

// LocalFundingKey exposes the harness side's funding private key.
func (f *Funding) LocalFundingKey() *btcec.PrivateKey {
	return f.localKey
}

// RemoteFundingPub exposes the peer's funding public key.
func (f *Funding) RemoteFundingPub() *btcec.PublicKey {
	return f.remotePub
}

// checkContribution enforces the parity-ownership rule before any
// mutation. Serial uniqueness is scoped per pool: an input and an
// output may legitimately carry the same serial id.
func (f *Funding) checkContribution(side Side, serial uint64) error {
	if f.state >= FundingFinalized {
		return newFailure(ScriptError, "funding already finalized")
	}
	if ContributorOf(serial) != side {
		return &Failure{
			Kind:       OrderingViolation,
			EventIndex: -1,
			Detail: fmt.Sprintf(
				"serial id %d has %s parity but was contributed by the %s",
				serial, ContributorOf(serial), side,
			),
		}
	}
	return nil
}

func duplicateSerial(serial uint64) error {
	return &Failure{
		Kind:       OrderingViolation,
		EventIndex: -1,
		Detail:     fmt.Sprintf("duplicate serial id %d", serial),
	}
}

// AddInput records one party's input. prevTxBytes is the full previous
// transaction, as carried by tx_add_input. privKey may be nil for
// inputs the harness cannot sign (the peer signs those and hands over
// witnesses in tx_signatures).
func (f *Funding) AddInput(side Side, serial uint64, prevTxBytes []byte, vout uint32, sequence uint32, scriptSig []byte, privKey *btcec.PrivateKey) error {
	if err := f.checkContribution(side, serial); err != nil {
		return err
	}
	for _, in := range f.inputs {
		if in.serial == serial {
			return duplicateSerial(serial)
		}
	}

	prevTx := &wire.MsgTx{}
	if err := prevTx.Deserialize(bytes.NewReader(prevTxBytes)); err != nil {
		return &Failure{
			Kind:    ProtocolMismatch,
			Message: "tx_add_input",
			Field:   "prevtx",
			Detail:  fmt.Sprintf("undecodable previous tx: %v", err),
		}
	}
	if int(vout) >= len(prevTx.TxOut) {
		return &Failure{
			Kind:    ProtocolMismatch,
			Message: "tx_add_input",
			Field:   "prevtx_vout",
			Detail:  fmt.Sprintf("vout %d out of range (%d outputs)", vout, len(prevTx.TxOut)),
		}
	}

	f.inputs = append(f.inputs, fundingInput{
		serial:    serial,
		prevTx:    prevTx,
		prevOut:   vout,
		sequence:  sequence,
		scriptSig: scriptSig,
		privKey:   privKey,
	})
	f.state = FundingNegotiating
	return nil
}

// AddOutput records one party's output.
func (f *Funding) AddOutput(side Side, serial uint64, sats uint64, script []byte) error {
	if err := f.checkContribution(side, serial); err != nil {
		return err
	}
	for _, out := range f.outputs {
		if out.serial == serial {
			return duplicateSerial(serial)
		}
	}
	f.outputs = append(f.outputs, fundingOutput{
		serial: serial,
		sats:   sats,
		script: append([]byte(nil), script...),
	})
	f.state = FundingNegotiating
	return nil
}

// RemoveInput drops a previously added input. Only the contributor may
// remove its own serials.
func (f *Funding) RemoveInput(side Side, serial uint64) error {
	if f.state >= FundingFinalized {
		return newFailure(ScriptError, "funding already finalized")
	}
	for i, in := range f.inputs {
		if in.serial != serial {
			continue
		}
		if ContributorOf(serial) != side {
			return &Failure{
				Kind:   OrderingViolation,
				Detail: fmt.Sprintf("%s removing serial %d it does not own", side, serial),
			}
		}
		f.inputs = append(f.inputs[:i], f.inputs[i+1:]...)
		return nil
	}
	return &Failure{
		Kind:   OrderingViolation,
		Detail: fmt.Sprintf("remove of unknown input serial %d", serial),
	}
}

// RemoveOutput drops a previously added output, same ownership rule as
// RemoveInput.
func (f *Funding) RemoveOutput(side Side, serial uint64) error {
	if f.state >= FundingFinalized {
		return newFailure(ScriptError, "funding already finalized")
	}
	for i, out := range f.outputs {
		if out.serial != serial {
			continue
		}
		if ContributorOf(serial) != side {
			return &Failure{
				Kind:   OrderingViolation,
				Detail: fmt.Sprintf("%s removing serial %d it does not own", side, serial),
			}
		}
		f.outputs = append(f.outputs[:i], f.outputs[i+1:]...)
		return nil
	}
	return &Failure{
		Kind:   OrderingViolation,
		Detail: fmt.Sprintf("remove of unknown output serial %d", serial),
	}
}

// Finalize locks the input/output set, orders both by serial id,
// checks value conservation, and computes the canonical transaction.
func (f *Funding) Finalize() error {
	if f.state != FundingNegotiating {
		return newFailure(ScriptError, "finalize in state %d", f.state)
	}

	slices.SortFunc(f.inputs, func(a, b fundingInput) bool {
		return a.serial < b.serial
	})
	slices.SortFunc(f.outputs, func(a, b fundingOutput) bool {
		return a.serial < b.serial
	})

	var inSats, outSats uint64
	tx := wire.NewMsgTx(2)
	tx.LockTime = f.locktime
	for _, in := range f.inputs {
		inSats += uint64(in.prevTx.TxOut[in.prevOut].Value)
		txIn := wire.NewTxIn(&wire.OutPoint{
			Hash:  in.prevTx.TxHash(),
			Index: in.prevOut,
		}, in.scriptSig, nil)
		txIn.Sequence = in.sequence
		tx.AddTxIn(txIn)
	}
	for _, out := range f.outputs {
		outSats += out.sats
		tx.AddTxOut(wire.NewTxOut(int64(out.sats), out.script))
	}

	if inSats < outSats {
		return &Failure{
			Kind: ConservationViolation,
			Detail: fmt.Sprintf(
				"inputs %d sat do not cover outputs %d sat", inSats, outSats,
			),
		}
	}

	f.outputIndex = -1
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, f.script) {
			f.outputIndex = i
			break
		}
	}
	if f.outputIndex < 0 {
		return &Failure{
			Kind:   ProtocolMismatch,
			Detail: "no output pays the expected 2-of-2 funding script",
		}
	}

	f.tx = tx
	f.state = FundingFinalized
	return nil
}

// Tx returns the funding transaction. Nil before Finalize.
func (f *Funding) Tx() *wire.MsgTx {
	return f.tx
}

// TxID returns the canonical transaction id. Valid after Finalize.
func (f *Funding) TxID() chainhash.Hash {
	return f.tx.TxHash()
}

// OutPoint returns the funding output's outpoint. Valid after
// Finalize.
func (f *Funding) OutPoint() wire.OutPoint {
	return wire.OutPoint{Hash: f.tx.TxHash(), Index: uint32(f.outputIndex)}
}

func (f *Funding) prevOutFetcher() txscript.PrevOutputFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range f.inputs {
		fetcher.AddPrevOut(wire.OutPoint{
			Hash:  in.prevTx.TxHash(),
			Index: in.prevOut,
		}, in.prevTx.TxOut[in.prevOut])
	}
	return fetcher
}

// AddWitnesses attaches the peer's witness stacks (in the peer's
// serial order, as carried by tx_signatures) and signs the harness's
// own inputs. After it returns the transaction is broadcastable.
func (f *Funding) AddWitnesses(peer Side, peerWitnesses []wire.TxWitness) error {
	if f.state != FundingFinalized {
		return newFailure(ScriptError, "witnesses in state %d", f.state)
	}

	fetcher := f.prevOutFetcher()
	sigHashes := txscript.NewTxSigHashes(f.tx, fetcher)

	next := 0
	for i, in := range f.inputs {
		if ContributorOf(in.serial) == peer {
			if next >= len(peerWitnesses) {
				return &Failure{
					Kind:    ProtocolMismatch,
					Message: "tx_signatures",
					Field:   "witness_stack",
					Detail:  fmt.Sprintf("%d witnesses for %d peer inputs", len(peerWitnesses), next+1),
				}
			}
			f.tx.TxIn[i].Witness = peerWitnesses[next]
			next++
			continue
		}

		if in.privKey == nil {
			return newFailure(ScriptError, "no key for own input serial %d", in.serial)
		}
		prevOut := in.prevTx.TxOut[in.prevOut]
		witness, err := txscript.WitnessSignature(
			f.tx, sigHashes, i, prevOut.Value, prevOut.PkScript,
			txscript.SigHashAll, in.privKey, true,
		)
		if err != nil {
			return fmt.Errorf("sign input %d: %w", i, err)
		}
		f.tx.TxIn[i].Witness = witness
	}

	if next != len(peerWitnesses) {
		return &Failure{
			Kind:    ProtocolMismatch,
			Message: "tx_signatures",
			Field:   "witness_stack",
			Detail:  fmt.Sprintf("%d witnesses for %d peer inputs", len(peerWitnesses), next),
		}
	}

	f.state = FundingWitnessed
	return nil
}

// OwnWitnesses signs the harness's inputs against the finalized
// transaction and returns their stacks in serial order, for sending in
// tx_signatures. It does not change builder state.
func (f *Funding) OwnWitnesses() ([]wire.TxWitness, error) {
	if f.state < FundingFinalized {
		return nil, newFailure(ScriptError, "witnesses requested before finalize")
	}

	fetcher := f.prevOutFetcher()
	sigHashes := txscript.NewTxSigHashes(f.tx, fetcher)

	var stacks []wire.TxWitness
	for i, in := range f.inputs {
		if in.privKey == nil {
			continue
		}
		prevOut := in.prevTx.TxOut[in.prevOut]
		witness, err := txscript.WitnessSignature(
			f.tx, sigHashes, i, prevOut.Value, prevOut.PkScript,
			txscript.SigHashAll, in.privKey, true,
		)
		if err != nil {
			return nil, fmt.Errorf("sign input %d: %w", i, err)
		}
		stacks = append(stacks, witness)
	}
	return stacks, nil
}

// Clone deep-copies the builder so combinators can roll back a
// rejected alternative's mutations.
func (f *Funding) Clone() *Funding {
	if f == nil {
		return nil
	}
	c := *f
	c.inputs = append([]fundingInput(nil), f.inputs...)
	c.outputs = append([]fundingOutput(nil), f.outputs...)
	if f.tx != nil {
		c.tx = f.tx.Copy()
	}
	return &c
}

// FundingFromUTXO builds and signs a complete single-funder funding
// transaction from one spendable P2WPKH coin, bypassing interactive
// construction. prevTx is the raw transaction the coin lives in.
func FundingFromUTXO(u *SpendableUTXO, prevTx []byte, fundingSats uint64, feeSats uint64, localKey *btcec.PrivateKey, remotePub *btcec.PublicKey) (*Funding, error) {
	f, err := NewFunding(localKey, remotePub, fundingSats, 0)
	if err != nil {
		return nil, err
	}
	if u.AmountSat < fundingSats+feeSats {
		return nil, &Failure{
			Kind: ConservationViolation,
			Detail: fmt.Sprintf(
				"utxo %d sat cannot fund %d sat plus %d fee",
				u.AmountSat, fundingSats, feeSats,
			),
		}
	}

	err = f.AddInput(Opener, 0, prevTx, u.Vout, wire.MaxTxInSequenceNum, nil, u.PrivKey)
	if err != nil {
		return nil, err
	}
	if err := f.AddOutput(Opener, 2, fundingSats, f.script); err != nil {
		return nil, err
	}
	if err := f.Finalize(); err != nil {
		return nil, err
	}
	if err := f.AddWitnesses(Accepter, nil); err != nil {
		return nil, err
	}
	return f, nil
}

// reverseBytes returns a copy with byte order flipped, converting
// between internal hash order and the display order carried on the
// wire for txid fields.
func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// FundingTxID defers to the finalized funding txid, in the display
// byte order wire messages carry.
func FundingTxID() FieldValue {
	return Deferred("funding.txid", func(r *Runner) (bolt.Value, error) {
		f := r.Funding
		if f == nil || f.state < FundingFinalized {
			return bolt.Value{}, newFailure(UnresolvedReference, "funding tx not finalized")
		}
		id := f.TxID()
		return bolt.BytesValue(reverseBytes(id[:])), nil
	})
}

// FundingTx defers to the serialized funding transaction, witnesses
// included when already attached.
func FundingTx() FieldValue {
	return Deferred("funding.tx", func(r *Runner) (bolt.Value, error) {
		f := r.Funding
		if f == nil || f.state < FundingFinalized {
			return bolt.Value{}, newFailure(UnresolvedReference, "funding tx not finalized")
		}
		var buf bytes.Buffer
		if err := f.tx.Serialize(&buf); err != nil {
			return bolt.Value{}, err
		}
		return bolt.BytesValue(buf.Bytes()), nil
	})
}

// FundingLockingScript defers to the 2-of-2 funding output script.
func FundingLockingScript() FieldValue {
	return Deferred("funding.script", func(r *Runner) (bolt.Value, error) {
		if r.Funding == nil {
			return bolt.Value{}, newFailure(UnresolvedReference, "no funding in progress")
		}
		return bolt.BytesValue(r.Funding.LockingScript()), nil
	})
}

// OwnWitnessStack defers to the harness's signed witness stacks for
// tx_signatures, encoded as the wire's list-of-lists shape.
func OwnWitnessStack() FieldValue {
	return Deferred("funding.witnesses", func(r *Runner) (bolt.Value, error) {
		if r.Funding == nil {
			return bolt.Value{}, newFailure(UnresolvedReference, "no funding in progress")
		}
		stacks, err := r.Funding.OwnWitnesses()
		if err != nil {
			return bolt.Value{}, err
		}
		wits := make([]bolt.Value, len(stacks))
		for i, stack := range stacks {
			elems := make([]bolt.Value, len(stack))
			for j, el := range stack {
				elems[j] = bolt.BytesValue(el)
			}
			wits[i] = bolt.ListValue(elems...)
		}
		return bolt.ListValue(wits...), nil
	})
}
