package lnconform

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/breez/lnconform/bolt"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lnwire"
	"golang.org/x/exp/slices"
)

// Feature bits relevant to commitment construction.
const (
	FeatureStaticRemoteKey = 12
	FeatureAnchorOutputs   = 20
)

// Commitment weights and anchor value from BOLT3.
const (
	commitWeightNoAnchors = 724
	commitWeightAnchors   = 1124
	anchorSizeSat         = 330
)

// Bitfield builds a big-endian feature bitfield with the given bits
// set, sized to the highest bit.
func Bitfield(bits ...int) []byte {
	max := 0
	for _, b := range bits {
		if b > max {
			max = b
		}
	}
	out := make([]byte, max/8+1)
	for _, b := range bits {
		out[len(out)-1-b/8] |= 1 << (b % 8)
	}
	return out
}

func hasFeature(v []byte, bit int) bool {
	idx := len(v) - 1 - bit/8
	if idx < 0 {
		return false
	}
	return v[idx]&(1<<(bit%8)) != 0
}

// negotiated reports whether both parties advertise the feature, in
// either its even (compulsory) or odd (optional) form.
func negotiated(local, remote []byte, evenBit int) bool {
	both := func(bit int) bool {
		return hasFeature(local, bit) && hasFeature(remote, bit)
	}
	return both(evenBit) || both(evenBit+1) ||
		(hasFeature(local, evenBit) && hasFeature(remote, evenBit+1)) ||
		(hasFeature(local, evenBit+1) && hasFeature(remote, evenBit))
}

// CommitmentParams are the full inputs of the commitment calculation.
// Local is the harness side; LocalDelay is the CSV delay applied to
// the local side's to_local output (i.e. the value the peer demanded),
// and symmetrically for RemoteDelay.
type CommitmentParams struct {
	Funding   *Funding
	Opener    Side
	LocalSide Side

	LocalKeys  *KeySet
	RemoteKeys *KeySet

	LocalDelay  uint16
	RemoteDelay uint16

	LocalMsat  uint64
	RemoteMsat uint64

	LocalDust  uint64
	RemoteDust uint64

	Feerate uint32

	LocalFeatures  []byte
	RemoteFeatures []byte

	CommitNum uint64
}

// Commitment derives the commitment transaction both peers must agree
// on. It is a pure function of its parameters: every call recomputes
// from scratch and identical inputs give byte-identical transactions
// and signatures.
type Commitment struct {
	p CommitmentParams
}

func NewCommitment(p CommitmentParams) *Commitment {
	return &Commitment{p: p}
}

func (c *Commitment) keysFor(side Side) *KeySet {
	if side == c.p.LocalSide {
		return c.p.LocalKeys
	}
	return c.p.RemoteKeys
}

func (c *Commitment) delayFor(side Side) uint16 {
	if side == c.p.LocalSide {
		return c.p.LocalDelay
	}
	return c.p.RemoteDelay
}

func (c *Commitment) msatFor(side Side) uint64 {
	if side == c.p.LocalSide {
		return c.p.LocalMsat
	}
	return c.p.RemoteMsat
}

func (c *Commitment) dustFor(side Side) uint64 {
	if side == c.p.LocalSide {
		return c.p.LocalDust
	}
	return c.p.RemoteDust
}

func (c *Commitment) fundingPubFor(side Side) *btcec.PublicKey {
	if side == c.p.LocalSide {
		return c.p.Funding.LocalFundingKey().PubKey()
	}
	return c.p.Funding.RemoteFundingPub()
}

func (c *Commitment) anchors() bool {
	return negotiated(c.p.LocalFeatures, c.p.RemoteFeatures, FeatureAnchorOutputs)
}

func (c *Commitment) staticRemoteKey() bool {
	return c.anchors() ||
		negotiated(c.p.LocalFeatures, c.p.RemoteFeatures, FeatureStaticRemoteKey)
}

// obscuredNumber xors the commitment number with the lower 48 bits of
// SHA256(opener_payment_basepoint || accepter_payment_basepoint).
func (c *Commitment) obscuredNumber() uint64 {
	h := sha256.New()
	h.Write(c.keysFor(Opener).PaymentBasepoint().SerializeCompressed())
	h.Write(c.keysFor(Accepter).PaymentBasepoint().SerializeCompressed())
	sum := h.Sum(nil)

	var mask uint64
	for _, b := range sum[26:32] {
		mask = mask<<8 | uint64(b)
	}
	return mask ^ c.p.CommitNum
}

func anchorScript(fundingKey *btcec.PublicKey) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	b.AddData(fundingKey.SerializeCompressed())
	b.AddOp(txscript.OP_CHECKSIG)
	b.AddOp(txscript.OP_IFDUP)
	b.AddOp(txscript.OP_NOTIF)
	b.AddOp(txscript.OP_16)
	b.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	b.AddOp(txscript.OP_ENDIF)
	return b.Script()
}

func toRemoteAnchoredScript(paymentKey *btcec.PublicKey) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	b.AddData(paymentKey.SerializeCompressed())
	b.AddOp(txscript.OP_CHECKSIGVERIFY)
	b.AddOp(txscript.OP_1)
	b.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	return b.Script()
}

// TxFor builds the commitment transaction as held by the given side:
// that side's balance is the delayed to_local output, the peer's the
// to_remote output.
func (c *Commitment) TxFor(holder Side) (*wire.MsgTx, error) {
	other := holder.Other()

	perCommitPoint, err := c.keysFor(holder).PerCommitPoint(c.p.CommitNum)
	if err != nil {
		return nil, fmt.Errorf("per-commitment point: %w", err)
	}

	anchors := c.anchors()
	weight := commitWeightNoAnchors
	if anchors {
		weight = commitWeightAnchors
	}
	feeSat := uint64(c.p.Feerate) * uint64(weight) / 1000

	holderSat := c.msatFor(holder) / 1000
	otherSat := c.msatFor(other) / 1000

	openerCost := feeSat
	if anchors {
		openerCost += 2 * anchorSizeSat
	}
	if c.p.Opener == holder {
		if holderSat < openerCost {
			holderSat = 0
		} else {
			holderSat -= openerCost
		}
	} else {
		if otherSat < openerCost {
			otherSat = 0
		} else {
			otherSat -= openerCost
		}
	}

	dust := c.dustFor(holder)

	type commitOutput struct {
		sats   uint64
		script []byte
	}
	var outs []commitOutput

	haveToLocal := holderSat >= dust
	if haveToLocal {
		revocationKey := input.DeriveRevocationPubkey(
			c.keysFor(other).RevocationBasepoint(), perCommitPoint,
		)
		delayedKey := input.TweakPubKey(
			c.keysFor(holder).DelayedPaymentBasepoint(), perCommitPoint,
		)
		script, err := input.CommitScriptToSelf(
			uint32(c.delayFor(holder)), delayedKey, revocationKey,
		)
		if err != nil {
			return nil, fmt.Errorf("to_local script: %w", err)
		}
		p2wsh, err := input.WitnessScriptHash(script)
		if err != nil {
			return nil, err
		}
		outs = append(outs, commitOutput{holderSat, p2wsh})
	}

	haveToRemote := otherSat >= dust
	if haveToRemote {
		var pkScript []byte
		switch {
		case anchors:
			script, err := toRemoteAnchoredScript(c.keysFor(other).PaymentBasepoint())
			if err != nil {
				return nil, fmt.Errorf("to_remote script: %w", err)
			}
			pkScript, err = input.WitnessScriptHash(script)
			if err != nil {
				return nil, err
			}
		case c.staticRemoteKey():
			var err error
			pkScript, err = input.CommitScriptUnencumbered(
				c.keysFor(other).PaymentBasepoint(),
			)
			if err != nil {
				return nil, fmt.Errorf("to_remote script: %w", err)
			}
		default:
			remoteKey := input.TweakPubKey(
				c.keysFor(other).PaymentBasepoint(), perCommitPoint,
			)
			var err error
			pkScript, err = input.CommitScriptUnencumbered(remoteKey)
			if err != nil {
				return nil, fmt.Errorf("to_remote script: %w", err)
			}
		}
		outs = append(outs, commitOutput{otherSat, pkScript})
	}

	if anchors {
		addAnchor := func(side Side) error {
			script, err := anchorScript(c.fundingPubFor(side))
			if err != nil {
				return fmt.Errorf("anchor script: %w", err)
			}
			p2wsh, err := input.WitnessScriptHash(script)
			if err != nil {
				return err
			}
			outs = append(outs, commitOutput{anchorSizeSat, p2wsh})
			return nil
		}
		if haveToLocal {
			if err := addAnchor(holder); err != nil {
				return nil, err
			}
		}
		if haveToRemote {
			if err := addAnchor(other); err != nil {
				return nil, err
			}
		}
	}

	slices.SortFunc(outs, func(a, b commitOutput) bool {
		if a.sats != b.sats {
			return a.sats < b.sats
		}
		return bytes.Compare(a.script, b.script) < 0
	})

	obscured := c.obscuredNumber()
	tx := wire.NewMsgTx(2)
	tx.LockTime = uint32(0x20)<<24 | uint32(obscured&0xffffff)
	txIn := wire.NewTxIn(&wire.OutPoint{}, nil, nil)
	op := c.p.Funding.OutPoint()
	txIn.PreviousOutPoint = op
	txIn.Sequence = uint32(0x80)<<24 | uint32(obscured>>24)
	tx.AddTxIn(txIn)
	for _, out := range outs {
		tx.AddTxOut(wire.NewTxOut(int64(out.sats), out.script))
	}
	return tx, nil
}

// signature signs the given holder's commitment with a funding key,
// returning the compact 64-byte wire form.
func (c *Commitment) signature(signer *btcec.PrivateKey, holder Side) (lnwire.Sig, error) {
	tx, err := c.TxFor(holder)
	if err != nil {
		return lnwire.Sig{}, err
	}

	witnessScript, err := input.GenMultiSigScript(
		c.p.Funding.LocalFundingKey().PubKey().SerializeCompressed(),
		c.p.Funding.RemoteFundingPub().SerializeCompressed(),
	)
	if err != nil {
		return lnwire.Sig{}, fmt.Errorf("multisig script: %w", err)
	}

	amt := int64(c.p.Funding.Amount())
	fetcher := txscript.NewCannedPrevOutputFetcher(c.p.Funding.LockingScript(), amt)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	hash, err := txscript.CalcWitnessSigHash(
		witnessScript, sigHashes, txscript.SigHashAll, tx, 0, amt,
	)
	if err != nil {
		return lnwire.Sig{}, fmt.Errorf("sighash: %w", err)
	}

	return lnwire.NewSigFromSignature(ecdsa.Sign(signer, hash))
}

// SigToSend is the signature the harness puts in commitment_signed:
// its funding key over the peer-held commitment.
func (c *Commitment) SigToSend() (lnwire.Sig, error) {
	return c.signature(c.p.Funding.LocalFundingKey(), c.p.LocalSide.Other())
}

// SigToRecv is the signature the peer must put in commitment_signed:
// the peer's funding key over the harness-held commitment. The peer's
// funding private key is known because its secrets are dev-forced.
func (c *Commitment) SigToRecv(remoteFundingKey *btcec.PrivateKey) (lnwire.Sig, error) {
	return c.signature(remoteFundingKey, c.p.LocalSide)
}

// CommitSig defers to the harness's commitment_signed signature.
func CommitSig() FieldValue {
	return Deferred("commit.sig_to_send", func(r *Runner) (bolt.Value, error) {
		if r.Commitment == nil {
			return bolt.Value{}, newFailure(UnresolvedReference, "no commitment computed")
		}
		sig, err := r.Commitment.SigToSend()
		if err != nil {
			return bolt.Value{}, err
		}
		return bolt.BytesValue(sig[:]), nil
	})
}

// ExpectedCommitSig defers to the signature the peer is required to
// send, derived from its dev-forced funding key.
func ExpectedCommitSig() FieldValue {
	return Deferred("commit.sig_to_recv", func(r *Runner) (bolt.Value, error) {
		if r.Commitment == nil {
			return bolt.Value{}, newFailure(UnresolvedReference, "no commitment computed")
		}
		if r.Config.RemoteFundingKey == nil {
			return bolt.Value{}, newFailure(ScriptError, "remote funding key unknown")
		}
		sig, err := r.Commitment.SigToRecv(r.Config.RemoteFundingKey)
		if err != nil {
			return bolt.Value{}, err
		}
		return bolt.BytesValue(sig[:]), nil
	})
}
