package lnconform

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/shachain"
)

// KeySet holds one party's channel key material: the four basepoint
// secrets plus the shachain seed the per-commitment chain grows from.
// It is immutable after construction; per-commitment secrets are
// re-derived from their index on every call, never cached.
type KeySet struct {
	revocation *btcec.PrivateKey
	payment    *btcec.PrivateKey
	delayed    *btcec.PrivateKey
	htlc       *btcec.PrivateKey
	producer   shachain.Producer
}

// NewKeySet builds a key set from four 32-byte secrets and the
// shachain seed.
func NewKeySet(revocation, payment, delayedPayment, htlc, shachainSeed []byte) (*KeySet, error) {
	for name, s := range map[string][]byte{
		"revocation":      revocation,
		"payment":         payment,
		"delayed_payment": delayedPayment,
		"htlc":            htlc,
		"shachain seed":   shachainSeed,
	} {
		if len(s) != 32 {
			return nil, fmt.Errorf("%s secret must be 32 bytes, got %d", name, len(s))
		}
	}

	var root chainhash.Hash
	copy(root[:], shachainSeed)

	rev, _ := btcec.PrivKeyFromBytes(revocation)
	pay, _ := btcec.PrivKeyFromBytes(payment)
	del, _ := btcec.PrivKeyFromBytes(delayedPayment)
	htl, _ := btcec.PrivKeyFromBytes(htlc)

	return &KeySet{
		revocation: rev,
		payment:    pay,
		delayed:    del,
		htlc:       htl,
		producer:   shachain.NewRevocationProducer(root),
	}, nil
}

// SeededKeySet builds a key set from single-byte seed scalars, each
// expanded to 32 bytes the way test fixtures specify them.
func SeededKeySet(revocation, payment, delayedPayment, htlc byte, shachainSeed []byte) (*KeySet, error) {
	return NewKeySet(
		SeedSecret(revocation),
		SeedSecret(payment),
		SeedSecret(delayedPayment),
		SeedSecret(htlc),
		shachainSeed,
	)
}

// SeedSecret expands a one-byte seed into a 32-byte big-endian scalar.
func SeedSecret(b byte) []byte {
	s := make([]byte, 32)
	s[31] = b
	return s
}

func (k *KeySet) RevocationBasepoint() *btcec.PublicKey {
	return k.revocation.PubKey()
}

func (k *KeySet) PaymentBasepoint() *btcec.PublicKey {
	return k.payment.PubKey()
}

func (k *KeySet) DelayedPaymentBasepoint() *btcec.PublicKey {
	return k.delayed.PubKey()
}

func (k *KeySet) HtlcBasepoint() *btcec.PublicKey {
	return k.htlc.PubKey()
}

// RawRevocationBasepoint returns the compact 33-byte encoding used in
// channel-id derivation.
func (k *KeySet) RawRevocationBasepoint() []byte {
	return k.revocation.PubKey().SerializeCompressed()
}

// PerCommitSecret derives the per-commitment secret for the given
// commitment index. Index n is always re-derivable; nothing is stored.
func (k *KeySet) PerCommitSecret(n uint64) (*chainhash.Hash, error) {
	return k.producer.AtIndex(n)
}

// PerCommitPoint derives the per-commitment point for the given index.
func (k *KeySet) PerCommitPoint(n uint64) (*btcec.PublicKey, error) {
	secret, err := k.PerCommitSecret(n)
	if err != nil {
		return nil, err
	}
	return input.ComputeCommitmentPoint(secret[:]), nil
}

// RawPerCommitPoint is PerCommitPoint in compact 33-byte encoding.
func (k *KeySet) RawPerCommitPoint(n uint64) ([]byte, error) {
	p, err := k.PerCommitPoint(n)
	if err != nil {
		return nil, err
	}
	return p.SerializeCompressed(), nil
}

// ChannelIDv2 computes the channel id of a dual-funded channel:
// SHA256 over both revocation basepoints in byte-lexicographic order.
// Symmetric in its arguments.
func ChannelIDv2(local, remote *KeySet) [32]byte {
	return orderedBasepointHash(
		local.RawRevocationBasepoint(),
		remote.RawRevocationBasepoint(),
	)
}

// TempChannelID computes the pre-funding temporary channel id:
// SHA256 over a 33-byte zero basepoint paired with the one basepoint
// already known. The zero placeholder always sorts first.
func TempChannelID(known *KeySet) [32]byte {
	zero := make([]byte, 33)
	return orderedBasepointHash(zero, known.RawRevocationBasepoint())
}

func orderedBasepointHash(a, b []byte) [32]byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	h := sha256.New()
	h.Write(a)
	h.Write(b)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
