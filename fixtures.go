package lnconform

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/breez/lnconform/bolt"
)

// SpendableTxHex is a pre-signed regtest transaction carrying the
// coins every conformance script spends from. Scripts confirm it with
// a Block event before adding any of its outputs as funding inputs.
const SpendableTxHex = "0200000000010169d715fba6edece89b2dee71f4fed52c7accd6cd62c328536e6233b72b14c5f50000000000feffffff0680841e0000000000160014fd9658fbd476d318f3b825b152b152aafa49bc9240420f000000000016001483440596268132e6c99d44dae2d151dabd9a2b23aca5652901000000160014d295f76da2319791f36df5759e45b15d5e105221c0c62d000000000016001454d14ae910793e930d8e33d3de0b0cbf05aa533300093d00000000001600141b42e1fc7b1cd93a469fa67ed5eabf36ce354dd620a107000000000016001406afd46bcdfd22ef94ac122aa11f241244a37ecc024730440220628816b5182427d38bfed400d4800e4f7beeb9f659693b5f2a7368d935acc73102200e2e6c340c9dc24171af031a7d00b0ded68797b9e5d39e8a09604038bf5575cd0121020a6db711f4d03b34cde2ad81a3b65b31dc468a98a18827ad8d384c1e9d8383d865000000"

// ReasonableFundingFee is the flat fee fixtures budget when funding a
// channel from one coin.
const ReasonableFundingFee = 200

// RegtestChainHashHex is the regtest genesis hash in the internal
// byte order chain_hash fields carry.
const RegtestChainHashHex = "06226e46111a0b59caaf126043eb5bbf28c34f3a5e332a1fc7b2b73cf188910f"

// SpendableUTXO is one P2WPKH coin from the spendable transaction,
// with the key that signs it.
type SpendableUTXO struct {
	Vout      uint32
	AmountSat uint64
	PrivKey   *btcec.PrivateKey
}

// PrevTxBytes returns the pre-signed fixture transaction the coin
// lives in, as tx_add_input carries it.
func (u *SpendableUTXO) PrevTxBytes() []byte {
	return StaticSpendableTx()
}

var utxoTable = []struct {
	vout   uint32
	amount uint64
	key    string
}{
	{1, 1000000, "76edf0c303b9e692da9cb491abedef46ca5b81d32f102eb4648461b239cb0f99"},
	{0, 2000000, "bc2f48a76a6b8815940accaf01981d3b6347a68fbe844f81c50ecbadf27cd179"},
	{3, 3000000, "16c5027616e940d1e72b4c172557b3b799a93c0582f924441174ea556aadd01c"},
	{4, 4000000, "53ac43309b75d9b86bef32c5bbc99c500910b64f9ae089667c870c2cc69e17a4"},
	{2, 4889994700, "16be98a5d4156f6f3af99205e9bc1395397bca53db967e50427583c94271d27f"},
	// The last coin belongs to the harness alone, not to the node
	// under test's wallet. Dual-funded scripts contribute it.
	{5, 500000, "0000000000000000000000000000000000000000000000000000000000000002"},
}

// UTXO returns coin #index of the spendable transaction, 0-5.
func UTXO(index int) *SpendableUTXO {
	if index < 0 || index >= len(utxoTable) {
		panic(fmt.Sprintf("utxo index %d out of range", index))
	}
	entry := utxoTable[index]
	keyBytes, err := hex.DecodeString(entry.key)
	if err != nil {
		panic(err)
	}
	priv, _ := btcec.PrivKeyFromBytes(keyBytes)
	return &SpendableUTXO{
		Vout:      entry.vout,
		AmountSat: entry.amount,
		PrivKey:   priv,
	}
}

// FundingAmountForUTXO is the capacity coin #index can fund after the
// fixture fee.
func FundingAmountForUTXO(index int) uint64 {
	return UTXO(index).AmountSat - ReasonableFundingFee
}

// PrivkeyForIndex returns the signing key of coin #index.
func PrivkeyForIndex(index int) *btcec.PrivateKey {
	return UTXO(index).PrivKey
}

// SpendableTx defers to the run's spendable transaction, for Block
// events and tx_add_input prevtx fields.
func SpendableTx() FieldValue {
	return Deferred("spendable_tx", func(r *Runner) (bolt.Value, error) {
		return bolt.BytesValue(r.Spendable), nil
	})
}

// StaticSpendableTx returns the pre-signed fixture transaction. Usable
// as-is only on a chain that carries its parent output; live runs
// rebuild the same output table with BuildSpendableTx instead.
func StaticSpendableTx() []byte {
	b, err := hex.DecodeString(SpendableTxHex)
	if err != nil {
		panic(err)
	}
	return b
}

// P2WPKHScript is the pay-to-witness-pubkey-hash script for the given
// key on regtest.
func P2WPKHScript(pub *btcec.PublicKey) ([]byte, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// P2WPKHAddress is the bech32 regtest address for the given key.
func P2WPKHAddress(pub *btcec.PublicKey) (string, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// SpendableOutputsSat is the total value of the fixture coin table.
func SpendableOutputsSat() uint64 {
	var total uint64
	for _, entry := range utxoTable {
		total += entry.amount
	}
	return total
}

// BuildSpendableTx rebuilds the fixture transaction on top of an
// arbitrary funding outpoint: same coin table, same scripts, same vout
// layout, so the fixture keys and amounts stay valid while the parent
// can come from any wallet. The input must be a P2WPKH output paying
// entryKey.
func BuildSpendableTx(prev wire.OutPoint, prevPkScript []byte, prevSats uint64, entryKey *btcec.PrivateKey) ([]byte, error) {
	if SpendableOutputsSat() > prevSats {
		return nil, fmt.Errorf(
			"funding output %d sat cannot carry %d sat of fixture coins",
			prevSats, SpendableOutputsSat(),
		)
	}

	tx := wire.NewMsgTx(2)
	txIn := wire.NewTxIn(&prev, nil, nil)
	tx.AddTxIn(txIn)

	// Outputs in vout order, per the fixture table.
	outs := make([]*wire.TxOut, len(utxoTable))
	for i := range utxoTable {
		u := UTXO(i)
		script, err := P2WPKHScript(u.PrivKey.PubKey())
		if err != nil {
			return nil, err
		}
		outs[u.Vout] = wire.NewTxOut(int64(u.AmountSat), script)
	}
	for _, out := range outs {
		tx.AddTxOut(out)
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(prevPkScript, int64(prevSats))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	witness, err := txscript.WitnessSignature(
		tx, sigHashes, 0, int64(prevSats), prevPkScript,
		txscript.SigHashAll, entryKey, true,
	)
	if err != nil {
		return nil, fmt.Errorf("sign spendable tx: %w", err)
	}
	tx.TxIn[0].Witness = witness

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
