package lnconform

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Chain is the blockchain surface the harness needs: advance height
// confirming transactions, and answer whether a transaction has been
// seen. Conformance runs use the bitcoind-backed Miner; unit tests use
// SimChain.
type Chain interface {
	Height() (uint32, error)
	Mine(count uint32, txs [][]byte) error
	HasTx(txid chainhash.Hash) (bool, error)
}

// SimChain is a purely in-memory chain: a height counter and a txid
// index. Deterministic and instant, which is all the event engine's
// unit tests need.
type SimChain struct {
	height uint32
	txs    map[chainhash.Hash][]byte
}

func NewSimChain() *SimChain {
	return &SimChain{txs: make(map[chainhash.Hash][]byte)}
}

func (c *SimChain) Height() (uint32, error) {
	return c.height, nil
}

func (c *SimChain) Mine(count uint32, txs [][]byte) error {
	for _, raw := range txs {
		var tx wire.MsgTx
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("undecodable tx: %w", err)
		}
		c.txs[tx.TxHash()] = raw
	}
	c.height += count
	return nil
}

func (c *SimChain) HasTx(txid chainhash.Hash) (bool, error) {
	_, ok := c.txs[txid]
	return ok, nil
}
