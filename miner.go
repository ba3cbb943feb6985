package lnconform

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/exec"
	"runtime"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/niftynei/glightning/gbitcoin"
)

// Miner is a throwaway regtest bitcoind the conformance run mines on.
// It implements Chain for live runs.
type Miner struct {
	harness *TestHarness
	dir     string
	rpc     *gbitcoin.Bitcoin
	rpcPort uint32
	cmd     *exec.Cmd
}

func NewMiner(h *TestHarness) *Miner {
	btcUser := "btcuser"
	btcPass := "btcpass"
	bitcoindDir := h.GetDirectory("miner-")

	rpcPort, err := GetPort()
	CheckError(h.T, err)

	binary, err := GetBitcoindBinary()
	CheckError(h.T, err)

	args := []string{
		"-regtest",
		"-server",
		"-logtimestamps",
		"-nolisten",
		"-addresstype=bech32",
		"-txindex",
		"-fallbackfee=0.00000253",
		fmt.Sprintf("-datadir=%s", bitcoindDir),
		fmt.Sprintf("-rpcport=%d", rpcPort),
		fmt.Sprintf("-rpcpassword=%s", btcPass),
		fmt.Sprintf("-rpcuser=%s", btcUser),
	}

	log.Printf("starting %s on rpc port %d in dir %s...", binary, rpcPort, bitcoindDir)
	cmd := exec.CommandContext(h.Ctx, binary, args...)

	err = cmd.Start()
	CheckError(h.T, err)
	log.Printf("bitcoind started (%d)!", cmd.Process.Pid)

	rpc := gbitcoin.NewBitcoin(btcUser, btcPass)
	rpc.SetTimeout(uint(2))

	log.Printf("Starting up bitcoin client")
	rpc.StartUp("http://localhost", bitcoindDir, uint(rpcPort))

	// Mature enough coinbases to spend from.
	log.Printf("Get new address")
	addr, err := rpc.GetNewAddress(gbitcoin.Bech32)
	CheckError(h.T, err)

	log.Printf("Generate to address")
	_, err = rpc.GenerateToAddress(addr, 200)
	CheckError(h.T, err)

	miner := &Miner{
		harness: h,
		dir:     bitcoindDir,
		cmd:     cmd,
		rpc:     rpc,
		rpcPort: rpcPort,
	}

	h.AddStoppable(miner)
	return miner
}

func (m *Miner) MineBlocks(n uint) {
	err := m.Mine(uint32(n), nil)
	CheckError(m.harness.T, err)
}

func satsToBtcString(amountSat uint64) string {
	amountBtc := amountSat / uint64(100000000)
	amountSatRemainder := amountSat % 100000000
	return strconv.FormatUint(amountBtc, 10) + "." + fmt.Sprintf("%08s", strconv.FormatUint(amountSatRemainder, 10))
}

func (m *Miner) SendToAddress(addr string, amountSat uint64) {
	amountStr := satsToBtcString(amountSat)
	log.Printf("Sending %s btc to address %s", amountStr, addr)
	_, err := m.rpc.SendToAddress(addr, amountStr)
	CheckError(m.harness.T, err)

	m.MineBlocks(1)
}

// spendableFundFee is the fee budget of the wallet-to-fixture funding
// hop backing FundSpendableTx.
const spendableFundFee = 10000

// FundSpendableTx makes the fixture coin table spendable on this
// chain: the wallet pays a P2WPKH output controlled by entryKey, and
// the returned transaction spends it into the fixture's exact output
// layout. The returned transaction is not broadcast; scripts confirm
// it with a Block event.
func (m *Miner) FundSpendableTx(entryKey *btcec.PrivateKey) ([]byte, error) {
	script, err := P2WPKHScript(entryKey.PubKey())
	if err != nil {
		return nil, err
	}
	addr, err := P2WPKHAddress(entryKey.PubKey())
	if err != nil {
		return nil, err
	}

	amountSat := SpendableOutputsSat() + spendableFundFee
	txid, err := m.rpc.SendToAddress(addr, satsToBtcString(amountSat))
	if err != nil {
		return nil, fmt.Errorf("fund entry output: %w", err)
	}
	m.MineBlocks(1)

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, err
	}
	vout, err := m.findOutput(txid, script)
	if err != nil {
		return nil, err
	}

	return BuildSpendableTx(
		wire.OutPoint{Hash: *hash, Index: vout},
		script, amountSat, entryKey,
	)
}

// findOutput locates the confirmed output paying the given script.
func (m *Miner) findOutput(txid string, script []byte) (uint32, error) {
	want := hex.EncodeToString(script)
	for vout := uint32(0); vout < 4; vout++ {
		resp, err := m.rpc.GetTxOut(txid, vout)
		if err != nil {
			return 0, err
		}
		if resp != nil && resp.ScriptPubKey != nil && resp.ScriptPubKey.Hex == want {
			return vout, nil
		}
	}
	return 0, fmt.Errorf("tx %s pays no output to script %s", txid, want)
}

func (m *Miner) GetBlockHeight() uint32 {
	info, err := m.rpc.GetChainInfo()
	CheckError(m.harness.T, err)
	return info.Blocks
}

// Height implements Chain.
func (m *Miner) Height() (uint32, error) {
	info, err := m.rpc.GetChainInfo()
	if err != nil {
		return 0, err
	}
	return info.Blocks, nil
}

// Mine implements Chain: broadcast the given raw transactions, then
// generate count blocks confirming them.
func (m *Miner) Mine(count uint32, txs [][]byte) error {
	for _, tx := range txs {
		if _, err := m.rpc.SendRawTx(hex.EncodeToString(tx)); err != nil {
			return fmt.Errorf("sendrawtransaction: %w", err)
		}
	}
	addr, err := m.rpc.GetNewAddress(gbitcoin.Bech32)
	if err != nil {
		return err
	}
	_, err = m.rpc.GenerateToAddress(addr, uint(count))
	return err
}

// HasTx implements Chain. Output 0 existing unspent is enough for the
// funding transactions the harness looks for.
func (m *Miner) HasTx(txid chainhash.Hash) (bool, error) {
	resp, err := m.rpc.GetTxOut(txid.String(), 0)
	if err != nil {
		return false, err
	}
	return resp != nil, nil
}

func (m *Miner) TearDown() error {
	if err := m.stop(); err != nil {
		return err
	}

	if err := m.cleanup(); err != nil {
		return err
	}

	return nil
}

func (m *Miner) stop() error {
	if m.cmd == nil || m.cmd.Process == nil {
		// return if not properly initialized
		// or error starting the process
		return nil
	}

	defer m.cmd.Wait()
	if runtime.GOOS == "windows" {
		return m.cmd.Process.Signal(os.Kill)
	}

	return m.cmd.Process.Signal(os.Interrupt)
}

func (m *Miner) cleanup() error {
	if GetPreserveState() {
		return nil
	}
	return os.RemoveAll(m.dir)
}
