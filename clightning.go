package lnconform

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
)

// The node under test runs with every secret forced to a known value,
// so the harness can derive the node's side of all key material and
// check its signatures bit for bit.
const (
	forcedPrivKeyHex    = "0000000000000000000000000000000000000000000000000000000000000001"
	forcedBip32SeedHex  = "0000000000000000000000000000000000000000000000000000000000000001"
	forcedFundingHex    = "0000000000000000000000000000000000000000000000000000000000000010"
	forcedRevocationHex = "0000000000000000000000000000000000000000000000000000000000000011"
	forcedPaymentHex    = "0000000000000000000000000000000000000000000000000000000000000012"
	forcedDelayedHex    = "0000000000000000000000000000000000000000000000000000000000000013"
	forcedHtlcHex       = "0000000000000000000000000000000000000000000000000000000000000014"
	forcedShachainHex   = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
)

func mustKey(hexKey string) *btcec.PrivateKey {
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		panic(err)
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv
}

// ClightningNode spawns a lightningd with dev-forced secrets and
// drives its control surface through lightning-cli, implementing the
// runner's Node interface.
type ClightningNode struct {
	name      string
	harness   *TestHarness
	miner     *Miner
	cmd       *exec.Cmd
	dir       string
	cliBinary string
	host      string
	port      uint32

	privKey    *btcec.PrivateKey
	fundingKey *btcec.PrivateKey
	keys       *KeySet
}

func NewClightningNode(h *TestHarness, m *Miner, name string, extraArgs ...string) *ClightningNode {
	lightningdDir := h.GetDirectory(fmt.Sprintf("ld-%s", name))
	host := "localhost"
	port, err := GetPort()
	CheckError(h.T, err)

	binary, err := GetLightningdBinary()
	CheckError(h.T, err)

	cliBinary, err := GetLightningCliBinary()
	CheckError(h.T, err)

	bitcoinCliBinary, err := GetBitcoinCliBinary()
	CheckError(h.T, err)

	channelSecrets := strings.Join([]string{
		forcedFundingHex,
		forcedRevocationHex,
		forcedPaymentHex,
		forcedDelayedHex,
		forcedHtlcHex,
		forcedShachainHex,
	}, "/")

	args := []string{
		"--network=regtest",
		"--log-file=log",
		"--log-level=debug",
		"--bitcoin-rpcuser=btcuser",
		"--bitcoin-rpcpassword=btcpass",
		"--allow-deprecated-apis=false",
		"--dev-bitcoind-poll=1",
		"--dev-fast-gossip",
		"--experimental-dual-fund",
		fmt.Sprintf("--dev-force-privkey=%s", forcedPrivKeyHex),
		fmt.Sprintf("--dev-force-bip32-seed=%s", forcedBip32SeedHex),
		fmt.Sprintf("--dev-force-channel-secrets=%s", channelSecrets),
		fmt.Sprintf("--lightning-dir=%s", lightningdDir),
		fmt.Sprintf("--bitcoin-datadir=%s", m.dir),
		fmt.Sprintf("--addr=%s:%d", host, port),
		fmt.Sprintf("--bitcoin-rpcport=%d", m.rpcPort),
		fmt.Sprintf("--bitcoin-cli=%s", bitcoinCliBinary),
	}

	cmd := exec.CommandContext(h.Ctx, binary, append(args, extraArgs...)...)
	stderr, err := cmd.StderrPipe()
	CheckError(h.T, err)

	stdout, err := cmd.StdoutPipe()
	CheckError(h.T, err)

	log.Printf("%s: starting %s on port %d in dir %s...", name, binary, port, lightningdDir)
	err = cmd.Start()
	CheckError(h.T, err)

	go func() {
		// print any stderr output to the test log
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Println(name + ": " + scanner.Text())
		}
	}()

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			log.Println(name + ": " + scanner.Text())
		}
	}()

	go func() {
		err := cmd.Wait()
		if err != nil && err.Error() != "signal: interrupt" {
			log.Printf(name+": "+"lightningd exited with error %s", err)
		} else {
			log.Printf(name + ": " + "process exited normally")
		}
	}()

	regtestDir := filepath.Join(lightningdDir, "regtest")
	waitForLog(h, filepath.Join(regtestDir, "log"), "Server started with public key")

	revocation, _ := hex.DecodeString(forcedRevocationHex)
	payment, _ := hex.DecodeString(forcedPaymentHex)
	delayed, _ := hex.DecodeString(forcedDelayedHex)
	htlc, _ := hex.DecodeString(forcedHtlcHex)
	shachainSeed, _ := hex.DecodeString(forcedShachainHex)
	keys, err := NewKeySet(revocation, payment, delayed, htlc, shachainSeed)
	CheckError(h.T, err)

	node := &ClightningNode{
		name:       name,
		harness:    h,
		miner:      m,
		cmd:        cmd,
		dir:        lightningdDir,
		cliBinary:  cliBinary,
		host:       host,
		port:       port,
		privKey:    mustKey(forcedPrivKeyHex),
		fundingKey: mustKey(forcedFundingHex),
		keys:       keys,
	}

	log.Printf("%s: Has node id %x", name, node.NodeID())

	h.AddStoppable(node)
	h.RegisterLogfile(filepath.Join(regtestDir, "log"), fmt.Sprintf("lightningd-%s", name))

	return node
}

func waitForLog(h *TestHarness, logfilePath string, phrase string) {
	// at startup we need to wait for the file to open
	for time.Now().Before(h.Deadline()) {
		if _, err := os.Stat(logfilePath); os.IsNotExist(err) {
			time.Sleep(waitSleepInterval)
			continue
		}
		break
	}
	logfile, _ := os.Open(logfilePath)
	defer logfile.Close()

	reader := bufio.NewReader(logfile)
	for time.Now().Before(h.Deadline()) {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				time.Sleep(waitSleepInterval)
			} else {
				CheckError(h.T, err)
			}
		}
		m, err := regexp.MatchString(phrase, line)
		CheckError(h.T, err)
		if m {
			return
		}
	}

	h.T.Fatalf("Unable to find \"%s\" in %s", phrase, logfilePath)
}

// cli invokes lightning-cli against this node with keyword arguments
// and returns the raw JSON response.
func (n *ClightningNode) cli(method string, args ...string) ([]byte, error) {
	cliArgs := []string{
		"--network=regtest",
		fmt.Sprintf("--lightning-dir=%s", n.dir),
		"-k",
		method,
	}
	cliArgs = append(cliArgs, args...)
	cmd := exec.CommandContext(n.harness.Ctx, n.cliBinary, cliArgs...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%s: %s", method, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return out, nil
}

func (n *ClightningNode) NodeID() []byte {
	return n.privKey.PubKey().SerializeCompressed()
}

func (n *ClightningNode) Host() string {
	return n.host
}

func (n *ClightningNode) Port() uint32 {
	return n.port
}

func (n *ClightningNode) KeySet() *KeySet {
	return n.keys
}

func (n *ClightningNode) FundingKey() *btcec.PrivateKey {
	return n.fundingKey
}

func (n *ClightningNode) WaitForSync() {
	for {
		var info struct {
			Blockheight   uint32 `json:"blockheight"`
			WarningLdSync string `json:"warning_lightningd_sync"`
		}
		out, err := n.cli("getinfo")
		if err == nil {
			_ = json.Unmarshal(out, &info)
		}

		blockHeight := n.miner.GetBlockHeight()

		if err == nil && info.WarningLdSync == "" && info.Blockheight >= blockHeight {
			log.Printf("%s: Synced to blockheight %d", n.name, blockHeight)
			break
		}

		log.Printf(
			"%s: Waiting to sync. Actual block height: %d, node block height: %d",
			n.name,
			blockHeight,
			info.Blockheight,
		)

		if time.Now().After(n.harness.Deadline()) {
			n.harness.T.Fatal("timed out waiting for node sync")
		}

		time.Sleep(waitSleepInterval)
	}
}

// Fund gives the node's wallet some coins to open channels with.
func (n *ClightningNode) Fund(amountSat uint64) {
	out, err := n.cli("newaddr", "addresstype=bech32")
	CheckError(n.harness.T, err)

	var resp struct {
		Bech32 string `json:"bech32"`
	}
	CheckError(n.harness.T, json.Unmarshal(out, &resp))

	n.miner.SendToAddress(resp.Bech32, amountSat)
	n.WaitForSync()
}

// FundChannel implements Node: the node initiates an open toward the
// peer it is already connected to.
func (n *ClightningNode) FundChannel(peerID []byte, amountSat uint64, feerate uint32) error {
	if feerate == 0 {
		feerate = 253
	}
	_, err := n.cli("fundchannel",
		fmt.Sprintf("id=%s", hex.EncodeToString(peerID)),
		fmt.Sprintf("amount=%dsat", amountSat),
		fmt.Sprintf("feerate=%dperkw", feerate),
		"announce=true",
	)
	return err
}

// InitDualFund implements Node: accept the next dual-funded open with
// a fixed contribution.
func (n *ClightningNode) InitDualFund(amountSat uint64) error {
	_, err := n.cli("funderupdate",
		"policy=fixed",
		fmt.Sprintf("policy_mod=%d", amountSat),
		"leases_only=false",
	)
	return err
}

func (n *ClightningNode) TearDown() error {
	if n.cmd == nil || n.cmd.Process == nil {
		// return if not properly initialized
		// or error starting the process
		return nil
	}

	if runtime.GOOS == "windows" {
		return n.cmd.Process.Signal(os.Kill)
	}

	return n.cmd.Process.Signal(os.Interrupt)
}
