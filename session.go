package lnconform

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/brontide"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lnwire"
)

// ErrSessionTimeout is returned by Receive when no message arrives
// within the bound. The runner maps it to a Timeout failure, distinct
// from a lost connection.
var ErrSessionTimeout = errors.New("session receive timeout")

// Session is one encrypted wire connection to the peer. Send and
// Receive carry complete messages, type prefix included; framing and
// encryption live below this interface.
type Session interface {
	Send(b []byte) error
	Receive(timeout time.Duration) ([]byte, error)
	Close() error
}

type noiseSession struct {
	conn *brontide.Conn
}

// DialSession opens a noise-encrypted session to the node with the
// given identity at host:port, authenticating as connKey.
func DialSession(connKey *btcec.PrivateKey, nodeID []byte, host string, port uint32, timeout time.Duration) (Session, error) {
	identity, err := btcec.ParsePubKey(nodeID)
	if err != nil {
		return nil, fmt.Errorf("peer identity: %w", err)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("resolve %s:%d: %w", host, port, err)
	}

	conn, err := brontide.Dial(
		&keychain.PrivKeyECDH{PrivKey: connKey},
		&lnwire.NetAddress{
			IdentityKey: identity,
			Address:     tcpAddr,
		},
		timeout,
		net.DialTimeout,
	)
	if err != nil {
		return nil, fmt.Errorf("noise dial: %w", err)
	}
	return &noiseSession{conn: conn}, nil
}

// NodeDialer builds a runner Dialer targeting the given node.
func NodeDialer(node Node) Dialer {
	return func(cfg *Config) (Session, error) {
		return DialSession(cfg.ConnKey, node.NodeID(), node.Host(), node.Port(), cfg.Timeout)
	}
}

func (s *noiseSession) Send(b []byte) error {
	if err := s.conn.WriteMessage(b); err != nil {
		return err
	}
	_, err := s.conn.Flush()
	return err
}

func (s *noiseSession) Receive(timeout time.Duration) ([]byte, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	b, err := s.conn.ReadNextMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrSessionTimeout
		}
		return nil, err
	}
	return b, nil
}

func (s *noiseSession) Close() error {
	return s.conn.Close()
}
