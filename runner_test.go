package lnconform

import (
	"testing"
	"time"

	"github.com/breez/lnconform/bolt"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

// scriptedSession feeds pre-encoded incoming messages and records
// everything sent.
type scriptedSession struct {
	incoming [][]byte
	sent     [][]byte
	closed   bool
}

func (s *scriptedSession) Send(b []byte) error {
	s.sent = append(s.sent, b)
	return nil
}

func (s *scriptedSession) Receive(timeout time.Duration) ([]byte, error) {
	if len(s.incoming) == 0 {
		return nil, ErrSessionTimeout
	}
	b := s.incoming[0]
	s.incoming = s.incoming[1:]
	return b, nil
}

func (s *scriptedSession) Close() error {
	s.closed = true
	return nil
}

func encodeMsg(t *testing.T, name string, fields map[string]bolt.Value) []byte {
	t.Helper()
	m, err := bolt.NewMessage(name)
	require.NoError(t, err)
	for k, v := range fields {
		m.Fields[k] = v
	}
	b, err := m.Encode()
	require.NoError(t, err)
	return b
}

func testRunner(t *testing.T, session *scriptedSession) *Runner {
	t.Helper()
	connKey, _ := btcec.PrivKeyFromBytes(SeedSecret(0x01))
	fundingKey, _ := btcec.PrivKeyFromBytes(SeedSecret(0x10))
	remoteFunding, _ := btcec.PrivKeyFromBytes(SeedSecret(0x15))

	cfg := Config{
		Role:             Opener,
		LocalKeys:        testKeySet(t, 0x21),
		RemoteKeys:       testKeySet(t, 0x31),
		FundingKey:       fundingKey,
		RemoteFundingKey: remoteFunding,
		ConnKey:          connKey,
		Timeout:          50 * time.Millisecond,
	}
	return NewRunner(cfg, NewSimChain(), nil, func(*Config) (Session, error) {
		return session, nil
	})
}

func TestSendAndExpect(t *testing.T) {
	session := &scriptedSession{
		incoming: [][]byte{
			encodeMsg(t, "init", map[string]bolt.Value{
				"globalfeatures": bolt.BytesValue(nil),
				"features":       bolt.BytesValue(Bitfield(12, 20, 29)),
			}),
		},
	}
	r := testRunner(t, session)

	failure := r.Run([]Event{
		Connect{},
		Msg{Name: "init", Fields: map[string]FieldValue{
			"globalfeatures": Bytes(nil),
			"features":       Bytes(Bitfield(12, 20, 29)),
		}},
		ExpectMsg{Name: "init", Fields: map[string]FieldValue{
			"features": Bytes(Bitfield(12, 20, 29)),
		}},
		// The received features are now referenceable.
		CheckEq{A: Rcvd("init", "features"), B: Bytes(Bitfield(12, 20, 29))},
	})
	require.Nil(t, failure)
	require.Len(t, session.sent, 1)
}

func TestExpectMismatchNamesFieldAndEvent(t *testing.T) {
	session := &scriptedSession{
		incoming: [][]byte{
			encodeMsg(t, "tx_complete", map[string]bolt.Value{
				"channel_id": bolt.BytesValue(make([]byte, 32)),
			}),
		},
	}
	r := testRunner(t, session)

	failure := r.Run([]Event{
		Connect{},
		ExpectMsg{Name: "tx_complete", Fields: map[string]FieldValue{
			"channel_id": Bytes(append(make([]byte, 31), 0x01)),
		}},
	})
	require.NotNil(t, failure)
	require.Equal(t, ProtocolMismatch, failure.Kind)
	require.Equal(t, 1, failure.EventIndex)
	require.Equal(t, "tx_complete", failure.Message)
	require.Equal(t, "channel_id", failure.Field)
}

func TestUnknownOddIgnoredEvenFatal(t *testing.T) {
	// Type 9999 is odd: must be skipped on the way to the real
	// message.
	session := &scriptedSession{
		incoming: [][]byte{
			append([]byte{0x27, 0x0f}, 0xde, 0xad),
			encodeMsg(t, "tx_complete", map[string]bolt.Value{
				"channel_id": bolt.BytesValue(make([]byte, 32)),
			}),
		},
	}
	r := testRunner(t, session)
	failure := r.Run([]Event{
		Connect{},
		ExpectMsg{Name: "tx_complete"},
	})
	require.Nil(t, failure)

	// Type 9998 is even: the peer may not send what we cannot
	// understand.
	session = &scriptedSession{
		incoming: [][]byte{
			append([]byte{0x27, 0x0e}, 0xde, 0xad),
			encodeMsg(t, "tx_complete", map[string]bolt.Value{
				"channel_id": bolt.BytesValue(make([]byte, 32)),
			}),
		},
	}
	r = testRunner(t, session)
	failure = r.Run([]Event{
		Connect{},
		ExpectMsg{Name: "tx_complete"},
	})
	require.NotNil(t, failure)
	require.Equal(t, ProtocolMismatch, failure.Kind)
}

func TestReceiveTimeout(t *testing.T) {
	session := &scriptedSession{}
	r := testRunner(t, session)
	failure := r.Run([]Event{
		Connect{},
		ExpectMsg{Name: "init"},
	})
	require.NotNil(t, failure)
	require.Equal(t, Timeout, failure.Kind)
}

// A rejected OneOf alternative must leave no trace: its stash writes
// are rolled back and the consumed message is replayed to the next
// alternative.
func TestOneOfRollback(t *testing.T) {
	addOutput := encodeMsg(t, "tx_add_output", map[string]bolt.Value{
		"channel_id": bolt.BytesValue(make([]byte, 32)),
		"serial_id":  bolt.NumValue(1),
		"sats":       bolt.NumValue(50000),
		"script":     bolt.BytesValue([]byte{0x00, 0x14}),
	})
	session := &scriptedSession{incoming: [][]byte{addOutput}}
	r := testRunner(t, session)

	failure := r.Run([]Event{
		Connect{},
		OneOf{Alternatives: []Sequence{
			{
				ExpectMsg{Name: "tx_add_input"},
				SideEffect{Desc: "unreachable", Fn: func(*Runner) error {
					t.Fatal("first alternative must not complete")
					return nil
				}},
			},
			{
				ExpectMsg{Name: "tx_add_output", Fields: map[string]FieldValue{
					"serial_id": Num(1),
				}},
			},
		}},
	})
	require.Nil(t, failure)

	// Only the winning alternative's effects remain.
	_, ok := r.Stash.Lookup(DirRcvd, "tx_add_input", "serial_id")
	require.False(t, ok)
	v, ok := r.Stash.Lookup(DirRcvd, "tx_add_output", "sats")
	require.True(t, ok)
	require.Equal(t, uint64(50000), v.N)
}

func TestOneOfExhaustedReraises(t *testing.T) {
	session := &scriptedSession{
		incoming: [][]byte{
			encodeMsg(t, "tx_complete", map[string]bolt.Value{
				"channel_id": bolt.BytesValue(make([]byte, 32)),
			}),
		},
	}
	r := testRunner(t, session)
	failure := r.Run([]Event{
		Connect{},
		OneOf{Alternatives: []Sequence{
			{ExpectMsg{Name: "tx_add_input"}},
			{ExpectMsg{Name: "tx_add_output"}},
		}},
	})
	require.NotNil(t, failure)
	require.Equal(t, ProtocolMismatch, failure.Kind)
	require.Equal(t, "tx_add_output", failure.Message)
}

// A funding rollback: an alternative that mutates the builder before
// failing must not leak the mutation.
func TestOneOfRollsBackFunding(t *testing.T) {
	addInput := encodeMsg(t, "tx_add_input", map[string]bolt.Value{
		"channel_id":  bolt.BytesValue(make([]byte, 32)),
		"serial_id":   bolt.NumValue(1),
		"prevtx":      bolt.BytesValue(UTXO(0).PrevTxBytes()),
		"prevtx_vout": bolt.NumValue(uint64(UTXO(0).Vout)),
		"sequence":    bolt.NumValue(0xfffffffd),
		"script_sig":  bolt.BytesValue(nil),
	})
	txComplete := encodeMsg(t, "tx_complete", map[string]bolt.Value{
		"channel_id": bolt.BytesValue(make([]byte, 32)),
	})
	session := &scriptedSession{incoming: [][]byte{addInput, txComplete}}
	r := testRunner(t, session)

	localKey, _ := btcec.PrivKeyFromBytes(SeedSecret(0x10))
	remoteKey, _ := btcec.PrivKeyFromBytes(SeedSecret(0x15))
	f, err := NewFunding(localKey, remoteKey.PubKey(), 999800, 100)
	require.NoError(t, err)
	r.Funding = f

	failure := r.Run([]Event{
		Connect{},
		OneOf{Alternatives: []Sequence{
			{
				ExpectMsg{Name: "tx_add_input"},
				AddInput{
					Side:       Accepter,
					SerialID:   Rcvd("tx_add_input", "serial_id"),
					PrevTx:     Rcvd("tx_add_input", "prevtx"),
					PrevTxVout: Rcvd("tx_add_input", "prevtx_vout"),
				},
				// The peer sends tx_complete here, so this mismatch
				// rejects the alternative after it mutated the builder.
				ExpectMsg{Name: "tx_add_output"},
			},
			{
				ExpectMsg{Name: "tx_add_input", Fields: map[string]FieldValue{
					"serial_id": Num(1),
				}},
				ExpectMsg{Name: "tx_complete"},
			},
		}},
	})
	require.Nil(t, failure)
	// The second alternative never ran AddInput, and the first one's
	// contribution was rolled back with the snapshot.
	require.Equal(t, FundingEmpty, r.Funding.State())
}

func TestTryAnyAbsenceIsFine(t *testing.T) {
	session := &scriptedSession{
		incoming: [][]byte{
			encodeMsg(t, "tx_complete", map[string]bolt.Value{
				"channel_id": bolt.BytesValue(make([]byte, 32)),
			}),
		},
	}
	r := testRunner(t, session)
	failure := r.Run([]Event{
		Connect{},
		TryAny{Events: []Event{
			ExpectMsg{Name: "tx_add_input"},
		}},
		ExpectMsg{Name: "tx_complete"},
	})
	require.Nil(t, failure)
}

func TestMustNotMsgPushesBack(t *testing.T) {
	session := &scriptedSession{
		incoming: [][]byte{
			encodeMsg(t, "tx_complete", map[string]bolt.Value{
				"channel_id": bolt.BytesValue(make([]byte, 32)),
			}),
		},
	}
	r := testRunner(t, session)
	failure := r.Run([]Event{
		Connect{},
		MustNotMsg{Name: "error", Wait: 10 * time.Millisecond},
		// The message consumed by the probe is still available.
		ExpectMsg{Name: "tx_complete"},
	})
	require.Nil(t, failure)
}

// The spec's parity scenario: an acceptor-sent even serial raises an
// ordering violation before the event's stash mutation commits.
func TestParityViolationBeforeStashCommit(t *testing.T) {
	addInput := encodeMsg(t, "tx_add_input", map[string]bolt.Value{
		"channel_id":  bolt.BytesValue(make([]byte, 32)),
		"serial_id":   bolt.NumValue(2),
		"prevtx":      bolt.BytesValue(UTXO(0).PrevTxBytes()),
		"prevtx_vout": bolt.NumValue(uint64(UTXO(0).Vout)),
		"sequence":    bolt.NumValue(0xfffffffd),
		"script_sig":  bolt.BytesValue(nil),
	})
	session := &scriptedSession{incoming: [][]byte{addInput}}
	r := testRunner(t, session)

	localKey, _ := btcec.PrivKeyFromBytes(SeedSecret(0x10))
	remoteKey, _ := btcec.PrivKeyFromBytes(SeedSecret(0x15))
	f, err := NewFunding(localKey, remoteKey.PubKey(), 999800, 100)
	require.NoError(t, err)
	r.Funding = f

	failure := r.Run([]Event{
		Connect{},
		ExpectMsg{Name: "tx_add_input"},
		AddInput{
			Side:       Accepter,
			SerialID:   Rcvd("tx_add_input", "serial_id"),
			PrevTx:     Rcvd("tx_add_input", "prevtx"),
			PrevTxVout: Rcvd("tx_add_input", "prevtx_vout"),
		},
	})
	require.NotNil(t, failure)
	require.Equal(t, OrderingViolation, failure.Kind)
	require.Equal(t, FundingEmpty, r.Funding.State())
}

func TestDisconnectAndReconnect(t *testing.T) {
	session := &scriptedSession{}
	r := testRunner(t, session)
	failure := r.Run([]Event{
		Connect{},
		Disconnect{},
		Connect{},
	})
	require.Nil(t, failure)
	require.True(t, session.closed)
}
