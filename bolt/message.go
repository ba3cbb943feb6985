// Package bolt carries the peer-message field layouts used during the
// channel-opening handshake, along with a binary codec for them. The
// layouts are fixed here rather than loaded from spec sources; the
// handshake messages change rarely and a conformance run must not
// depend on an external schema file being in sync.
//
// Encoding follows the usual BOLT conventions: a big-endian u16 message
// type, fixed-width big-endian integers, raw 32/33/64-byte fields for
// hashes, compressed points and signatures, and u16-length-prefixed
// byte vectors. Any trailing bytes a peer appends (TLV streams and
// future fields) are preserved verbatim in Extra and re-emitted on
// encode.
package bolt

import (
	"encoding/binary"
	"fmt"
)

// MessageType is the 2-byte big-endian integer leading every peer
// message.
type MessageType uint16

const (
	MsgWarning        MessageType = 1
	MsgInit           MessageType = 16
	MsgError          MessageType = 17
	MsgPing           MessageType = 18
	MsgPong           MessageType = 19
	MsgFundingLocked  MessageType = 36
	MsgOpenChannel2   MessageType = 64
	MsgAcceptChannel2 MessageType = 65
	MsgTxAddInput     MessageType = 66
	MsgTxAddOutput    MessageType = 67
	MsgTxRemoveInput  MessageType = 68
	MsgTxRemoveOutput MessageType = 69
	MsgTxComplete     MessageType = 70
	MsgTxSignatures   MessageType = 71
	MsgCommitSig      MessageType = 132
)

// IsOdd reports whether the type is odd, i.e. one a peer is allowed to
// ignore when it doesn't understand it.
func (t MessageType) IsOdd() bool {
	return t%2 == 1
}

type fieldType int

const (
	ftU8 fieldType = iota
	ftU16
	ftU32
	ftU64
	ftBytes32
	ftPoint
	ftSig
	// ftVarBytes is a u16 length followed by that many bytes.
	ftVarBytes
	// ftSigList is a u16 count followed by that many 64-byte
	// signatures, decoded as a list of byte strings.
	ftSigList
	// ftWitnesses is a u16 count of witnesses, each a u16 count of
	// elements, each a u16 length plus bytes. Decoded as a list of
	// lists of byte strings.
	ftWitnesses
)

type fieldDef struct {
	name string
	typ  fieldType
}

type schema struct {
	typ    MessageType
	name   string
	fields []fieldDef
}

var schemas = []schema{
	{MsgWarning, "warning", []fieldDef{
		{"channel_id", ftBytes32},
		{"data", ftVarBytes},
	}},
	{MsgInit, "init", []fieldDef{
		{"globalfeatures", ftVarBytes},
		{"features", ftVarBytes},
	}},
	{MsgError, "error", []fieldDef{
		{"channel_id", ftBytes32},
		{"data", ftVarBytes},
	}},
	{MsgPing, "ping", []fieldDef{
		{"num_pong_bytes", ftU16},
		{"ignored", ftVarBytes},
	}},
	{MsgPong, "pong", []fieldDef{
		{"ignored", ftVarBytes},
	}},
	{MsgFundingLocked, "funding_locked", []fieldDef{
		{"channel_id", ftBytes32},
		{"next_per_commitment_point", ftPoint},
	}},
	{MsgOpenChannel2, "open_channel2", []fieldDef{
		{"chain_hash", ftBytes32},
		{"channel_id", ftBytes32},
		{"funding_feerate_perkw", ftU32},
		{"commitment_feerate_perkw", ftU32},
		{"funding_satoshis", ftU64},
		{"dust_limit_satoshis", ftU64},
		{"max_htlc_value_in_flight_msat", ftU64},
		{"htlc_minimum_msat", ftU64},
		{"to_self_delay", ftU16},
		{"max_accepted_htlcs", ftU16},
		{"locktime", ftU32},
		{"funding_pubkey", ftPoint},
		{"revocation_basepoint", ftPoint},
		{"payment_basepoint", ftPoint},
		{"delayed_payment_basepoint", ftPoint},
		{"htlc_basepoint", ftPoint},
		{"first_per_commitment_point", ftPoint},
		{"channel_flags", ftU8},
	}},
	{MsgAcceptChannel2, "accept_channel2", []fieldDef{
		{"channel_id", ftBytes32},
		{"funding_satoshis", ftU64},
		{"dust_limit_satoshis", ftU64},
		{"max_htlc_value_in_flight_msat", ftU64},
		{"htlc_minimum_msat", ftU64},
		{"minimum_depth", ftU32},
		{"to_self_delay", ftU16},
		{"max_accepted_htlcs", ftU16},
		{"funding_pubkey", ftPoint},
		{"revocation_basepoint", ftPoint},
		{"payment_basepoint", ftPoint},
		{"delayed_payment_basepoint", ftPoint},
		{"htlc_basepoint", ftPoint},
		{"first_per_commitment_point", ftPoint},
	}},
	{MsgTxAddInput, "tx_add_input", []fieldDef{
		{"channel_id", ftBytes32},
		{"serial_id", ftU64},
		{"prevtx", ftVarBytes},
		{"prevtx_vout", ftU32},
		{"sequence", ftU32},
		{"script_sig", ftVarBytes},
	}},
	{MsgTxAddOutput, "tx_add_output", []fieldDef{
		{"channel_id", ftBytes32},
		{"serial_id", ftU64},
		{"sats", ftU64},
		{"script", ftVarBytes},
	}},
	{MsgTxRemoveInput, "tx_remove_input", []fieldDef{
		{"channel_id", ftBytes32},
		{"serial_id", ftU64},
	}},
	{MsgTxRemoveOutput, "tx_remove_output", []fieldDef{
		{"channel_id", ftBytes32},
		{"serial_id", ftU64},
	}},
	{MsgTxComplete, "tx_complete", []fieldDef{
		{"channel_id", ftBytes32},
	}},
	{MsgTxSignatures, "tx_signatures", []fieldDef{
		{"channel_id", ftBytes32},
		{"txid", ftBytes32},
		{"witness_stack", ftWitnesses},
	}},
	{MsgCommitSig, "commitment_signed", []fieldDef{
		{"channel_id", ftBytes32},
		{"signature", ftSig},
		{"htlc_signature", ftSigList},
	}},
}

var (
	schemaByType = make(map[MessageType]*schema)
	schemaByName = make(map[string]*schema)
)

func init() {
	for i := range schemas {
		s := &schemas[i]
		schemaByType[s.typ] = s
		schemaByName[s.name] = s
	}
}

// Message is a decoded (or to-be-encoded) peer message. For unknown
// message types Fields is nil and the full payload lives in Extra.
type Message struct {
	Type   MessageType
	Fields map[string]Value
	Extra  []byte
}

// NewMessage returns an empty message of the named known type.
func NewMessage(name string) (*Message, error) {
	s, ok := schemaByName[name]
	if !ok {
		return nil, fmt.Errorf("unknown message name %q", name)
	}
	return &Message{Type: s.typ, Fields: make(map[string]Value)}, nil
}

// Known reports whether the message type has a registered layout.
func (m *Message) Known() bool {
	_, ok := schemaByType[m.Type]
	return ok
}

// Name returns the registered name of the message, or a placeholder
// naming the numeric type for unknown ones.
func (m *Message) Name() string {
	if s, ok := schemaByType[m.Type]; ok {
		return s.name
	}
	return fmt.Sprintf("unknown_%d", m.Type)
}

// MessageName resolves a known type to its name, with the same
// placeholder fallback as Message.Name.
func MessageName(t MessageType) string {
	return (&Message{Type: t}).Name()
}

// Decode parses a raw wire payload (type prefix included) into a
// Message. Unknown types decode successfully with the payload kept in
// Extra so the caller can apply the odd/even rule.
func Decode(b []byte) (*Message, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("message too short: %d bytes", len(b))
	}
	m := &Message{Type: MessageType(binary.BigEndian.Uint16(b[:2]))}
	rest := b[2:]

	s, ok := schemaByType[m.Type]
	if !ok {
		m.Extra = rest
		return m, nil
	}

	m.Fields = make(map[string]Value, len(s.fields))
	for _, f := range s.fields {
		val, remaining, err := decodeField(f.typ, rest)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", s.name, f.name, err)
		}
		m.Fields[f.name] = val
		rest = remaining
	}
	m.Extra = rest
	return m, nil
}

// Encode serializes the message, type prefix included. Every schema
// field must be present; Extra is appended verbatim.
func (m *Message) Encode() ([]byte, error) {
	out := make([]byte, 2, 64)
	binary.BigEndian.PutUint16(out, uint16(m.Type))

	s, ok := schemaByType[m.Type]
	if !ok {
		return append(out, m.Extra...), nil
	}
	for _, f := range s.fields {
		val, ok := m.Fields[f.name]
		if !ok {
			return nil, fmt.Errorf("%s: missing field %s", s.name, f.name)
		}
		enc, err := encodeField(f.typ, val)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", s.name, f.name, err)
		}
		out = append(out, enc...)
	}
	return append(out, m.Extra...), nil
}

func decodeField(t fieldType, b []byte) (Value, []byte, error) {
	take := func(n int) ([]byte, error) {
		if len(b) < n {
			return nil, fmt.Errorf("need %d bytes, have %d", n, len(b))
		}
		chunk := b[:n]
		b = b[n:]
		return chunk, nil
	}
	takeU16 := func() (int, error) {
		chunk, err := take(2)
		if err != nil {
			return 0, err
		}
		return int(binary.BigEndian.Uint16(chunk)), nil
	}

	switch t {
	case ftU8:
		chunk, err := take(1)
		if err != nil {
			return Value{}, nil, err
		}
		return NumValue(uint64(chunk[0])), b, nil
	case ftU16:
		chunk, err := take(2)
		if err != nil {
			return Value{}, nil, err
		}
		return NumValue(uint64(binary.BigEndian.Uint16(chunk))), b, nil
	case ftU32:
		chunk, err := take(4)
		if err != nil {
			return Value{}, nil, err
		}
		return NumValue(uint64(binary.BigEndian.Uint32(chunk))), b, nil
	case ftU64:
		chunk, err := take(8)
		if err != nil {
			return Value{}, nil, err
		}
		return NumValue(binary.BigEndian.Uint64(chunk)), b, nil
	case ftBytes32:
		chunk, err := take(32)
		if err != nil {
			return Value{}, nil, err
		}
		return BytesValue(append([]byte(nil), chunk...)), b, nil
	case ftPoint:
		chunk, err := take(33)
		if err != nil {
			return Value{}, nil, err
		}
		return BytesValue(append([]byte(nil), chunk...)), b, nil
	case ftSig:
		chunk, err := take(64)
		if err != nil {
			return Value{}, nil, err
		}
		return BytesValue(append([]byte(nil), chunk...)), b, nil
	case ftVarBytes:
		n, err := takeU16()
		if err != nil {
			return Value{}, nil, err
		}
		chunk, err := take(n)
		if err != nil {
			return Value{}, nil, err
		}
		return BytesValue(append([]byte(nil), chunk...)), b, nil
	case ftSigList:
		n, err := takeU16()
		if err != nil {
			return Value{}, nil, err
		}
		sigs := make([]Value, 0, n)
		for i := 0; i < n; i++ {
			chunk, err := take(64)
			if err != nil {
				return Value{}, nil, err
			}
			sigs = append(sigs, BytesValue(append([]byte(nil), chunk...)))
		}
		return ListValue(sigs...), b, nil
	case ftWitnesses:
		n, err := takeU16()
		if err != nil {
			return Value{}, nil, err
		}
		wits := make([]Value, 0, n)
		for i := 0; i < n; i++ {
			ne, err := takeU16()
			if err != nil {
				return Value{}, nil, err
			}
			elems := make([]Value, 0, ne)
			for j := 0; j < ne; j++ {
				el, err := takeU16()
				if err != nil {
					return Value{}, nil, err
				}
				chunk, err := take(el)
				if err != nil {
					return Value{}, nil, err
				}
				elems = append(elems, BytesValue(append([]byte(nil), chunk...)))
			}
			wits = append(wits, ListValue(elems...))
		}
		return ListValue(wits...), b, nil
	}
	return Value{}, nil, fmt.Errorf("unhandled field type %d", t)
}

func encodeField(t fieldType, v Value) ([]byte, error) {
	wantNum := func() (uint64, error) {
		if v.Kind != KindNum {
			return 0, fmt.Errorf("expected number, got %s", v)
		}
		return v.N, nil
	}
	wantBytes := func(n int) ([]byte, error) {
		if v.Kind != KindBytes {
			return nil, fmt.Errorf("expected bytes, got %s", v)
		}
		if n >= 0 && len(v.B) != n {
			return nil, fmt.Errorf("expected %d bytes, got %d", n, len(v.B))
		}
		return v.B, nil
	}

	switch t {
	case ftU8:
		n, err := wantNum()
		if err != nil {
			return nil, err
		}
		return []byte{byte(n)}, nil
	case ftU16:
		n, err := wantNum()
		if err != nil {
			return nil, err
		}
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, uint16(n))
		return out, nil
	case ftU32:
		n, err := wantNum()
		if err != nil {
			return nil, err
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, uint32(n))
		return out, nil
	case ftU64:
		n, err := wantNum()
		if err != nil {
			return nil, err
		}
		out := make([]byte, 8)
		binary.BigEndian.PutUint64(out, n)
		return out, nil
	case ftBytes32:
		return wantBytes(32)
	case ftPoint:
		return wantBytes(33)
	case ftSig:
		return wantBytes(64)
	case ftVarBytes:
		b, err := wantBytes(-1)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 2, 2+len(b))
		binary.BigEndian.PutUint16(out, uint16(len(b)))
		return append(out, b...), nil
	case ftSigList:
		if v.Kind != KindList {
			return nil, fmt.Errorf("expected signature list, got %s", v)
		}
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, uint16(len(v.L)))
		for _, sig := range v.L {
			if sig.Kind != KindBytes || len(sig.B) != 64 {
				return nil, fmt.Errorf("bad signature element %s", sig)
			}
			out = append(out, sig.B...)
		}
		return out, nil
	case ftWitnesses:
		if v.Kind != KindList {
			return nil, fmt.Errorf("expected witness stack, got %s", v)
		}
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, uint16(len(v.L)))
		for _, wit := range v.L {
			if wit.Kind != KindList {
				return nil, fmt.Errorf("bad witness %s", wit)
			}
			var lb [2]byte
			binary.BigEndian.PutUint16(lb[:], uint16(len(wit.L)))
			out = append(out, lb[:]...)
			for _, el := range wit.L {
				if el.Kind != KindBytes {
					return nil, fmt.Errorf("bad witness element %s", el)
				}
				binary.BigEndian.PutUint16(lb[:], uint16(len(el.B)))
				out = append(out, lb[:]...)
				out = append(out, el.B...)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unhandled field type %d", t)
}
