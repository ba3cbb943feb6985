package bolt

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// ValueKind discriminates the closed set of shapes a message field can
// take on the wire: an unsigned integer, a byte string, or a list of
// further values (used for signature lists and witness stacks).
type ValueKind int

const (
	KindNum ValueKind = iota
	KindBytes
	KindList
)

// Value is a single decoded message field. Exactly one of N, B or L is
// meaningful, selected by Kind.
type Value struct {
	Kind ValueKind
	N    uint64
	B    []byte
	L    []Value
}

func NumValue(n uint64) Value {
	return Value{Kind: KindNum, N: n}
}

func BytesValue(b []byte) Value {
	return Value{Kind: KindBytes, B: b}
}

func ListValue(vals ...Value) Value {
	return Value{Kind: KindList, L: vals}
}

// HexValue parses a hex string into a bytes value. An odd-length or
// non-hex string is an error, it never panics: scripts resolve their
// literals lazily and report bad ones as authoring mistakes.
func HexValue(s string) (Value, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Value{}, fmt.Errorf("bad hex %q: %w", s, err)
	}
	return BytesValue(b), nil
}

// Equal compares two values structurally. Numbers never equal byte
// strings, even when a numeric reading would match.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNum:
		return v.N == o.N
	case KindBytes:
		return bytes.Equal(v.B, o.B)
	case KindList:
		if len(v.L) != len(o.L) {
			return false
		}
		for i := range v.L {
			if !v.L[i].Equal(o.L[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders the value for failure diagnostics.
func (v Value) String() string {
	switch v.Kind {
	case KindNum:
		return fmt.Sprintf("%d", v.N)
	case KindBytes:
		return hex.EncodeToString(v.B)
	case KindList:
		parts := make([]string, len(v.L))
		for i, e := range v.L {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	}
	return "<invalid>"
}
