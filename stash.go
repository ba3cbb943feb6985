package lnconform

import (
	"fmt"
	"strings"

	"github.com/breez/lnconform/bolt"
)

// Direction tells whether a stashed field came from a message the
// harness sent or one it received.
type Direction int

const (
	DirSent Direction = iota
	DirRcvd
)

func (d Direction) String() string {
	if d == DirSent {
		return "sent"
	}
	return "rcvd"
}

type stashEntry struct {
	dir     Direction
	message string
	field   string
	value   bolt.Value
}

// Stash records every field of every exchanged message, in order.
// Entries are append-only: re-sending or re-receiving a message of the
// same name adds fresh entries rather than overwriting, and readers
// pick the most recent (or Nth most recent) match. Combinators roll
// the stash back by truncating to a previously taken mark.
type Stash struct {
	entries []stashEntry
}

func NewStash() *Stash {
	return &Stash{}
}

// Record stashes all fields of a decoded message.
func (s *Stash) Record(dir Direction, m *bolt.Message) {
	name := m.Name()
	for field, val := range m.Fields {
		s.entries = append(s.entries, stashEntry{
			dir:     dir,
			message: name,
			field:   field,
			value:   val,
		})
	}
}

// Lookup returns the most recent value for (dir, message, field).
func (s *Stash) Lookup(dir Direction, message, field string) (bolt.Value, bool) {
	return s.LookupN(dir, message, field, 0)
}

// LookupN returns the nth-most-recent value, n=0 being the latest.
func (s *Stash) LookupN(dir Direction, message, field string, n int) (bolt.Value, bool) {
	skip := n
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.dir == dir && e.message == message && e.field == field {
			if skip == 0 {
				return e.value, true
			}
			skip--
		}
	}
	return bolt.Value{}, false
}

// mark returns a rollback point; truncate discards everything recorded
// after it.
func (s *Stash) mark() int {
	return len(s.entries)
}

func (s *Stash) truncate(mark int) {
	if mark < len(s.entries) {
		s.entries = s.entries[:mark]
	}
}

// Dump renders the stash for failure diagnostics, oldest first.
func (s *Stash) Dump() string {
	var sb strings.Builder
	for _, e := range s.entries {
		fmt.Fprintf(&sb, "%s.%s.%s = %s\n", e.dir, e.message, e.field, e.value)
	}
	return sb.String()
}

// FieldValue is a message-field specification used both when building
// outgoing messages and when checking incoming ones. It is either a
// literal known at script-construction time or a deferred resolver
// evaluated at the moment the value is consumed, which is what lets a
// script reference peer-chosen values from earlier round trips.
type FieldValue struct {
	lit      *bolt.Value
	resolver func(*Runner) (bolt.Value, error)
	desc     string
}

// Lit wraps an already-known value.
func Lit(v bolt.Value) FieldValue {
	return FieldValue{lit: &v, desc: v.String()}
}

// Num is a literal unsigned integer field.
func Num(n uint64) FieldValue {
	return Lit(bolt.NumValue(n))
}

// MSat is an alias for Num used where the wire unit is millisatoshi,
// purely for script readability.
func MSat(n uint64) FieldValue {
	return Num(n)
}

// Bytes is a literal byte-string field.
func Bytes(b []byte) FieldValue {
	return Lit(bolt.BytesValue(b))
}

// Hex is a literal byte-string field given as hex. A bad literal
// surfaces as a ScriptError when the field is consumed.
func Hex(s string) FieldValue {
	return Deferred(fmt.Sprintf("hex(%s)", s), func(*Runner) (bolt.Value, error) {
		v, err := bolt.HexValue(s)
		if err != nil {
			return bolt.Value{}, newFailure(ScriptError, "%v", err)
		}
		return v, nil
	})
}

// Deferred builds a field value resolved only when consumed.
func Deferred(desc string, resolver func(*Runner) (bolt.Value, error)) FieldValue {
	return FieldValue{resolver: resolver, desc: desc}
}

// Sent defers to the most recent field the harness sent in the named
// message. An empty message name is not allowed.
func Sent(message, field string) FieldValue {
	return stashRef(DirSent, message, field)
}

// Rcvd defers to the most recent field received in the named message.
func Rcvd(message, field string) FieldValue {
	return stashRef(DirRcvd, message, field)
}

func stashRef(dir Direction, message, field string) FieldValue {
	desc := fmt.Sprintf("%s.%s.%s", dir, message, field)
	return Deferred(desc, func(r *Runner) (bolt.Value, error) {
		v, ok := r.Stash.Lookup(dir, message, field)
		if !ok {
			return bolt.Value{}, &Failure{
				Kind:       UnresolvedReference,
				EventIndex: -1,
				Message:    message,
				Field:      field,
				Detail:     fmt.Sprintf("no %s entry in stash", desc),
			}
		}
		return v, nil
	})
}

// Resolve evaluates the field value against the current run state.
func (fv FieldValue) Resolve(r *Runner) (bolt.Value, error) {
	if fv.lit != nil {
		return *fv.lit, nil
	}
	if fv.resolver == nil {
		return bolt.Value{}, newFailure(ScriptError, "empty field value")
	}
	return fv.resolver(r)
}

func (fv FieldValue) String() string {
	return fv.desc
}
