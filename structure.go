package lnconform

// Sequence runs its events in order, failing on the first failure.
// It mostly exists so combinator alternatives can hold several steps.
type Sequence []Event

func (s Sequence) Run(r *Runner) error {
	for _, e := range s {
		if err := e.Run(r); err != nil {
			return err
		}
	}
	return nil
}

// OneOf expresses protocol points where a conformant peer may take
// several message orders. Alternatives are tried in script order; a
// rejected alternative's stash, funding and message consumption are
// rolled back before the next is tried. Committing happens on the
// first alternative that completes. Exhausting them all re-raises the
// last failure.
type OneOf struct {
	Alternatives []Sequence
}

func (o OneOf) Run(r *Runner) error {
	var last error
	for _, alt := range o.Alternatives {
		snap := r.snapshot()
		err := alt.Run(r)
		if err == nil {
			return nil
		}
		f := failureFrom(err, ProtocolMismatch)
		if !f.Retryable() {
			return err
		}
		r.restore(snap)
		last = err
	}
	if last == nil {
		last = newFailure(ScriptError, "OneOf with no alternatives")
	}
	return last
}

// TryAny runs optional events: sends always apply, while an
// expectation that fails with a retryable mismatch is rolled back and
// skipped rather than failing the run. Absence of an optional message
// is never a failure.
type TryAny struct {
	Events []Event
}

func (t TryAny) Run(r *Runner) error {
	for _, e := range t.Events {
		snap := r.snapshot()
		err := e.Run(r)
		if err == nil {
			continue
		}
		f := failureFrom(err, ProtocolMismatch)
		if f.Retryable() || f.Kind == Timeout {
			r.restore(snap)
			continue
		}
		return err
	}
	return nil
}
