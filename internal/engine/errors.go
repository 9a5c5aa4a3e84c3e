package engine

import "errors"

// ErrUnknownRepository is returned when the repository is not governed.
// Fatal to the call, not the process; nothing can be ledgered against a
// repository that does not exist.
var ErrUnknownRepository = errors.New("unknown repository")

// LedgerWriteError marks a cycle whose outcome is undefined: the append
// may or may not have committed, and the caller must retry the whole
// cycle from scratch on the next trigger.
type LedgerWriteError struct {
	Err error
}

func (e LedgerWriteError) Error() string { return "ledger write failed: " + e.Err.Error() }
func (e LedgerWriteError) Unwrap() error { return e.Err }

// RejectKind classifies why a transition attempt was not accepted.
type RejectKind string

const (
	RejectIllegalTransition RejectKind = "IllegalTransition"
	RejectVerdictFail       RejectKind = "VerdictFail"
	RejectVerdictPending    RejectKind = "VerdictPending"
)
