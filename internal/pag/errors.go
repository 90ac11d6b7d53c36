// Package pag composes the Policy Engine, the Approvals Store, and the
// EphemeralApproval slot into the single Gate() entrypoint every
// proposed action outside the Agent Runtime's auto-approval path must
// clear before it reaches a tool or subprocess.
package pag

import "fmt"

// ErrorKind enumerates the error taxonomy §7 assigns to PAG decisions.
type ErrorKind string

const (
	KindPolicyRejectedHold ErrorKind = "PolicyRejected{Hold}"
	KindPolicyRejectedWarn ErrorKind = "PolicyRejected{Warn}"
	KindNeedsApproval      ErrorKind = "NeedsApproval"
	KindApprovalTimeout    ErrorKind = "ApprovalTimeout"
	KindForbidden          ErrorKind = "Forbidden"
)

// GateError is the error type Gate and GateInstallerWrite return for
// any non-Allow outcome.
type GateError struct {
	Kind   ErrorKind
	Reason string
}

func (e *GateError) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}
