// Package sandbox implements the capability boundary between rule code and
// the engine. Rule programs are compiled against model.Capabilities; the
// Surface here is that interface's only implementation, bound to a scoped
// evaluation context that is set immediately before a rule's action runs and
// cleared on every exit path.
//
// The boundary is structural, not a runtime permission check: nothing beyond
// the interface is reachable from rule code, and every invocation (allowed or
// rejected) produces exactly one CapabilityEvent through the Recorder.
package sandbox

import (
	"errors"
	"fmt"

	"github.com/betracehq/betrace/internal/model"
)

// ErrContextNotSet is returned when a capability is invoked outside an
// active evaluation context.
var ErrContextNotSet = errors.New("sandbox: no active evaluation context")

// ViolationError is the caller-visible failure for a rejected capability
// invocation. It aborts the offending rule's action (fail closed) but does
// not abort sibling rules in the same evaluation.
type ViolationError struct {
	Class      model.ViolationClass
	Capability model.Capability
	RuleID     string
	Detail     string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("sandbox: %s violation by rule %s invoking %s: %s",
		e.Class, e.RuleID, e.Capability, e.Detail)
}

// AsViolation unwraps err to a *ViolationError if it is one.
func AsViolation(err error) (*ViolationError, bool) {
	var v *ViolationError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
