package policy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDenied is matched by DeniedError.
var ErrDenied = errors.New("policy denied")

// Decision is the result of evaluating a decision document of the form
//
//	{"allow": bool, "reasons": [string], ...outputs}
type Decision struct {
	Allowed bool
	Reasons []string
	Outputs map[string]any
}

// DeniedError is returned by enforcing stages when the decision denies.
type DeniedError struct {
	Stage   string
	Reasons []string
}

func (e *DeniedError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("%s: denied", e.Stage)
	}
	return fmt.Sprintf("%s: denied: %s", e.Stage, strings.Join(e.Reasons, "; "))
}

// Is matches ErrDenied.
func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

func cloneDecision(dec Decision) Decision {
	return Decision{
		Allowed: dec.Allowed,
		Reasons: append([]string(nil), dec.Reasons...),
		Outputs: cloneAnyMap(dec.Outputs),
	}
}

func cloneAnyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
