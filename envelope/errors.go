package envelope

import (
	"errors"
	"strings"
)

// ErrStructural is wrapped by every StructuralError.
var ErrStructural = errors.New("envelope: structural validation failed")

// StructuralError lists the required envelope fields that are missing or malformed.
type StructuralError struct {
	Fields []string
	Cause  error
}

func (e *StructuralError) Error() string {
	msg := ErrStructural.Error() + ": " + strings.Join(e.Fields, ", ")
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes ErrStructural and the decode cause, if any.
func (e *StructuralError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrStructural, e.Cause}
	}
	return []error{ErrStructural}
}
