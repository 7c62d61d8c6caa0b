package value

import (
	"errors"
	"fmt"
)

// ErrMalformed is matched by every MalformedError.
var ErrMalformed = errors.New("malformed")

// MalformedError reports a decoding failure and the input offset at which it
// was detected.
type MalformedError struct {
	Codec  string
	Pos    int
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: malformed input at offset %d: %s", e.Codec, e.Pos, e.Reason)
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

func malformed(codec string, pos int, format string, args ...any) error {
	return &MalformedError{Codec: codec, Pos: pos, Reason: fmt.Sprintf(format, args...)}
}
