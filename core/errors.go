package core

import "github.com/pkg/errors"

// ErrInvalidArgument marks contract violations by the caller: bad shapes,
// out-of-range indices, or a mode/target mismatch. Test with errors.Is.
var ErrInvalidArgument = errors.New("invalid argument")
