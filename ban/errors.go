package ban

import "errors"

// ErrUnknownSchema indicates a persisted record carries a version this build
// does not understand. Such records are treated as absent rather than
// misinterpreted.
var ErrUnknownSchema = errors.New("ban: unknown record schema")

// IsUnknownSchema reports whether the error came from a record with an
// unrecognised schema version.
func IsUnknownSchema(err error) bool {
	return errors.Is(err, ErrUnknownSchema)
}
