package flv

import (
	"github.com/pkg/errors"
)

var (
	// ErrNeedMoreBytes signals that the cursor does not hold enough bytes yet.
	// It is not a failure: fill the cursor and try again.
	ErrNeedMoreBytes = errors.New("flv: need more bytes")

	// ErrHeaderInvalid is fatal for the whole download
	ErrHeaderInvalid = errors.New("flv: invalid file header")

	// ErrTagHeaderInvalid is returned for unknown tag types or encrypted tags
	ErrTagHeaderInvalid = errors.New("flv: invalid tag header")

	// ErrTagSizeMismatch is returned when the typed body does not fit the declared data size
	ErrTagSizeMismatch = errors.New("flv: tag size mismatch")

	// ErrChecksumMismatch is advisory: the trailing PreviousTagSize disagrees with the tag
	ErrChecksumMismatch = errors.New("flv: previous tag size mismatch")
)

// IsFatal reports whether err must stop the current segment
func IsFatal(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrNeedMoreBytes) &&
		!errors.Is(err, ErrChecksumMismatch)
}
