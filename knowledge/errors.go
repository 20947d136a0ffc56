package knowledge

import "github.com/m-mizutani/goerr/v2"

// Error tags classify store failures so callers can branch on the class
// of failure without matching message strings.
var (
	// TagNotFound marks load/update/delete against an unknown id.
	TagNotFound = goerr.NewTag("not_found")

	// TagValidation marks malformed content or attributes.
	TagValidation = goerr.NewTag("validation")

	// TagConflict marks an optimistic-version mismatch: another writer
	// committed between the caller's load and its update.
	TagConflict = goerr.NewTag("conflict")

	// TagStoreIO marks failures of the underlying storage layer. Fatal
	// to the operation, never to the process.
	TagStoreIO = goerr.NewTag("store_io")
)

// IsNotFound reports whether err is a missing-record failure.
func IsNotFound(err error) bool { return goerr.HasTag(err, TagNotFound) }

// IsValidation reports whether err is a malformed-input failure.
func IsValidation(err error) bool { return goerr.HasTag(err, TagValidation) }

// IsConflict reports whether err is a concurrent-modification failure.
// The losing writer must retry from a fresh Load.
func IsConflict(err error) bool { return goerr.HasTag(err, TagConflict) }
