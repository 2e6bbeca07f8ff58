package mirror

import "errors"

var (
	ErrUnknownEntity = errors.New("unknown entity kind")
	ErrMissingID     = errors.New("entity payload has no id")
	ErrInvalidSchema = errors.New("invalid schema")

	// ErrHistoryUnavailable means the records after a version are no longer
	// held, so only a full fetch can bring that client up to date.
	ErrHistoryUnavailable = errors.New("change history unavailable")
)
