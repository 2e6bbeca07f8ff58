package changes

import "errors"

var (
	ErrMalformed = errors.New("malformed change frame")
	ErrNoRecords = errors.New("change frame has no records")
)
