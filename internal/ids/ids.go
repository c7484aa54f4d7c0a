// Package ids issues document keys that sort by creation time.
package ids

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a ULID for the current instant. Keys issued within the same
// millisecond keep increasing.
func New() string {
	return ulid.Make().String()
}

// Time reports when id was issued.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
