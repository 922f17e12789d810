package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a prefixed ULID, e.g. "evt_01J...". ULIDs sort by creation time.
func NewID(prefix string) string {
	id := ulid.MustNew(ulid.Timestamp(NowUTC()), rand.Reader).String()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
