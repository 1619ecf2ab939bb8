package artifact

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as an artifact identifier.
// ULIDs are lexicographically sortable by creation time, which keeps
// registry listings in creation order without extra bookkeeping.
func NewID() string {
	return ulid.Make().String()
}
