// Package datastore holds helpers shared by the gorm backed stores.
package datastore

// ListOptions limits list queries (jobs history, queued messages).
type ListOptions struct {
	Limit  int
	Offset int
}

const DefaultLimit = 1000

// ParseListOptions normalises user supplied paging. A zero limit means
// DefaultLimit, a negative one means no limit at all.
func ParseListOptions(limit, offset int) ListOptions {
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 0 {
		limit = -1
		offset = 0
	}
	if offset < 0 {
		offset = 0
	}
	return ListOptions{Limit: limit, Offset: offset}
}
