package domain

import "encoding/json"

// FeedState is the RPDE state of a feed item.
type FeedState string

const (
	FeedStateUpdated FeedState = "updated"
	FeedStateDeleted FeedState = "deleted"
)

// FeedItem is one change in a change feed.
type FeedItem struct {
	Kind         string          `json:"kind"`
	ID           string          `json:"id"`
	Modified     int64           `json:"modified"`
	ChangeNumber int64           `json:"-"`
	State        FeedState       `json:"state"`
	Data         json.RawMessage `json:"data"`
}
