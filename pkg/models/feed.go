package models

// Feed types supported by the gateway.
const (
	FeedChronological = "chronological"
	FeedAlgorithmic   = "algorithmic"
)

// Post is the gateway's read-side view of a hub message plus synthesized
// reaction counts.
type Post struct {
	Message
	Reactions map[string]int `json:"reactions,omitempty"`
}

// Feed is a ranked, paginated page of posts. Incomplete is set when one
// or more fan-out endpoints failed and the page may be missing results.
type Feed struct {
	Posts      []Post `json:"posts"`
	Cursor     string `json:"cursor,omitempty"`
	Incomplete bool   `json:"incomplete,omitempty"`
}

// Reaction is synthesized from hub messages of type like/repost/quote;
// it is never separately persisted.
type Reaction struct {
	TargetHash string `json:"targetHash"`
	AccountID  string `json:"accountId"`
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp"`
}
