package models

// Message types understood by the hub. Reactions are ordinary messages
// carrying a type and a parent hash; gateways synthesize counts from them.
const (
	MessagePost   = "post"
	MessageReply  = "reply"
	MessageLike   = "like"
	MessageRepost = "repost"
	MessageQuote  = "quote"
)

// MaxMessageText is the protocol bound on message text length.
const MaxMessageText = 280

type Message struct {
	// Hash is the canonical content digest; it is the storage key and is
	// immutable once accepted.
	Hash      string `json:"hash"`
	AccountID string `json:"accountId"`
	Text      string `json:"text"`
	// Type defaults to "post" when empty.
	Type           string `json:"messageType,omitempty"`
	ParentHash     string `json:"parentHash,omitempty"`
	RootParentHash string `json:"rootParentHash,omitempty"`
	// Mentions lists mentioned account ids with their text offsets.
	Mentions          []string `json:"mentions,omitempty"`
	MentionsPositions []int    `json:"mentionsPositions,omitempty"`
	// Timestamp is author-claimed, seconds since epoch.
	Timestamp int64 `json:"timestamp"`
	// Deleted marks a tombstone; tombstoned messages are never purged so
	// peers can replay them during sync.
	Deleted bool    `json:"deleted,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
	// Signature is an ed25519 signature over the hash bytes, hex encoded.
	Signature  string `json:"signature,omitempty"`
	SigningKey string `json:"signingKey,omitempty"`
}

type Embed struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	// Ref points at another message by hash (quote embeds).
	Ref      string         `json:"ref,omitempty"`
	Metadata *EmbedMetadata `json:"metadata,omitempty"`
}

type EmbedMetadata struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
}

// MessageResult is the hub's acceptance response for a submitted message.
type MessageResult struct {
	Hash      string `json:"hash"`
	Status    string `json:"status"` // accepted|rejected
	Timestamp int64  `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}
