// Package gateway implements the client-facing read/write surface: it
// resolves social graph state from the personal data servers, submits
// writes to the hub layer, and assembles feeds through the aggregator.
// The gateway holds no durable state of its own.
package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"socialmesh/pkg/aggregate"
	"socialmesh/pkg/digest"
	"socialmesh/pkg/logger"
	"socialmesh/pkg/models"
	"socialmesh/pkg/protocol"
)

type Service struct {
	agg      *aggregate.Aggregator
	resolver *aggregate.Resolver
	pds      *aggregate.PDSClient
	pdss     []string

	now func() time.Time
}

func New(agg *aggregate.Aggregator, resolver *aggregate.Resolver, pdsClient *aggregate.PDSClient, pdsEndpoints []string) *Service {
	return &Service{
		agg:      agg,
		resolver: resolver,
		pds:      pdsClient,
		pdss:     pdsEndpoints,
		now:      time.Now,
	}
}

// GetFeed assembles a feed for account: follows resolved through the
// owning server, then the followed authors (plus the account itself)
// aggregated across hubs.
func (s *Service) GetFeed(ctx context.Context, account, feedType string, limit int, cursor string) (*models.Feed, error) {
	owner, err := s.resolver.Owner(ctx, account)
	if err != nil {
		return nil, err
	}
	follows, err := s.pds.GetFollows(ctx, owner, account)
	if err != nil {
		return nil, err
	}
	authors := append(follows, account)
	return s.agg.FetchTimeline(ctx, authors, feedType, limit, cursor)
}

// CreatePostRequest carries the client's signed message content. The
// signature travels through untouched; the gateway never signs on the
// client's behalf.
type CreatePostRequest struct {
	AccountID         string         `json:"accountId"`
	Text              string         `json:"text"`
	Type              string         `json:"messageType,omitempty"`
	ParentHash        string         `json:"parentHash,omitempty"`
	RootParentHash    string         `json:"rootParentHash,omitempty"`
	Mentions          []string       `json:"mentions,omitempty"`
	MentionsPositions []int          `json:"mentionsPositions,omitempty"`
	Embeds            []models.Embed `json:"embeds,omitempty"`
	Timestamp         int64          `json:"timestamp,omitempty"`
	Signature         string         `json:"signature,omitempty"`
	SigningKey        string         `json:"signingKey,omitempty"`
}

// CreatePost canonicalizes the request into a hub message, recomputes
// the hash, and submits it. On acceptance the post is also written
// through to the author's server as a record, best-effort.
func (s *Service) CreatePost(ctx context.Context, req *CreatePostRequest) (*models.MessageResult, error) {
	m := &models.Message{
		AccountID:         req.AccountID,
		Text:              req.Text,
		Type:              req.Type,
		ParentHash:        req.ParentHash,
		RootParentHash:    req.RootParentHash,
		Mentions:          req.Mentions,
		MentionsPositions: req.MentionsPositions,
		Embeds:            req.Embeds,
		Timestamp:         req.Timestamp,
		Signature:         req.Signature,
		SigningKey:        req.SigningKey,
	}
	if m.Timestamp == 0 {
		m.Timestamp = s.now().Unix()
	}
	m.Hash = digest.MessageHash(m)

	res, err := s.agg.Submit(ctx, m)
	if err != nil {
		return nil, err
	}
	if res.Status == "accepted" {
		s.writeThrough(m)
	}
	return res, nil
}

// writeThrough mirrors an accepted post into the author's repository.
// Failures only log; the hub copy is already durable.
func (s *Service) writeThrough(m *models.Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		owner, err := s.resolver.Owner(ctx, m.AccountID)
		if err != nil {
			logger.Warn("post_write_through_unresolved", "account", m.AccountID, "error", err)
			return
		}
		value := map[string]any{"hash": m.Hash, "text": m.Text, "createdAt": m.Timestamp}
		if _, err := s.pds.CreateRecord(ctx, owner, m.AccountID, models.CollectionPost, value); err != nil {
			logger.Warn("post_write_through_failed", "account", m.AccountID, "hash", m.Hash, "error", err)
		}
	}()
}

func (s *Service) GetPost(ctx context.Context, hash string) (*models.Post, error) {
	if !digest.ValidHash(hash) {
		return nil, protocol.Errf(protocol.CodeInvalidStructure, "malformed message hash")
	}
	return s.agg.GetPost(ctx, hash)
}

// Follow writes a follow record into the follower's repository on its
// owning server; the server derives the graph edge from the collection.
func (s *Service) Follow(ctx context.Context, follower, subject string) (*models.Record, error) {
	if follower == subject {
		return nil, protocol.Errf(protocol.CodeInvalidStructure, "cannot follow self")
	}
	owner, err := s.resolver.Owner(ctx, follower)
	if err != nil {
		return nil, err
	}
	value := map[string]any{"subject": subject, "createdAt": s.now().Unix()}
	return s.pds.CreateRecord(ctx, owner, follower, models.CollectionFollow, value)
}

func (s *Service) Unfollow(ctx context.Context, follower, subject string) error {
	owner, err := s.resolver.Owner(ctx, follower)
	if err != nil {
		return err
	}
	return s.pds.DeleteFollow(ctx, owner, follower, subject)
}

// CreateReactionRequest targets an existing message by hash.
type CreateReactionRequest struct {
	AccountID  string `json:"accountId"`
	TargetHash string `json:"targetHash"`
	Type       string `json:"type"` // like | repost | quote
	Text       string `json:"text,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Signature  string `json:"signature,omitempty"`
	SigningKey string `json:"signingKey,omitempty"`
}

// CreateReaction submits a reaction as a typed hub message whose parent
// is the target; gateways synthesize counts from these at read time.
func (s *Service) CreateReaction(ctx context.Context, req *CreateReactionRequest) (*models.MessageResult, error) {
	switch req.Type {
	case models.MessageLike, models.MessageRepost, models.MessageQuote:
	default:
		return nil, protocol.Errf(protocol.CodeInvalidStructure, "unknown reaction type %q", req.Type)
	}
	if !digest.ValidHash(req.TargetHash) {
		return nil, protocol.Errf(protocol.CodeInvalidStructure, "malformed target hash")
	}
	m := &models.Message{
		AccountID:  req.AccountID,
		Text:       req.Text,
		Type:       req.Type,
		ParentHash: req.TargetHash,
		Timestamp:  req.Timestamp,
		Signature:  req.Signature,
		SigningKey: req.SigningKey,
	}
	if m.Timestamp == 0 {
		m.Timestamp = s.now().Unix()
	}
	m.Hash = digest.MessageHash(m)
	return s.agg.Submit(ctx, m)
}

func (s *Service) GetProfile(ctx context.Context, account string) (*models.Profile, error) {
	return s.resolver.Profile(ctx, account)
}

// SearchResult carries whichever side of the search was requested.
type SearchResult struct {
	Posts      []models.Post    `json:"posts,omitempty"`
	Users      []models.Profile `json:"users,omitempty"`
	Incomplete bool             `json:"incomplete,omitempty"`
}

// Search fans a substring query out to the hubs (posts) or every
// configured personal data server (users).
func (s *Service) Search(ctx context.Context, query, kind string, limit int) (*SearchResult, error) {
	if limit <= 0 {
		limit = 25
	}
	switch kind {
	case "users":
		users, incomplete := s.searchUsers(ctx, query, limit)
		return &SearchResult{Users: users, Incomplete: incomplete}, nil
	case "", "posts":
		posts, incomplete := s.agg.SearchPosts(ctx, query, limit)
		return &SearchResult{Posts: posts, Incomplete: incomplete}, nil
	default:
		return nil, protocol.Errf(protocol.CodeInvalidStructure, "unknown search type %q", kind)
	}
}

func (s *Service) searchUsers(ctx context.Context, query string, limit int) ([]models.Profile, bool) {
	var (
		mu     sync.Mutex
		seen   = make(map[string]bool)
		users  []models.Profile
		failed bool
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range s.pdss {
		endpoint := ep
		g.Go(func() error {
			actors, err := s.pds.SearchActors(gctx, endpoint, query, limit)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = true
				logger.Warn("user_search_pds_failed", "pds", endpoint, "error", err)
				return nil
			}
			for _, p := range actors {
				if !seen[p.AccountID] {
					seen[p.AccountID] = true
					users = append(users, p)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(users) > limit {
		users = users[:limit]
	}
	return users, failed
}
