// Package aggregate builds feeds for the gateway by fanning out to hub
// endpoints, merging the results, and synthesizing reaction counts.
// Hubs converge through their own sync, so every hub is treated as a
// replica: the first page merges all of them and later pages stick to
// the hub that issued the cursor.
package aggregate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"socialmesh/pkg/logger"
	"socialmesh/pkg/metrics"
	"socialmesh/pkg/models"
)

type Aggregator struct {
	hubs    []string
	hub     *HubClient
	timeout time.Duration
	cache   *FeedCache

	now func() time.Time
}

func New(hubs []string, timeout time.Duration, cache *FeedCache) *Aggregator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Aggregator{
		hubs:    hubs,
		hub:     NewHubClient(timeout),
		timeout: timeout,
		cache:   cache,
		now:     time.Now,
	}
}

// feedCursor pins pagination to the hub that produced the first page.
type feedCursor struct {
	Endpoint string `json:"e"`
	Cursor   string `json:"c"`
}

// FetchTimeline returns a page of posts authored by accounts, merged
// across all hubs, with reaction counts synthesized from reaction-typed
// messages in the window. Incomplete is set when at least one hub could
// not be reached; the page still carries whatever the rest returned.
func (a *Aggregator) FetchTimeline(ctx context.Context, accounts []string, feedType string, limit int, cursor string) (*models.Feed, error) {
	if limit <= 0 {
		limit = 50
	}
	if feed, ok := a.cache.Get(ctx, cacheKey(accounts, feedType, limit, cursor)); ok {
		return feed, nil
	}

	var (
		msgs       []models.Message
		nextCursor string
		incomplete bool
	)
	if cursor != "" {
		fc, err := decodeFeedCursor(cursor)
		if err != nil {
			return nil, err
		}
		page, err := a.fetchOne(ctx, fc.Endpoint, accounts, limit, fc.Cursor)
		if err != nil {
			metrics.FanoutFailures.WithLabelValues("hub").Inc()
			logger.Warn("feed_page_hub_failed", "hub", fc.Endpoint, "error", err)
			return &models.Feed{Incomplete: true}, nil
		}
		msgs = page.Messages
		if page.Cursor != "" {
			nextCursor = encodeFeedCursor(feedCursor{Endpoint: fc.Endpoint, Cursor: page.Cursor})
		}
	} else {
		msgs, nextCursor, incomplete = a.fanOut(ctx, accounts, limit)
	}

	posts := synthesize(msgs)
	if feedType == models.FeedAlgorithmic {
		sortRanked(posts, a.now())
	} else {
		sortChronological(posts)
	}
	if len(posts) > limit {
		posts = posts[:limit]
	}

	feed := &models.Feed{Posts: posts, Cursor: nextCursor, Incomplete: incomplete}
	a.cache.Set(ctx, cacheKey(accounts, feedType, limit, cursor), feed)
	return feed, nil
}

// fanOut queries every hub in parallel and merges the first pages.
// Duplicates keep the first occurrence seen. The hub returning the
// largest page becomes the pagination authority for later pages.
func (a *Aggregator) fanOut(ctx context.Context, accounts []string, limit int) ([]models.Message, string, bool) {
	type result struct {
		endpoint string
		page     *BatchPage
	}
	var (
		mu      sync.Mutex
		results []result
		failed  int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range a.hubs {
		endpoint := h
		g.Go(func() error {
			page, err := a.fetchOne(gctx, endpoint, accounts, limit, "")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				metrics.FanoutFailures.WithLabelValues("hub").Inc()
				logger.Warn("feed_hub_failed", "hub", endpoint, "error", err)
				return nil
			}
			results = append(results, result{endpoint: endpoint, page: page})
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]bool)
	var merged []models.Message
	var authority feedCursor
	bestLen := -1
	for _, r := range results {
		for _, m := range r.page.Messages {
			if seen[m.Hash] {
				continue
			}
			seen[m.Hash] = true
			merged = append(merged, m)
		}
		if r.page.Cursor != "" && len(r.page.Messages) > bestLen {
			bestLen = len(r.page.Messages)
			authority = feedCursor{Endpoint: r.endpoint, Cursor: r.page.Cursor}
		}
	}
	var next string
	if authority.Endpoint != "" {
		next = encodeFeedCursor(authority)
	}
	return merged, next, failed > 0
}

func (a *Aggregator) fetchOne(ctx context.Context, endpoint string, accounts []string, limit int, cursor string) (*BatchPage, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	// Hub batch limits count feed items, with reaction messages riding
	// along, so requesting exactly limit keeps the hub cursor aligned
	// with the last post this page returns.
	return a.hub.FetchBatch(ctx, endpoint, accounts, limit, cursor)
}

// GetPost fetches one message by hash from the first hub that has it
// and attaches reaction counts from that hub's view of the thread.
func (a *Aggregator) GetPost(ctx context.Context, hash string) (*models.Post, error) {
	var lastErr error = ErrNotFound
	for _, endpoint := range a.hubs {
		m, err := a.hub.GetMessage(ctx, endpoint, hash)
		if err != nil {
			lastErr = err
			continue
		}
		return &models.Post{Message: *m, Reactions: map[string]int{}}, nil
	}
	return nil, lastErr
}

// Submit pushes a message to every hub, returning the first accepted
// verdict. A single reachable hub is enough; sync spreads it from there.
func (a *Aggregator) Submit(ctx context.Context, m *models.Message) (*models.MessageResult, error) {
	var lastErr error
	for _, endpoint := range a.hubs {
		res, err := a.hub.Submit(ctx, endpoint, m)
		if err != nil {
			metrics.FanoutFailures.WithLabelValues("hub").Inc()
			lastErr = err
			continue
		}
		return res, nil
	}
	return nil, lastErr
}

// SearchPosts fans the query out to all hubs and merges by hash.
func (a *Aggregator) SearchPosts(ctx context.Context, query string, limit int) ([]models.Post, bool) {
	var (
		mu     sync.Mutex
		merged []models.Message
		seen   = make(map[string]bool)
		failed bool
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range a.hubs {
		endpoint := h
		g.Go(func() error {
			ctx2, cancel := context.WithTimeout(gctx, a.timeout)
			defer cancel()
			msgs, err := a.hub.Search(ctx2, endpoint, query, limit)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = true
				metrics.FanoutFailures.WithLabelValues("hub").Inc()
				return nil
			}
			for _, m := range msgs {
				if !seen[m.Hash] {
					seen[m.Hash] = true
					merged = append(merged, m)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	posts := synthesize(merged)
	sortChronological(posts)
	if len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, failed
}

// synthesize splits reaction messages out of the window and folds them
// into per-post counts. Quotes both count as a reaction on their target
// and appear as posts themselves.
func synthesize(msgs []models.Message) []models.Post {
	counts := make(map[string]map[string]int)
	for _, m := range msgs {
		switch m.Type {
		case models.MessageLike, models.MessageRepost, models.MessageQuote:
			if m.ParentHash == "" {
				continue
			}
			if counts[m.ParentHash] == nil {
				counts[m.ParentHash] = make(map[string]int)
			}
			counts[m.ParentHash][m.Type]++
		}
	}
	var posts []models.Post
	for _, m := range msgs {
		switch m.Type {
		case models.MessageLike, models.MessageRepost:
			continue
		}
		r := counts[m.Hash]
		if r == nil {
			r = map[string]int{}
		}
		posts = append(posts, models.Post{Message: m, Reactions: r})
	}
	return posts
}

func sortChronological(posts []models.Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		if posts[i].Timestamp != posts[j].Timestamp {
			return posts[i].Timestamp > posts[j].Timestamp
		}
		return posts[i].Hash < posts[j].Hash
	})
}

func sortRanked(posts []models.Post, now time.Time) {
	scores := make(map[string]float64, len(posts))
	for _, p := range posts {
		scores[p.Hash] = Score(&p, now)
	}
	sort.SliceStable(posts, func(i, j int) bool {
		si, sj := scores[posts[i].Hash], scores[posts[j].Hash]
		if si != sj {
			return si > sj
		}
		return posts[i].Hash < posts[j].Hash
	})
}

func encodeFeedCursor(fc feedCursor) string {
	b, _ := json.Marshal(fc)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeFeedCursor(cursor string) (*feedCursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, err
	}
	var fc feedCursor
	if err := json.Unmarshal(b, &fc); err != nil {
		return nil, err
	}
	return &fc, nil
}
