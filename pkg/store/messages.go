package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"socialmesh/pkg/logger"
	"socialmesh/pkg/models"
)

// Message key layout:
//
//	msg:<hash>                        primary record
//	msgts:<%020d ts>:<hash>           time index (sync pulls)
//	msgacct:<account>:<%020d ts>:<hash>  author index (feeds)
//
// Index keys are fully derived from the message, so re-storing the same
// message rewrites identical keys and the store state is unchanged.

func msgKey(hash string) string { return "msg:" + hash }

func msgTSKey(ts int64, hash string) string {
	return fmt.Sprintf("msgts:%020d:%s", ts, hash)
}

func msgAcctKey(account string, ts int64, hash string) string {
	return fmt.Sprintf("msgacct:%s:%020d:%s", account, ts, hash)
}

// SaveMessage stores a validated message and its indexes. Saving an
// already-stored hash is a no-op unless the incoming copy is a tombstone
// upgrade (deleted=true over a live message).
func (s *Store) SaveMessage(m *models.Message) error {
	existing, ok, err := s.GetMessage(m.Hash)
	if err != nil {
		return err
	}
	if ok {
		if existing.Deleted || !m.Deleted {
			return nil
		}
		// fall through: persist the tombstone over the live copy
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := s.set(msgKey(m.Hash), b); err != nil {
		logger.Error("save_message_failed", "hash", m.Hash, "error", err)
		return err
	}
	if err := s.set(msgTSKey(m.Timestamp, m.Hash), []byte(m.Hash)); err != nil {
		return err
	}
	if err := s.set(msgAcctKey(m.AccountID, m.Timestamp, m.Hash), []byte(m.Hash)); err != nil {
		return err
	}
	if ok && m.Deleted && s.onTombstone != nil {
		s.onTombstone(m.Hash)
	}
	logger.Debug("message_saved", "hash", m.Hash, "account", m.AccountID)
	return nil
}

// GetMessage returns the message stored under hash, tombstones included.
func (s *Store) GetMessage(hash string) (*models.Message, bool, error) {
	v, ok, err := s.get(msgKey(hash))
	if err != nil || !ok {
		return nil, false, err
	}
	var m models.Message
	if err := json.Unmarshal(v, &m); err != nil {
		return nil, false, fmt.Errorf("corrupt message %s: %w", hash, err)
	}
	return &m, true, nil
}

// DeleteMessage tombstones a message; the record is never physically
// removed so peers can replay the deletion during sync.
func (s *Store) DeleteMessage(hash string) error {
	m, ok, err := s.GetMessage(hash)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("message %s not found", hash)
	}
	if m.Deleted {
		return nil
	}
	m.Deleted = true
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := s.set(msgKey(hash), b); err != nil {
		return err
	}
	if s.onTombstone != nil {
		s.onTombstone(hash)
	}
	return nil
}

// ListMessagesByAccount returns live messages authored by account, newest
// first, resuming after cursor. The cursor encodes the last index key
// returned so later inserts cannot shift or repeat earlier pages.
func (s *Store) ListMessagesByAccount(account string, limit int, cursor string) ([]models.Message, string, error) {
	if limit <= 0 {
		limit = 50
	}
	prefix := "msgacct:" + account + ":"
	it, err := s.prefixIter(prefix)
	if err != nil {
		return nil, "", err
	}
	defer it.Close()

	bound, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	var out []models.Message
	var next string
	var positioned bool
	if bound != "" {
		positioned = it.SeekLT([]byte(bound))
	} else {
		positioned = it.Last()
	}
	for ok := positioned; ok && len(out) < limit; ok = it.Prev() {
		hash := string(it.Value())
		m, found, err := s.GetMessage(hash)
		if err != nil {
			return nil, "", err
		}
		if !found || m.Deleted {
			continue
		}
		out = append(out, *m)
		next = string(it.Key())
	}
	if len(out) < limit {
		next = ""
	}
	return out, encodeCursor(next), nil
}

// ListMessagesByAccounts merges the per-account listings of several
// authors into one newest-first page. The limit counts feed items;
// reaction messages in the consumed window ride along without counting
// toward it, so the continuation cursor always lands exactly after the
// last message handed out and nothing falls between pages. The cursor
// is a composite of per-account positions, so each author's position
// survives paging even when pages interleave authors unevenly.
func (s *Store) ListMessagesByAccounts(accounts []string, limit int, cursor string) ([]models.Message, string, error) {
	if limit <= 0 {
		limit = 50
	}
	perAcct, err := decodeBatchCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	type source struct {
		account string
		msgs    []models.Message
		taken   int
		drained bool
	}
	load := func(src *source, after string) error {
		msgs, _, err := s.ListMessagesByAccount(src.account, limit, after)
		if err != nil {
			return err
		}
		src.msgs = msgs
		src.taken = 0
		src.drained = len(msgs) < limit
		return nil
	}
	var sources []*source
	for _, acct := range accounts {
		c, seen := perAcct[acct]
		if cursor != "" && !seen {
			continue // account finished on an earlier page
		}
		src := &source{account: acct}
		if err := load(src, c); err != nil {
			return nil, "", err
		}
		sources = append(sources, src)
	}

	// pos tracks, per account, the cursor after the last message this
	// page consumed; it seeds refills and becomes the next cursor.
	pos := make(map[string]string, len(sources))
	var out []models.Message
	items := 0
	// scanMax bounds one request when reactions dominate the window; a
	// short page with a live cursor resumes where this one stopped.
	scanMax := limit * 10
	for items < limit && len(out) < scanMax {
		best := -1
		for i, src := range sources {
			if src.taken >= len(src.msgs) {
				if src.drained {
					continue
				}
				if err := load(src, pos[src.account]); err != nil {
					return nil, "", err
				}
				if len(src.msgs) == 0 {
					continue
				}
			}
			if best == -1 || src.msgs[src.taken].Timestamp > sources[best].msgs[sources[best].taken].Timestamp {
				best = i
			}
		}
		if best == -1 {
			break
		}
		src := sources[best]
		m := src.msgs[src.taken]
		src.taken++
		pos[src.account] = encodeCursor(msgAcctKey(src.account, m.Timestamp, m.Hash))
		out = append(out, m)
		if m.Type != models.MessageLike && m.Type != models.MessageRepost {
			items++
		}
	}

	next := make(map[string]string)
	for _, src := range sources {
		if src.drained && src.taken == len(src.msgs) {
			continue // fully consumed, drop from the cursor
		}
		if c, ok := pos[src.account]; ok {
			next[src.account] = c
		} else if c, ok := perAcct[src.account]; ok {
			next[src.account] = c
		} else {
			next[src.account] = ""
		}
	}
	return out, encodeBatchCursor(next), nil
}

// ListMessagesSince returns messages (tombstones included) with
// timestamp strictly greater than since, oldest first. This is the
// shape sync pulls consume; cursor resumes a paged pull.
func (s *Store) ListMessagesSince(since int64, limit int, cursor string) ([]models.Message, string, error) {
	if limit <= 0 {
		limit = 100
	}
	it, err := s.prefixIter("msgts:")
	if err != nil {
		return nil, "", err
	}
	defer it.Close()

	bound, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	start := fmt.Sprintf("msgts:%020d:", since+1)
	if bound != "" {
		start = bound + "\x00"
	}

	var out []models.Message
	var next string
	for ok := it.SeekGE([]byte(start)); ok && len(out) < limit; ok = it.Next() {
		hash := string(it.Value())
		m, found, err := s.GetMessage(hash)
		if err != nil {
			return nil, "", err
		}
		if !found {
			continue
		}
		out = append(out, *m)
		next = string(it.Key())
	}
	if len(out) < limit {
		next = ""
	}
	return out, encodeCursor(next), nil
}

// SearchMessages scans live messages for a case-insensitive substring
// match on text, newest timestamps are not guaranteed; callers sort.
func (s *Store) SearchMessages(query string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := strings.ToLower(query)
	it, err := s.prefixIter("msg:")
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []models.Message
	for ok := it.First(); ok && len(out) < limit; ok = it.Next() {
		var m models.Message
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			continue
		}
		if m.Deleted {
			continue
		}
		if strings.Contains(strings.ToLower(m.Text), q) {
			out = append(out, m)
		}
	}
	return out, nil
}

// MessageCount counts live messages.
func (s *Store) MessageCount() (int, error) {
	it, err := s.prefixIter("msg:")
	if err != nil {
		return 0, err
	}
	defer it.Close()
	n := 0
	for ok := it.First(); ok; ok = it.Next() {
		var m models.Message
		if err := json.Unmarshal(it.Value(), &m); err == nil && !m.Deleted {
			n++
		}
	}
	return n, nil
}

func encodeBatchCursor(perAcct map[string]string) string {
	if len(perAcct) == 0 {
		return ""
	}
	b, err := json.Marshal(perAcct)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeBatchCursor(cursor string) (map[string]string, error) {
	if cursor == "" {
		return map[string]string{}, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor: %w", err)
	}
	out := make(map[string]string)
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("malformed cursor: %w", err)
	}
	return out, nil
}

func encodeCursor(key string) string {
	if key == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", fmt.Errorf("malformed cursor: %w", err)
	}
	return string(b), nil
}
