package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"socialmesh/pkg/digest"
	"socialmesh/pkg/logger"
	"socialmesh/pkg/models"
)

// Record key layout:
//
//	acct:<accountID>                     account
//	handle:<handle>                      handle -> accountID
//	profile:<accountID>                  profile
//	rec:<uri>                            record envelope
//	recidx:<repo>:<collection>:<rkey>    repo listing index
//	rects:<rkey>                         global creation order (replication pulls)
//	follow:<repo>:<subject>              active edge -> record uri

func acctKey(id string) string    { return "acct:" + id }
func handleKey(h string) string   { return "handle:" + h }
func profileKey(id string) string { return "profile:" + id }
func recKey(uri string) string    { return "rec:" + uri }
func followKey(repo, subject string) string {
	return fmt.Sprintf("follow:%s:%s", repo, subject)
}

var ErrHandleTaken = fmt.Errorf("handle already taken")
var ErrAccountNotFound = fmt.Errorf("account not found")

// CreateAccount stores a new account and its handle mapping. The
// uniqueness check and the claim are two writes, so handleMu keeps
// concurrent registrations of the same handle from both passing it.
func (s *Store) CreateAccount(a *models.Account) error {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	if _, ok, err := s.get(handleKey(a.Handle)); err != nil {
		return err
	} else if ok {
		return ErrHandleTaken
	}
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := s.set(acctKey(a.AccountID), b); err != nil {
		return err
	}
	if err := s.set(handleKey(a.Handle), []byte(a.AccountID)); err != nil {
		return err
	}
	logger.Info("account_created", "account", a.AccountID, "handle", a.Handle)
	return nil
}

// PutAccount writes an account unconditionally (replication receive and
// migration updates).
func (s *Store) PutAccount(a *models.Account) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := s.set(acctKey(a.AccountID), b); err != nil {
		return err
	}
	return s.set(handleKey(a.Handle), []byte(a.AccountID))
}

func (s *Store) GetAccount(id string) (*models.Account, bool, error) {
	v, ok, err := s.get(acctKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var a models.Account
	if err := json.Unmarshal(v, &a); err != nil {
		return nil, false, fmt.Errorf("corrupt account %s: %w", id, err)
	}
	return &a, true, nil
}

func (s *Store) GetAccountByHandle(handle string) (*models.Account, bool, error) {
	v, ok, err := s.get(handleKey(handle))
	if err != nil || !ok {
		return nil, false, err
	}
	return s.GetAccount(string(v))
}

// MarkAccountMigrated sets the forwarding pointer to the new PDS.
func (s *Store) MarkAccountMigrated(id, newEndpoint string, at int64) error {
	a, ok, err := s.GetAccount(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccountNotFound
	}
	a.MigratedTo = newEndpoint
	a.MigratedAt = at
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.set(acctKey(id), b)
}

func (s *Store) SaveProfile(p *models.Profile) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.set(profileKey(p.AccountID), b)
}

func (s *Store) GetProfile(id string) (*models.Profile, bool, error) {
	v, ok, err := s.get(profileKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var p models.Profile
	if err := json.Unmarshal(v, &p); err != nil {
		return nil, false, fmt.Errorf("corrupt profile %s: %w", id, err)
	}
	return &p, true, nil
}

// SearchProfiles scans profiles for a case-insensitive substring match on
// handle or display name.
func (s *Store) SearchProfiles(query string, limit int) ([]models.Profile, error) {
	if limit <= 0 {
		limit = 50
	}
	it, err := s.prefixIter("profile:")
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []models.Profile
	for ok := it.First(); ok && len(out) < limit; ok = it.Next() {
		var p models.Profile
		if err := json.Unmarshal(it.Value(), &p); err != nil {
			continue
		}
		if containsFold(p.Handle, query) || containsFold(p.DisplayName, query) {
			out = append(out, p)
		}
	}
	return out, nil
}

// CreateRecord computes the record's uri/cid from its coordinates and
// value bytes and stores it with both indexes. createdAt is seconds.
func (s *Store) CreateRecord(repo, collection string, value json.RawMessage, createdAt int64) (*models.Record, error) {
	rkey := s.nextKey()
	rec := &models.Record{
		URI:        digest.RecordURI(repo, collection, rkey),
		CID:        digest.RecordCID(value),
		Repo:       repo,
		Collection: collection,
		Value:      value,
		CreatedAt:  createdAt,
	}
	return rec, s.putRecord(rec, rkey)
}

// PutRecord stores a record that already carries its uri/cid (inbound
// replication). The uri's rkey keeps its original creation order.
func (s *Store) PutRecord(rec *models.Record) error {
	rkey := rkeyOf(rec.URI)
	if rkey == "" {
		return fmt.Errorf("malformed record uri %q", rec.URI)
	}
	return s.putRecord(rec, rkey)
}

func (s *Store) putRecord(rec *models.Record, rkey string) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.set(recKey(rec.URI), b); err != nil {
		logger.Error("save_record_failed", "uri", rec.URI, "error", err)
		return err
	}
	if err := s.set(fmt.Sprintf("recidx:%s:%s:%s", rec.Repo, rec.Collection, rkey), []byte(rec.URI)); err != nil {
		return err
	}
	if err := s.set("rects:"+rkey, []byte(rec.URI)); err != nil {
		return err
	}
	if rec.Collection == models.CollectionFollow {
		var f models.Follow
		if err := json.Unmarshal(rec.Value, &f); err == nil && f.Subject != "" {
			if err := s.set(followKey(rec.Repo, f.Subject), []byte(rec.URI)); err != nil {
				return err
			}
		}
	}
	logger.Debug("record_saved", "uri", rec.URI, "cid", rec.CID)
	return nil
}

func (s *Store) GetRecord(uri string) (*models.Record, bool, error) {
	v, ok, err := s.get(recKey(uri))
	if err != nil || !ok {
		return nil, false, err
	}
	var rec models.Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, false, fmt.Errorf("corrupt record %s: %w", uri, err)
	}
	return &rec, true, nil
}

// ListRecords pages records of one repo+collection, newest first. The
// cursor encodes the last index key, stable under concurrent inserts.
func (s *Store) ListRecords(repo, collection string, limit int, cursor string) ([]models.Record, string, error) {
	if limit <= 0 {
		limit = 50
	}
	prefix := fmt.Sprintf("recidx:%s:%s:", repo, collection)
	it, err := s.prefixIter(prefix)
	if err != nil {
		return nil, "", err
	}
	defer it.Close()

	bound, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	var positioned bool
	if bound != "" {
		positioned = it.SeekLT([]byte(bound))
	} else {
		positioned = it.Last()
	}

	var out []models.Record
	var next string
	for ok := positioned; ok && len(out) < limit; ok = it.Prev() {
		rec, found, err := s.GetRecord(string(it.Value()))
		if err != nil {
			return nil, "", err
		}
		if !found {
			continue
		}
		out = append(out, *rec)
		next = string(it.Key())
	}
	if len(out) < limit {
		next = ""
	}
	return out, encodeCursor(next), nil
}

// ListRecordsSince pages records created strictly after since (seconds),
// oldest first. This is the shape replication pulls consume.
func (s *Store) ListRecordsSince(since int64, limit int, cursor string) ([]models.Record, string, error) {
	if limit <= 0 {
		limit = 100
	}
	it, err := s.prefixIter("rects:")
	if err != nil {
		return nil, "", err
	}
	defer it.Close()

	bound, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	start := "rects:"
	if bound != "" {
		start = bound + "\x00"
	}

	var out []models.Record
	var next string
	for ok := it.SeekGE([]byte(start)); ok && len(out) < limit; ok = it.Next() {
		rec, found, err := s.GetRecord(string(it.Value()))
		if err != nil {
			return nil, "", err
		}
		if !found || rec.CreatedAt <= since {
			continue
		}
		out = append(out, *rec)
		next = string(it.Key())
	}
	if len(out) < limit {
		next = ""
	}
	return out, encodeCursor(next), nil
}

// GetFollow returns the active follow record for (repo, subject).
func (s *Store) GetFollow(repo, subject string) (*models.Record, bool, error) {
	v, ok, err := s.get(followKey(repo, subject))
	if err != nil || !ok {
		return nil, false, err
	}
	return s.GetRecord(string(v))
}

// DeleteFollow removes the edge; the underlying record remains for
// replication history.
func (s *Store) DeleteFollow(repo, subject string) error {
	if s.db == nil {
		return fmt.Errorf("store not opened")
	}
	return s.db.Delete([]byte(followKey(repo, subject)), nil)
}

// ListFollows returns the subject account ids repo currently follows.
func (s *Store) ListFollows(repo string) ([]string, error) {
	prefix := "follow:" + repo + ":"
	it, err := s.prefixIter(prefix)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []string
	for ok := it.First(); ok; ok = it.Next() {
		out = append(out, string(it.Key())[len(prefix):])
	}
	return out, nil
}

// LatestRecordTimestamp feeds the replication watermark.
func (s *Store) LatestRecordTimestamp() (int64, error) {
	it, err := s.prefixIter("rects:")
	if err != nil {
		return 0, err
	}
	defer it.Close()
	if !it.Last() {
		return 0, nil
	}
	rec, ok, err := s.GetRecord(string(it.Value()))
	if err != nil || !ok {
		return 0, err
	}
	return rec.CreatedAt, nil
}

// ExportAccount bundles everything owned by one account.
func (s *Store) ExportAccount(id string) (*models.Export, error) {
	a, ok, err := s.GetAccount(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAccountNotFound
	}
	p, _, err := s.GetProfile(id)
	if err != nil {
		return nil, err
	}
	recs, _, err := s.ListRecords(id, models.CollectionPost, 1000, "")
	if err != nil {
		return nil, err
	}
	follows, _, err := s.ListRecords(id, models.CollectionFollow, 1000, "")
	if err != nil {
		return nil, err
	}
	return &models.Export{Account: a, Profile: p, Records: recs, Follows: follows}, nil
}

func rkeyOf(uri string) string {
	for i := len(uri) - 1; i >= 0; i-- {
		if uri[i] == '/' {
			return uri[i+1:]
		}
	}
	return ""
}

func containsFold(s, q string) bool {
	if q == "" {
		return false
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(q))
}
