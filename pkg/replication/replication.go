// Package replication keeps federated personal data servers loosely in
// step. Writes replicate two ways: a fire-and-forget push to every
// federation peer right after the local write commits, and a scheduled
// pull that backfills whatever pushes missed. Push failures are logged
// and dropped; the local write is never rolled back.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"socialmesh/pkg/fedclient"
	"socialmesh/pkg/logger"
	"socialmesh/pkg/metrics"
	"socialmesh/pkg/models"
	"socialmesh/pkg/peers"
	"socialmesh/pkg/store"
)

const (
	defaultCron     = "*/10 * * * *"
	defaultPageSize = 100
	maxParallel     = 4
)

// Replication item types on the wire.
const (
	ItemUser      = "user"
	ItemRecord    = "record"
	ItemFollow    = "follow"
	ItemUnfollow  = "unfollow"
	ItemMigration = "migration"
)

type UserPayload struct {
	Account models.Account  `json:"account"`
	Profile *models.Profile `json:"profile,omitempty"`
}

type UnfollowPayload struct {
	Repo    string `json:"repo"`
	Subject string `json:"subject"`
}

type MigrationPayload struct {
	AccountID   string `json:"accountId"`
	NewEndpoint string `json:"newEndpoint"`
	MigratedAt  int64  `json:"migratedAt"`
}

type Engine struct {
	store    *store.Store
	client   *fedclient.Client
	dir      *peers.Directory
	cron     string
	pageSize int

	passMu sync.Mutex
}

func New(st *store.Store, client *fedclient.Client, federationPeers []string, cron string, pageSize int) *Engine {
	if cron == "" {
		cron = defaultCron
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Engine{
		store:    st,
		client:   client,
		dir:      peers.NewDirectory(federationPeers),
		cron:     cron,
		pageSize: pageSize,
	}
}

// Start launches the scheduled backfill pull.
func (e *Engine) Start(ctx context.Context) (context.CancelFunc, error) {
	if !gronx.IsValid(e.cron) {
		logger.Error("replication_invalid_cron", "cron", e.cron)
		return nil, fmt.Errorf("invalid replication cron expression: %s", e.cron)
	}
	logger.Info("replication_scheduler_started", "cron", e.cron, "peers", e.dir.Len())
	ctx2, cancel := context.WithCancel(ctx)
	go e.runScheduler(ctx2)
	return cancel, nil
}

func (e *Engine) runScheduler(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("replication_scheduler_stopping")
			return
		default:
		}
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(e.cron, now, false)
		if err != nil {
			logger.Error("replication_nexttick_failed", "cron", e.cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case <-time.After(time.Until(next)):
			if err := e.PullNow(ctx); err != nil {
				logger.Error("replication_pass_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("replication_scheduler_stopping")
			return
		}
	}
}

// PullNow backfills records from every federation peer since the
// persisted per-peer watermark. Peer failures are isolated.
func (e *Engine) PullNow(ctx context.Context) error {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	snap := e.dir.Snapshot()
	if len(snap) == 0 {
		return nil
	}
	now := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, p := range snap {
		if !p.Due(now) {
			continue
		}
		peer := p.Endpoint
		g.Go(func() error {
			if err := e.pullPeer(gctx, peer); err != nil {
				e.dir.ReportFailure(peer, err)
				logger.Warn("replication_peer_failed", "peer", peer, "error", err)
				return nil
			}
			e.dir.ReportSuccess(peer)
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) pullPeer(ctx context.Context, peer string) error {
	mark, err := e.store.GetWatermark(watermarkName(peer))
	if err != nil {
		return err
	}
	var (
		cursor string
		newest = mark
		pulled int
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		page, err := e.client.PullRecords(peer, mark, e.pageSize, cursor)
		if err != nil {
			return err
		}
		for i := range page.Records {
			rec := &page.Records[i]
			if err := e.store.PutRecord(rec); err != nil {
				logger.Warn("replication_record_rejected", "peer", peer, "uri", rec.URI, "error", err)
				continue
			}
			pulled++
			if rec.CreatedAt > newest {
				newest = rec.CreatedAt
			}
		}
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	if pulled > 0 {
		logger.Info("replication_peer_done", "peer", peer, "pulled", pulled, "watermark", newest)
	}
	if newest > mark {
		return e.store.SetWatermark(watermarkName(peer), newest)
	}
	return nil
}

// ReplicateUser pushes a new or updated account (and optional profile)
// to all federation peers.
func (e *Engine) ReplicateUser(a *models.Account, p *models.Profile) {
	e.push(ItemUser, UserPayload{Account: *a, Profile: p})
}

// ReplicateRecord pushes one freshly created record.
func (e *Engine) ReplicateRecord(rec *models.Record) {
	e.push(ItemRecord, rec)
}

// ReplicateFollow pushes a follow record; the edge is derived from the
// record's collection on the receiving side.
func (e *Engine) ReplicateFollow(rec *models.Record) {
	e.push(ItemFollow, rec)
}

// ReplicateUnfollow pushes an edge removal.
func (e *Engine) ReplicateUnfollow(repo, subject string) {
	e.push(ItemUnfollow, UnfollowPayload{Repo: repo, Subject: subject})
}

// NotifyMigration tells peers an account moved to another server.
func (e *Engine) NotifyMigration(accountID, newEndpoint string, at int64) {
	e.push(ItemMigration, MigrationPayload{AccountID: accountID, NewEndpoint: newEndpoint, MigratedAt: at})
}

func (e *Engine) push(itemType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Error("replication_marshal_failed", "type", itemType, "error", err)
		return
	}
	item := fedclient.ReplicationItem{Type: itemType, Payload: raw}
	for _, p := range e.dir.Snapshot() {
		peer := p.Endpoint
		go func() {
			if err := e.client.PushReplication(peer, item); err != nil {
				metrics.ReplicationPushes.WithLabelValues(itemType, "error").Inc()
				logger.Warn("replication_push_failed", "peer", peer, "type", itemType, "error", err)
				return
			}
			metrics.ReplicationPushes.WithLabelValues(itemType, "ok").Inc()
		}()
	}
}

// Apply ingests one replication item pushed by a peer. Items are
// idempotent; replays are harmless.
func Apply(st *store.Store, item fedclient.ReplicationItem) error {
	switch item.Type {
	case ItemUser:
		var p UserPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("user payload: %w", err)
		}
		if err := st.PutAccount(&p.Account); err != nil {
			return err
		}
		if p.Profile != nil {
			return st.SaveProfile(p.Profile)
		}
		return nil
	case ItemRecord, ItemFollow:
		var rec models.Record
		if err := json.Unmarshal(item.Payload, &rec); err != nil {
			return fmt.Errorf("record payload: %w", err)
		}
		return st.PutRecord(&rec)
	case ItemUnfollow:
		var p UnfollowPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("unfollow payload: %w", err)
		}
		return st.DeleteFollow(p.Repo, p.Subject)
	case ItemMigration:
		var p MigrationPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("migration payload: %w", err)
		}
		return st.MarkAccountMigrated(p.AccountID, p.NewEndpoint, p.MigratedAt)
	default:
		return fmt.Errorf("unknown replication item type %q", item.Type)
	}
}

func watermarkName(peer string) string {
	return "pdsrepl:" + peer
}
