// Package syncer reconciles a hub's message store with its peers. Each
// pass takes a peer snapshot and pulls, in bounded parallel sessions,
// every message stored at a peer since the last watermark for that
// peer. Pulled messages go through full validation again before they
// are stored; a hub never trusts a peer's word for validity.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"socialmesh/pkg/fedclient"
	"socialmesh/pkg/logger"
	"socialmesh/pkg/metrics"
	"socialmesh/pkg/models"
	"socialmesh/pkg/peers"
	"socialmesh/pkg/store"
	"socialmesh/pkg/validator"
)

const (
	defaultCron     = "*/5 * * * *"
	defaultPageSize = 100
	maxParallel     = 4
)

type Syncer struct {
	store    *store.Store
	val      *validator.Validator
	client   *fedclient.Client
	dir      *peers.Directory
	pageSize int
	cron     string

	// one pass at a time; on-connect triggers and the scheduler share it
	passMu   sync.Mutex
	lastPass atomic.Int64
}

// LastSync returns the unix time of the last completed pass, zero when
// none has run yet.
func (s *Syncer) LastSync() int64 { return s.lastPass.Load() }

func New(st *store.Store, val *validator.Validator, client *fedclient.Client, dir *peers.Directory, cron string, pageSize int) *Syncer {
	if cron == "" {
		cron = defaultCron
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Syncer{store: st, val: val, client: client, dir: dir, pageSize: pageSize, cron: cron}
}

// Start launches the cron scheduler. Returns a cancel func that stops
// the scheduler; an in-flight pass finishes on its own.
func (s *Syncer) Start(ctx context.Context) (context.CancelFunc, error) {
	if !gronx.IsValid(s.cron) {
		logger.Error("sync_invalid_cron", "cron", s.cron)
		return nil, fmt.Errorf("invalid sync cron expression: %s", s.cron)
	}
	logger.Info("sync_scheduler_started", "cron", s.cron, "peers", s.dir.Len())
	ctx2, cancel := context.WithCancel(ctx)
	go s.runScheduler(ctx2)
	return cancel, nil
}

func (s *Syncer) runScheduler(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("sync_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(s.cron, now, false)
		if err != nil {
			logger.Error("sync_nexttick_failed", "cron", s.cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if err := s.SyncNow(ctx); err != nil {
				logger.Error("sync_pass_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("sync_scheduler_stopping")
			return
		}
	}
}

// SyncNow runs a single full pass against the current peer snapshot.
// Peer failures are isolated: one dead peer never blocks the rest, and
// the error returned reflects only pass-level problems, not individual
// peers. Also used as the on-connect trigger when a peer is added.
func (s *Syncer) SyncNow(ctx context.Context) error {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	snap := s.dir.Snapshot()
	if len(snap) == 0 {
		return nil
	}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, p := range snap {
		if !p.Due(start) {
			continue
		}
		peer := p.Endpoint
		g.Go(func() error {
			if err := s.syncPeer(gctx, peer); err != nil {
				metrics.SyncPeerFailures.Inc()
				s.dir.ReportFailure(peer, err)
				logger.Warn("sync_peer_failed", "peer", peer, "error", err)
				return nil // isolation: never fail the group
			}
			s.dir.ReportSuccess(peer)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	metrics.SyncRounds.Inc()
	s.lastPass.Store(time.Now().Unix())
	logger.Info("sync_pass_done", "peers", len(snap), "elapsed", time.Since(start).String())
	return nil
}

// syncPeer drains one peer's backlog since the persisted watermark for
// that peer. The watermark advances only after the peer is fully
// drained, so a mid-session failure replays from the old mark (stores
// are idempotent, replay is safe).
func (s *Syncer) syncPeer(ctx context.Context, peer string) error {
	mark, err := s.store.GetWatermark(watermarkName(peer))
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
		page, err := s.client.PullMessages(peer, mark, s.pageSize, cursor)
		if err != nil {
			return err
		}
		for _, m := range page.Messages {
			if err := s.absorb(ctx, m); err != nil {
				logger.Warn("sync_message_rejected", "peer", peer, "hash", m.Hash, "error", err)
				continue
			}
			pulled++
			if m.Timestamp > newest {
				newest = m.Timestamp
			}
		}
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	if pulled > 0 {
		metrics.SyncMessagesPulled.Add(float64(pulled))
		logger.Info("sync_peer_done", "peer", peer, "pulled", pulled, "watermark", newest)
	}
	if newest > mark {
		return s.store.SetWatermark(watermarkName(peer), newest)
	}
	return nil
}

// absorb validates and stores one pulled message. Tombstones carry the
// original content, so they validate like live messages; the store
// keeps the deletion flag.
func (s *Syncer) absorb(ctx context.Context, m models.Message) error {
	if err := s.val.Validate(ctx, &m); err != nil {
		return err
	}
	return s.store.SaveMessage(&m)
}

// Propagate pushes a locally accepted message to all current peers,
// best-effort. Receiving hubs validate it like any inbound message.
// Runs in the caller's goroutine only long enough to snapshot peers.
func (s *Syncer) Propagate(m *models.Message) {
	snap := s.dir.Snapshot()
	if len(snap) == 0 {
		return
	}
	msg := *m
	for _, p := range snap {
		peer := p.Endpoint
		go func() {
			if _, err := s.client.PushMessages(peer, []models.Message{msg}); err != nil {
				logger.Warn("propagate_failed", "peer", peer, "hash", msg.Hash, "error", err)
			}
		}()
	}
}

// AddPeer registers a peer and, for a new peer, kicks an immediate sync
// pass so the hubs converge without waiting for the next cron tick.
func (s *Syncer) AddPeer(ctx context.Context, endpoint string) {
	if s.dir.Add(endpoint) {
		go func() {
			if err := s.SyncNow(ctx); err != nil {
				logger.Error("sync_on_connect_error", "peer", endpoint, "error", err)
			}
		}()
	}
}

func watermarkName(peer string) string {
	return "hubsync:" + peer
}
