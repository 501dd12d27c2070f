// Package hub assembles the hub role: message store, validator, sync
// scheduler and the HTTP surface, with a single Run loop owning their
// lifecycles.
package hub

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"socialmesh/pkg/api"
	"socialmesh/pkg/config"
	"socialmesh/pkg/fedclient"
	"socialmesh/pkg/identity"
	"socialmesh/pkg/logger"
	"socialmesh/pkg/peers"
	"socialmesh/pkg/store"
	"socialmesh/pkg/syncer"
	"socialmesh/pkg/validator"
)

type App struct {
	cfg   *config.Config
	store *store.Store
	sync  *syncer.Syncer
	srv   *http.Server
}

func New(cfg *config.Config) (*App, error) {
	st, err := store.Open(cfg.Server.DBPath)
	if err != nil {
		return nil, err
	}
	val := validator.New(identity.FromConfig(cfg.Identity))
	dir := peers.NewDirectory(cfg.Hub.Peers)
	client := fedclient.New(config.Duration(cfg.Hub.PeerTimeout, 10*time.Second))
	sy := syncer.New(st, val, client, dir, cfg.Hub.SyncCron, cfg.Hub.PageSize)

	nodeID := cfg.Hub.NodeID
	if nodeID == "" {
		nodeID = "hub-" + uuid.NewString()[:8]
	}
	propagate := cfg.Hub.Propagate == nil || *cfg.Hub.Propagate
	h := api.NewHubServer(st, val, sy, dir, nodeID, propagate)

	return &App{
		cfg:   cfg,
		store: st,
		sync:  sy,
		srv: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           h.Router(cfg.Security.RateLimit),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves until ctx is cancelled or the listener fails, then shuts
// down the server, the sync scheduler and the store in order.
func (a *App) Run(ctx context.Context) error {
	stopSync, err := a.sync.Start(ctx)
	if err != nil {
		a.store.Close()
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.srv.ListenAndServe() }()
	logger.Info("hub_listening", "addr", a.srv.Addr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			stopSync()
			a.store.Close()
			return err
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.srv.Shutdown(shCtx)
	stopSync()
	logger.Info("hub_stopped")
	return a.store.Close()
}
