// Package pds assembles the personal-data-server role: account and
// record store, replication engine and the xrpc HTTP surface.
package pds

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"socialmesh/pkg/api"
	"socialmesh/pkg/config"
	"socialmesh/pkg/fedclient"
	"socialmesh/pkg/logger"
	"socialmesh/pkg/replication"
	"socialmesh/pkg/store"
)

type App struct {
	cfg   *config.Config
	store *store.Store
	repl  *replication.Engine
	srv   *http.Server
}

func New(cfg *config.Config) (*App, error) {
	st, err := store.Open(cfg.Server.DBPath)
	if err != nil {
		return nil, err
	}
	client := fedclient.New(config.Duration(cfg.PDS.PeerTimeout, 10*time.Second))
	repl := replication.New(st, client, cfg.PDS.FederationPeers, cfg.PDS.ReplicationCron, cfg.PDS.PageSize)

	pdsID := cfg.PDS.PDSID
	if pdsID == "" {
		pdsID = "pds-" + uuid.NewString()[:8]
	}
	p := api.NewPDSServer(st, repl, pdsID, cfg.PDS.Endpoint)

	return &App{
		cfg:   cfg,
		store: st,
		repl:  repl,
		srv: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           p.Router(cfg.Security.RateLimit),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	stopRepl, err := a.repl.Start(ctx)
	if err != nil {
		a.store.Close()
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.srv.ListenAndServe() }()
	logger.Info("pds_listening", "addr", a.srv.Addr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			stopRepl()
			a.store.Close()
			return err
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.srv.Shutdown(shCtx)
	stopRepl()
	logger.Info("pds_stopped")
	return a.store.Close()
}
