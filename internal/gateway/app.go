// Package gateway assembles the stateless read/write front: aggregator
// over the configured hubs, account resolver over the personal data
// servers, and the optional redis feed cache.
package gateway

import (
	"context"
	"net/http"
	"time"

	"socialmesh/pkg/aggregate"
	"socialmesh/pkg/api"
	"socialmesh/pkg/config"
	gw "socialmesh/pkg/gateway"
	"socialmesh/pkg/logger"
)

type App struct {
	cfg   *config.Config
	cache *aggregate.FeedCache
	srv   *http.Server
}

func New(cfg *config.Config) (*App, error) {
	timeout := config.Duration(cfg.Gateway.FanoutTimeout, 5*time.Second)
	cache := aggregate.NewFeedCache(cfg.Gateway.Cache.RedisAddr, config.Duration(cfg.Gateway.Cache.TTL, 30*time.Second))
	agg := aggregate.New(cfg.Gateway.HubEndpoints, timeout, cache)
	pdsClient := aggregate.NewPDSClient(timeout)
	resolver := aggregate.NewResolver(cfg.Gateway.PDSEndpoints, pdsClient, 5*time.Minute)
	svc := gw.New(agg, resolver, pdsClient, cfg.Gateway.PDSEndpoints)

	return &App{
		cfg:   cfg,
		cache: cache,
		srv: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           api.NewGatewayServer(svc).Router(cfg.Security.RateLimit),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.srv.ListenAndServe() }()
	logger.Info("gateway_listening", "addr", a.srv.Addr,
		"hubs", len(a.cfg.Gateway.HubEndpoints), "pds", len(a.cfg.Gateway.PDSEndpoints))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.srv.Shutdown(shCtx)
	_ = a.cache.Close()
	logger.Info("gateway_stopped")
	return nil
}
