package app

import (
	"context"
	"log"
	"net/http"

	"fieldtracker/internal/config"
	"fieldtracker/internal/httpapi"
	"fieldtracker/internal/keepalive"
	"fieldtracker/internal/provider"
	"fieldtracker/internal/reporting"
	"fieldtracker/internal/store"
	"fieldtracker/internal/trackstate"
	"fieldtracker/internal/uploader"
	"fieldtracker/internal/watch"
)

// App wires the tracking components together.
type App struct {
	cfg       config.Config
	store     *store.Store
	composite *provider.Composite
	ka        *keepalive.Controller
	state     *trackstate.Aggregator
	reporter  *reporting.Reporter
	watcher   *watch.Watcher
	mux       *http.ServeMux
}

func New(cfg config.Config) (*App, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	strategy, err := provider.ParseStrategy(cfg.Strategy)
	if err != nil {
		log.Printf("config: %v, using auto", err)
	}
	vendor := provider.NewMQTTSource(cfg.MQTTBroker, cfg.MQTTTopic, cfg.MQTTClientID)
	platform := provider.NewPlatformSource(cfg.GPSDAddr, cfg.GeolocateURL, cfg.FixTimeout())
	composite := provider.NewComposite(vendor, platform, strategy)

	ka := keepalive.New(composite, cfg.SampleInterval())
	state := trackstate.New()
	up := uploader.NewHTTP(cfg.CollectorURL, cfg.UploadTimeout())
	reporter := reporting.New(cfg, st, up, ka, state)
	watcher := watch.New(cfg, composite, ka)

	mux := http.NewServeMux()
	router := httpapi.NewRouter(cfg, st, reporter, ka, state, composite)
	router.Register(mux)

	return &App{
		cfg:       cfg,
		store:     st,
		composite: composite,
		ka:        ka,
		state:     state,
		reporter:  reporter,
		watcher:   watcher,
		mux:       mux,
	}, nil
}

// Run starts the drain loop, config watcher, and HTTP server, and blocks
// until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	go a.reporter.Run(ctx)
	if err := a.watcher.Start(ctx); err != nil {
		return err
	}
	srv := &http.Server{Addr: ":" + a.cfg.HTTPPort, Handler: a.mux}
	go func() {
		<-ctx.Done()
		a.reporter.ForceStopReporting()
		if err := a.ka.Close(); err != nil {
			log.Printf("close keepalive: %v", err)
		}
		if err := a.store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
		_ = srv.Shutdown(context.Background())
	}()
	log.Printf("http listening on %s", a.cfg.HTTPPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *App) Reporter() *reporting.Reporter    { return a.reporter }
func (a *App) Store() *store.Store              { return a.store }
func (a *App) Keepalive() *keepalive.Controller { return a.ka }
func (a *App) Mux() *http.ServeMux              { return a.mux }
