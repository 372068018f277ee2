// Package app wires the store, adapters, orchestrator, and HTTP surface into
// one runnable service.
package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"railops/internal/config"
	"railops/internal/embed"
	"railops/internal/events"
	"railops/internal/feedback"
	"railops/internal/httpapi"
	"railops/internal/lifecycle"
	"railops/internal/llm"
	"railops/internal/rag"
	"railops/internal/store"
	"railops/internal/vectorsearch"
)

// App holds the assembled service.
type App struct {
	cfg       config.Config
	store     *store.Store
	bus       *events.Bus
	templates *rag.TemplateStore
	server    *http.Server
}

// New builds the full dependency graph from config. Adapter clients share one
// HTTP client whose timeout backs the per-call deadline as a second fence.
func New(cfg config.Config) (*App, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.AdapterTimeout}
	embedder := embed.New(cfg.Embedding, httpClient)
	searcher := vectorsearch.New(cfg.VectorSearch, httpClient)
	generator := llm.New(cfg.LLM, httpClient)

	templates := rag.NewTemplateStore(cfg.TemplatesPath)
	orchestrator := rag.NewOrchestrator(cfg, embedder, searcher, generator, templates)

	bus := events.NewBus()
	publisher := feedback.NewPublisher(searcher, cfg.FeedbackEnabled)
	manager := lifecycle.NewManager(cfg, st, orchestrator, bus, publisher)

	mux := http.NewServeMux()
	httpapi.NewServer(manager, st, bus).Routes(mux)

	return &App{
		cfg:       cfg,
		store:     st,
		bus:       bus,
		templates: templates,
		server: &http.Server{
			Addr:              cfg.HTTPPort,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves HTTP until ctx is cancelled, then drains connections. The
// template watcher runs alongside and dies with the context.
func (a *App) Run(ctx context.Context) error {
	go func() {
		if err := a.templates.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("templates: watcher stopped: %v", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s (mode=%s)", a.cfg.HTTPPort, a.cfg.AnalysisMode)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		a.store.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	<-errCh
	return a.store.Close()
}
