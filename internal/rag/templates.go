package rag

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"railops/internal/store"
)

// Template is the canned remediation used when retrieval finds nothing.
type Template struct {
	Action string `yaml:"action"`
	Detail string `yaml:"detail"`
}

func defaultTemplates() map[store.Urgency]Template {
	return map[store.Urgency]Template{
		store.UrgencyLow: {
			Action: "REROUTE_FAST_TRACK",
			Detail: "Diverted following traffic to High-Speed Line B.",
		},
		store.UrgencyMedium: {
			Action: "SINGLE_LINE_WORKING",
			Detail: "Established bidirectional flow on remaining open track.",
		},
		store.UrgencyHigh: {
			Action: "REVERSE_MANEUVER",
			Detail: "Initiated retrograde movement to nearest switch.",
		},
		store.UrgencyCritical: {
			Action: "BUS_BRIDGE",
			Detail: "Track impassable. Deployed emergency bus fleet.",
		},
	}
}

// TemplateStore holds the per-urgency remediation templates and hot-reloads
// them when the backing YAML file changes. The built-in defaults always cover
// every urgency; the file overrides per level.
type TemplateStore struct {
	mu        sync.RWMutex
	path      string
	templates map[store.Urgency]Template
}

func NewTemplateStore(path string) *TemplateStore {
	ts := &TemplateStore{path: path, templates: defaultTemplates()}
	if err := ts.Reload(); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("templates: load %s: %v (using defaults)", path, err)
		}
	}
	return ts
}

// For returns the template for the urgency level.
func (ts *TemplateStore) For(u store.Urgency) Template {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.templates[u]
}

type templateFile struct {
	Templates map[string]Template `yaml:"templates"`
}

// Reload reads the YAML file and overlays it on the defaults. Unknown or
// incomplete levels keep their defaults.
func (ts *TemplateStore) Reload() error {
	data, err := os.ReadFile(ts.path)
	if err != nil {
		return err
	}
	var parsed templateFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}
	next := defaultTemplates()
	for level, tmpl := range parsed.Templates {
		u := store.Urgency(level)
		if !store.ValidUrgency(u) {
			log.Printf("templates: skipping unknown urgency %q", level)
			continue
		}
		if tmpl.Action == "" || tmpl.Detail == "" {
			log.Printf("templates: skipping incomplete entry for %s", u)
			continue
		}
		next[u] = tmpl
	}
	ts.mu.Lock()
	ts.templates = next
	ts.mu.Unlock()
	return nil
}

// Watch reloads templates whenever the backing file is rewritten. It blocks
// until ctx is done and is intended to run in its own goroutine.
func (ts *TemplateStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file, which drops a watch
	// registered on the file itself.
	dir := filepath.Dir(ts.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(ts.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := ts.Reload(); err != nil {
				log.Printf("templates: reload %s: %v", ts.path, err)
				continue
			}
			log.Printf("templates: reloaded %s", ts.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("templates: watch error: %v", err)
		}
	}
}
