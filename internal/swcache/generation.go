package swcache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrNotInstalled is returned by Activate before a successful Install.
var ErrNotInstalled = errors.New("generation not installed")

// LifecycleState is the install/activate progress of the current generation.
type LifecycleState int

const (
	StateParsed LifecycleState = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
)

func (s LifecycleState) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	default:
		return "parsed"
	}
}

// Generations owns generation naming. Current is the generation this
// deployment installs; Active is the one reads are served from. They only
// become equal once Activate has swept every other generation.
type Generations struct {
	store   generationStore
	current string

	mu          sync.RWMutex
	active      string
	state       LifecycleState
	skipWaiting bool
}

// generationStore is the part of *Store the lifecycle drives.
type generationStore interface {
	CreateGeneration(gen string) error
	Generations() ([]string, error)
	HasGeneration(gen string) bool
	DeleteGeneration(gen string) error
	Active() (string, error)
	SetActive(gen string) error
	Put(gen, key string, ent Response) error
}

func NewGenerations(store *Store, current string) (*Generations, error) {
	return newGenerations(store, current)
}

func newGenerations(store generationStore, current string) (*Generations, error) {
	active, err := store.Active()
	if err != nil {
		return nil, err
	}
	if active != "" && !store.HasGeneration(active) {
		active = ""
	}
	return &Generations{store: store, current: current, active: active}, nil
}

func (g *Generations) Current() string { return g.current }

func (g *Generations) Active() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

func (g *Generations) State() LifecycleState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// SkipWaiting reports whether the installed generation asked to supersede the
// active one without waiting for clients to go away.
func (g *Generations) SkipWaiting() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.skipWaiting
}

type InstallReport struct {
	Generation string
	Cached     []string
	Failed     map[string]string
}

// assetFetcher fetches one manifest path from the origin.
type assetFetcher func(ctx context.Context, path string) (Response, error)

// Install creates the current generation and fills it with the manifest.
// Each asset is fetched and stored independently; a failure is logged and
// recorded without affecting the others.
func (g *Generations) Install(ctx context.Context, manifest []string, jobs int, fetch assetFetcher, exclude PathExcluder) (InstallReport, error) {
	g.mu.Lock()
	g.state = StateInstalling
	g.mu.Unlock()

	rep := InstallReport{Generation: g.current, Failed: map[string]string{}}
	if err := g.store.CreateGeneration(g.current); err != nil {
		g.mu.Lock()
		g.state = StateParsed
		g.mu.Unlock()
		return rep, fmt.Errorf("install %s: %w", g.current, err)
	}

	var mu sync.Mutex
	record := func(path string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			log.Printf("install %s: skip %s: %v", g.current, path, err)
			rep.Failed[path] = err.Error()
			return
		}
		rep.Cached = append(rep.Cached, path)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	if jobs > 0 {
		eg.SetLimit(jobs)
	}
	seen := map[string]struct{}{}
	for _, path := range manifest {
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		path := path
		eg.Go(func() error {
			if exclude.Excluded(path) {
				record(path, fmt.Errorf("path is excluded from caching"))
				return nil
			}
			resp, err := fetch(egCtx, path)
			if err != nil {
				record(path, err)
				return nil
			}
			if !resp.OK() {
				record(path, fmt.Errorf("unexpected status %d", resp.Status))
				return nil
			}
			record(path, g.store.Put(g.current, manifestKey(resp), resp))
			return nil
		})
	}
	_ = eg.Wait()

	g.mu.Lock()
	g.state = StateInstalled
	g.skipWaiting = true
	g.mu.Unlock()

	log.Printf("install %s: cached=%d failed=%d", g.current, len(rep.Cached), len(rep.Failed))
	return rep, nil
}

func manifestKey(resp Response) string { return "GET " + resp.URL }

type ActivateReport struct {
	Generation string
	Deleted    []string
}

// Activate deletes every generation other than the current one and only then
// switches reads over to it. Enumeration and deletion errors are logged and
// do not block activation.
func (g *Generations) Activate(ctx context.Context) (ActivateReport, error) {
	g.mu.Lock()
	switch g.state {
	case StateInstalled:
	case StateActivated:
		g.mu.Unlock()
		return ActivateReport{Generation: g.current}, nil
	default:
		g.mu.Unlock()
		return ActivateReport{}, fmt.Errorf("activate %s: %w", g.current, ErrNotInstalled)
	}
	g.state = StateActivating
	g.mu.Unlock()

	rep := ActivateReport{Generation: g.current}
	names, err := g.store.Generations()
	if err != nil {
		log.Printf("activate %s: %v", g.current, err)
	}
	for _, name := range names {
		if name == g.current {
			continue
		}
		if err := ctx.Err(); err != nil {
			log.Printf("activate %s: stop sweeping: %v", g.current, err)
			break
		}
		if err := g.store.DeleteGeneration(name); err != nil {
			log.Printf("activate %s: delete %s: %v", g.current, name, err)
			continue
		}
		rep.Deleted = append(rep.Deleted, name)
	}

	if err := g.store.SetActive(g.current); err != nil {
		log.Printf("activate %s: %v", g.current, err)
	}

	g.mu.Lock()
	g.active = g.current
	g.state = StateActivated
	g.mu.Unlock()

	log.Printf("activate %s: deleted=%v", g.current, rep.Deleted)
	return rep, nil
}
