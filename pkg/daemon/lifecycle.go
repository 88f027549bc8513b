package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/reveries/reveries/pkg/circuitbreaker"
	"github.com/reveries/reveries/pkg/config"
	"github.com/reveries/reveries/pkg/consolidate"
	"github.com/reveries/reveries/pkg/conversation"
	"github.com/reveries/reveries/pkg/episodegraph"
	"github.com/reveries/reveries/pkg/graph"
	"github.com/reveries/reveries/pkg/hydrate"
	"github.com/reveries/reveries/pkg/kv"
	"github.com/reveries/reveries/pkg/llm"
	"github.com/reveries/reveries/pkg/monologue"
	"github.com/reveries/reveries/pkg/retrieval"
	"github.com/reveries/reveries/pkg/selfmodel"
	"github.com/reveries/reveries/pkg/store"
)

// Daemon wires C1-C11 together and runs the three cooperative tasks spec §5
// names: the IPC/conversation task, the monologue task, and the
// consolidation timer task. It is the concrete implementation of C12.
type Daemon struct {
	cfg config.Config
	log *slog.Logger

	kvStore *store.Store
	closer  func() error
	graph   *episodegraph.Graph
	self    *selfmodel.Manager
	breaker *circuitbreaker.Breaker
	conv    *conversation.Handler
	mono    *monologue.Manager
	consolidator *consolidate.Engine

	embedFn func(ctx context.Context, text string) ([]float32, error)

	reactivate chan struct{}
	sfGroup    singleflight.Group

	started  time.Time
	monotonicStart time.Time

	mu                sync.Mutex
	lastConsolidation *int64

	cancel context.CancelFunc
	eg     *errgroup.Group
}

// Wake implements the startup part of spec §4.11's Wake sequence for a
// config the caller has already loaded: it creates the home directory,
// opens the store, hydrates the graph, makes sure a self-model exists,
// builds the backends and every component, loads the monologue checkpoint
// and writes the PID file. Scheduling consolidation and starting the IPC
// surface and the monologue loop happen in Run. Errors here are fatal, per
// spec §7.
func Wake(ctx context.Context, cfg config.Config, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.EnsureHome(); err != nil {
		return nil, fmt.Errorf("daemon: wake: create home dir: %w", err)
	}

	badgerStore, err := kv.NewBadger(kv.BadgerOptions{Dir: cfg.StorePath()})
	if err != nil {
		return nil, fmt.Errorf("daemon: wake: open store: %w", err)
	}
	s := store.New(badgerStore)

	total, unprocessed, err := s.RawExperienceCounts(ctx)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("daemon: wake: count raw experiences: %w", err)
	}
	log.Info("daemon: raw experience counts", "total", total, "unprocessed", unprocessed)

	g, err := hydrate.Hydrate(ctx, s, log)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("daemon: wake: hydrate graph: %w", err)
	}
	log.Info("daemon: graph hydrated", "nodes", g.NodeCount(), "links", g.LinkCount())

	relGraph := graph.NewKVGraph(badgerStore, kv.Key{"rv", "relgraph"})
	sm := selfmodel.New(s, relGraph)
	if err := sm.EnsureBlank(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("daemon: wake: ensure self-model: %w", err)
	}

	embedder, err := buildEmbedder(cfg.Embed)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("daemon: wake: build embedder: %w", err)
	}
	embedFn := func(ctx context.Context, text string) ([]float32, error) { return embedder.Embed(ctx, text) }

	chatBackend, err := buildChat(ctx, cfg.Chat)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("daemon: wake: build chat backend: %w", err)
	}
	abstractBackend, err := buildChat(ctx, config.ChatConfig{
		Backend: cfg.Abstraction.Backend,
		Model:   cfg.Abstraction.Model,
		APIKey:  cfg.Abstraction.APIKey,
		BaseURL: cfg.Abstraction.BaseURL,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("daemon: wake: build abstraction backend: %w", err)
	}
	abstractCall := func(ctx context.Context, prompt string) (string, error) {
		out, errc := abstractBackend.Stream(ctx, "", []llm.Message{{Role: "user", Content: prompt}})
		var reply string
		for chunk := range out {
			reply += chunk
		}
		if err := <-errc; err != nil {
			return "", err
		}
		return reply, nil
	}

	breaker := circuitbreaker.New(s, circuitbreaker.Config{
		DistressThreshold:      cfg.CircuitBreaker.DistressThreshold,
		MaxConsecutiveDistress: cfg.CircuitBreaker.MaxConsecutiveDistress,
	})

	consolidator := consolidate.New(s, g, sm, embedFn, abstractCall, consolidate.DecayConfig{
		HalfLifeDays:        cfg.Decay.HalfLifeDays,
		MinimumSalience:     cfg.Decay.MinimumSalience,
		MinimumLinkStrength: cfg.Decay.MinimumLinkStrength,
	}, log.With("component", "consolidate"))

	monoCfg := monologue.Config{
		MaxTokensPerCycle: cfg.Monologue.MaxTokensPerCycle,
		IdleInterval:      time.Duration(cfg.Monologue.IdleIntervalSeconds) * time.Second,
		Retrieval:         retrievalConfig(cfg.Retrieval),
	}
	mono := monologue.New(s, g, sm, embedFn, chatBackend, breaker, monoCfg, log.With("component", "monologue"))
	if err := mono.EnterFromCheckpoint(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("daemon: wake: load monologue checkpoint: %w", err)
	}

	conv := conversation.New(s, g, sm, embedFn, chatBackend, mono, conversation.Config{
		Retrieval:  retrievalConfig(cfg.Retrieval),
		HistoryCap: 20,
	}, log.With("component", "conversation"))

	d := &Daemon{
		cfg:            cfg,
		log:            log,
		kvStore:        s,
		closer:         badgerStore.Close,
		graph:          g,
		self:           sm,
		breaker:        breaker,
		conv:           conv,
		mono:           mono,
		consolidator:   consolidator,
		embedFn:        embedFn,
		reactivate:     make(chan struct{}, 1),
		started:        time.Now(),
		monotonicStart: time.Now(),
	}

	if err := d.writePIDFile(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("daemon: wake: write pid file: %w", err)
	}

	return d, nil
}

// retrievalConfig adapts config.RetrievalConfig to retrieval.Config.
func retrievalConfig(c config.RetrievalConfig) retrieval.Config {
	return retrieval.Config{
		Limit:               c.Limit,
		MaxHops:             c.MaxHops,
		DecayPerHop:         c.DecayPerHop,
		ActivationThreshold: c.ActivationThreshold,
	}
}

func (d *Daemon) writePIDFile() error {
	return os.WriteFile(d.cfg.PIDPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}
