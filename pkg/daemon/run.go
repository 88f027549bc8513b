package daemon

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reveries/reveries/pkg/hydrate"
	"github.com/reveries/reveries/pkg/llm"
	"github.com/reveries/reveries/pkg/retrieval"
	"github.com/reveries/reveries/pkg/store"
)

// Run starts the IPC surface, the monologue loop, and the consolidation
// timer (spec §4.11's three cooperative tasks, §5) and blocks until ctx is
// cancelled or the IPC listener fails fatally.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	eg, egCtx := errgroup.WithContext(ctx)
	d.eg = eg

	eg.Go(func() error {
		d.mono.Run(egCtx, d.reactivate)
		return nil
	})

	eg.Go(func() error {
		d.runConsolidationTimer(egCtx)
		return nil
	})

	eg.Go(func() error {
		return d.serveIPC(egCtx)
	})

	<-egCtx.Done()
	return eg.Wait()
}

// runConsolidationTimer fires TriggerConsolidation on the configured
// interval until ctx is cancelled (spec §4.11: "Schedule consolidation on
// the configured interval").
func (d *Daemon) runConsolidationTimer(ctx context.Context) {
	interval := time.Duration(d.cfg.Consolidation.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := d.TriggerConsolidation(ctx); err != nil {
				d.log.Warn("daemon: scheduled consolidation failed", "error", err)
			}
		}
	}
}

// TriggerConsolidation runs one consolidation pass, deduplicating
// concurrent callers (the scheduler and an explicit IPC `consolidate`
// request racing) via singleflight so only one pass runs at a time,
// per SPEC_FULL.md's domain-stack wiring of golang.org/x/sync.
func (d *Daemon) TriggerConsolidation(ctx context.Context) (consolidateResult, error) {
	v, err, _ := d.sfGroup.Do("consolidate", func() (any, error) {
		res, err := d.consolidator.Run(ctx)
		if err != nil {
			return consolidateResult{}, err
		}
		d.mu.Lock()
		now := store.NowNano()
		d.lastConsolidation = &now
		d.mu.Unlock()
		return consolidateResult{Inserted: res.Inserted, Merged: res.Merged, Processed: res.Processed, Aborted: res.Aborted}, nil
	})
	if err != nil {
		return consolidateResult{}, fmt.Errorf("daemon: consolidate: %w", err)
	}
	return v.(consolidateResult), nil
}

type consolidateResult struct {
	Inserted  int
	Merged    int
	Processed int
	Aborted   bool
}

// Status implements spec §6's `status` response, plus SPEC_FULL.md §D's
// supplemented operational detail.
func (d *Daemon) Status(ctx context.Context) (StatusData, error) {
	_, unprocessedCount, err := d.kvStore.RawExperienceCounts(ctx)
	if err != nil {
		return StatusData{}, fmt.Errorf("daemon: status: raw experience counts: %w", err)
	}

	d.mu.Lock()
	lastConsolidation := d.lastConsolidation
	d.mu.Unlock()

	_, err = d.self.Get(ctx)
	selfModelPresent := err == nil

	var lastCBEvent *int64
	if ev, err := d.kvStore.LastCircuitBreakerEvent(ctx); err == nil {
		ts := ev.Timestamp
		lastCBEvent = &ts
	}

	return StatusData{
		UptimeMS:       time.Since(d.monotonicStart).Milliseconds(),
		MonologueState: string(d.mono.State()),
		MemoryStats: MemoryStats{
			RawBufferCount: unprocessedCount,
			EpisodeCount:   d.graph.NodeCount(),
			LinkCount:      d.graph.LinkCount(),
		},
		LastConsolidation:       lastConsolidation,
		SelfModelPresent:        selfModelPresent,
		LastCircuitBreakerEvent: lastCBEvent,
		ChatBackends:            llm.Registered(),
	}, nil
}

// MemorySearch implements the `memory_search` IPC request: embed the query
// and run the same retrieval pipeline conversation turns use (spec §4.4),
// returning summaries for display rather than streaming a model reply.
func (d *Daemon) MemorySearch(ctx context.Context, query string) ([]string, error) {
	vec, err := d.embedFn(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("daemon: memory search: embed: %w", err)
	}
	cfg := retrievalConfig(d.cfg.Retrieval)
	results := retrieval.Retrieve(d.graph, vec, cfg)
	out := make([]string, 0, len(results))
	for _, r := range results {
		data, _ := r.Node.Data.(hydrate.NodeData)
		out = append(out, data.Summary)
	}
	return out, nil
}

// HandleChat delegates to the conversation handler, tracking partner
// activity for the monologue loop's reach-out gate (spec §4.8 step 5).
func (d *Daemon) HandleChat(ctx context.Context, message, conversationID string, emit func(string)) error {
	d.mono.NotePartnerActivity(time.Now())
	d.mono.Pause()
	defer d.reactivateMonologue()
	return d.conv.Handle(ctx, message, conversationID, emit)
}

func (d *Daemon) reactivateMonologue() {
	select {
	case d.reactivate <- struct{}{}:
	default:
	}
}

// Sleep implements spec §4.11's Sleep sequence: stop the consolidation
// timer and monologue loop, run one final consolidation pass (swallowing
// errors), persist the graph, and close the store.
func (d *Daemon) Sleep(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.eg != nil {
		_ = d.eg.Wait()
	}

	if _, err := d.consolidator.Run(ctx); err != nil {
		d.log.Warn("daemon: final consolidation pass failed", "error", err)
	}

	if err := hydrate.Persist(ctx, d.graph, d.kvStore); err != nil {
		d.log.Warn("daemon: final persist failed", "error", err)
	}

	if d.mono != nil {
		// the monologue loop already persists its own checkpoint at the end
		// of every cycle; Sleep's job is only the graph+store flush above.
		_ = d.mono.State()
	}

	if err := d.kvStore.Close(); err != nil {
		return fmt.Errorf("daemon: sleep: close store: %w", err)
	}
	return nil
}
