package app

import (
	"assetplan/internal/data/history"
	"assetplan/internal/data/queue"
	"assetplan/internal/engine/emitter"
	"assetplan/internal/engine/graph"
	"assetplan/internal/engine/planner"
	"assetplan/internal/shared/observability"
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Build crawls, plans and emits the configured entries. Artifacts are only
// written once planning succeeded; on failure the stats file reports the
// error and earlier artifacts stay in place.
func (a *App) Build(ctx context.Context) (*BuildResult, error) {
	a.buildMu.Lock()
	defer a.buildMu.Unlock()

	ctx, span := observability.Tracer.Start(ctx, "build")
	defer span.End()
	start := time.Now()

	if err := a.emitter.MarkCompiling(); err != nil {
		slog.Warn("failed to mark stats file as compiling", "error", err)
	}

	res, err := a.runBuild(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.BuildsTotal.WithLabelValues("failure").Inc()
		if markErr := a.emitter.MarkFailed(err); markErr != nil {
			slog.Warn("failed to record build error in stats file", "error", markErr)
		}
		a.stateMu.Lock()
		a.lastErr = err
		a.stateMu.Unlock()
		a.publish(BuildEvent{Err: err})
		return nil, err
	}

	res.Duration = time.Since(start)
	res.Finished = time.Now().UTC()
	record := a.record(res)
	res.ID = record.ID
	res.Changes = history.Diff(a.prevRecord, &record)
	a.prevRecord = &record
	if a.writes != nil {
		if a.writes.Enqueue(record) != queue.EnqueueAccepted {
			observability.HistoryWritesTotal.WithLabelValues("dropped").Inc()
			slog.Warn("history queue full; build not recorded", "build", record.ID)
		}
		observability.HistoryQueueDepth.Set(float64(a.writes.Len()))
	}

	observability.BuildsTotal.WithLabelValues("success").Inc()
	observability.BuildDuration.WithLabelValues("total").Observe(res.Duration.Seconds())
	span.SetAttributes(
		attribute.Int("modules", res.Graph.Len()),
		attribute.Int("bundles", len(res.Plan.Bundles)),
	)

	a.stateMu.Lock()
	a.last = res
	a.lastErr = nil
	a.stateMu.Unlock()
	a.publish(BuildEvent{Result: res})
	return res, nil
}

func (a *App) runBuild(ctx context.Context) (*BuildResult, error) {
	requests := make([]graph.EntryRequest, 0, len(a.Config.Entries))
	for _, e := range a.Config.Entries {
		requests = append(requests, graph.EntryRequest{Name: e.Name, Request: e.Path})
	}

	built, err := phase(ctx, "graph", func(ctx context.Context) (*graph.Result, error) {
		return a.builder.Build(ctx, requests)
	})
	if err != nil {
		return nil, err
	}
	cycles := built.Graph.DetectCycles()
	for _, c := range cycles {
		slog.Debug("import cycle", "modules", c)
	}

	entries := make([]planner.Entry, 0, len(a.Config.Entries))
	for _, e := range a.Config.Entries {
		entries = append(entries, planner.Entry{Name: e.Name, Root: built.Roots[e.Name]})
	}
	plan, err := phase(ctx, "plan", func(ctx context.Context) (*planner.Plan, error) {
		return a.planner.Plan(ctx, built.Graph, entries)
	})
	if err != nil {
		return nil, err
	}

	manifest, err := phase(ctx, "emit", func(ctx context.Context) (*emitter.Manifest, error) {
		return a.emitter.Emit(ctx, built.Graph, plan, built.Roots)
	})
	if err != nil {
		return nil, err
	}

	return &BuildResult{
		Graph:    built.Graph,
		Roots:    built.Roots,
		Plan:     plan,
		Manifest: manifest,
		Cycles:   cycles,
	}, nil
}

// phase runs fn inside a child span and records its duration.
func phase[T any](ctx context.Context, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := observability.Tracer.Start(ctx, name)
	defer span.End()

	start := time.Now()
	out, err := fn(ctx)
	observability.BuildDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (a *App) record(res *BuildResult) history.Build {
	b := history.Build{
		ID:          history.NewBuildID(),
		ProjectKey:  a.Config.ProjectKey,
		Timestamp:   res.Finished,
		Duration:    res.Duration,
		ModuleCount: res.Graph.Len(),
		Bundles:     make([]history.BundleRecord, 0, len(res.Plan.Bundles)),
	}
	if a.history != nil {
		b.CommitHash, b.CommitTimestamp = history.ResolveGitMetadata(a.root)
	}
	for i, bundle := range res.Plan.Bundles {
		r := history.BundleRecord{
			Name:        bundle.Name,
			Kind:        string(bundle.Kind),
			Hash:        bundle.Hash,
			ModuleCount: len(bundle.Modules),
		}
		// Changes follow the emitted file, which also moves when loader,
		// alias or public path settings change.
		if i < len(res.Manifest.Artifacts) {
			r.Hash = res.Manifest.Artifacts[i].Hash
			r.File = res.Manifest.Artifacts[i].File
			r.Size = res.Manifest.Artifacts[i].Size
		}
		b.Bundles = append(b.Bundles, r)
	}
	return b
}
