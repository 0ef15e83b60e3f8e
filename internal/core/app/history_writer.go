package app

import (
	"assetplan/internal/data/history"
	"assetplan/internal/data/queue"
	"assetplan/internal/shared/observability"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

const (
	historyBatchSize     = 16
	historyFlushInterval = 250 * time.Millisecond
)

// runHistoryWriter drains build records into the store until the queue is
// closed, so a slow or locked database never holds up a rebuild.
func (a *App) runHistoryWriter(store *history.Store, q *queue.Queue[history.Build], projectKey string, keep int) {
	defer close(a.writerDone)

	for {
		batch, err := q.DequeueBatch(context.Background(), historyBatchSize, historyFlushInterval)
		if err != nil && !errors.Is(err, io.EOF) {
			slog.Warn("history queue dequeue failed", "error", err)
		}

		for _, b := range batch {
			if _, saveErr := store.SaveBuild(projectKey, b); saveErr != nil {
				observability.HistoryWritesTotal.WithLabelValues("failure").Inc()
				slog.Warn("failed to record build", "build", b.ID, "error", saveErr)
				continue
			}
			observability.HistoryWritesTotal.WithLabelValues("success").Inc()
		}
		if len(batch) > 0 && keep > 0 {
			if removed, pruneErr := store.Prune(projectKey, keep); pruneErr != nil {
				slog.Warn("failed to prune build history", "error", pruneErr)
			} else if removed > 0 {
				slog.Debug("pruned build history", "removed", removed)
			}
		}
		observability.HistoryQueueDepth.Set(float64(q.Len()))

		if errors.Is(err, io.EOF) {
			return
		}
	}
}
