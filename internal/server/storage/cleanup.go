package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"synkros/internal/server/database"
)

// orphanGrace keeps freshly written objects whose record is still being
// created out of the orphan sweep.
const orphanGrace = 15 * time.Minute

// CleanupRepository is the metadata access the cleanup loop needs.
type CleanupRepository interface {
	ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]*database.FileRecord, error)
	ReferencedFilenames(ctx context.Context) (map[string]struct{}, error)
	Delete(ctx context.Context, uuid string) error
}

// CleanupReport summarises one cleanup cycle.
type CleanupReport struct {
	Expired int
	Orphans int
	Skipped int
	Failed  int
}

// CleanupService periodically removes files past the retention window and
// stored objects no record references.
type CleanupService struct {
	repo      CleanupRepository
	store     Store
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	done      chan struct{}
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(repo CleanupRepository, store Store, interval, retention time.Duration) *CleanupService {
	return &CleanupService{
		repo:      repo,
		store:     store,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval, "retention", cs.retention)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				cs.RunOnce(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

// RunOnce performs a retention sweep followed by an orphan sweep.
func (cs *CleanupService) RunOnce(ctx context.Context) CleanupReport {
	var report CleanupReport
	cs.sweepExpired(ctx, &report)
	cs.sweepOrphans(ctx, &report)

	slog.Info("cleanup cycle complete",
		"expired", report.Expired,
		"orphans", report.Orphans,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report
}

func (cs *CleanupService) sweepExpired(ctx context.Context, report *CleanupReport) {
	cutoff := cs.now().Add(-cs.retention)
	expired, err := cs.repo.ListCreatedBefore(ctx, cutoff)
	if err != nil {
		slog.Error("failed to get expired files", "error", err)
		report.Failed++
		return
	}

	for _, f := range expired {
		name, err := ObjectName(f.Path)
		if err != nil {
			slog.Warn("refusing to delete file outside uploads root",
				"uuid", f.UUID,
				"path", f.Path,
			)
			report.Skipped++
			continue
		}

		// Object first; the record stays if that fails so the next cycle retries.
		if err := cs.store.Delete(ctx, name); err != nil {
			slog.Error("failed to delete file", "uuid", f.UUID, "error", err)
			report.Failed++
			continue
		}

		if err := cs.repo.Delete(ctx, f.UUID); err != nil && !errors.Is(err, database.ErrFileNotFound) {
			slog.Error("failed to delete db record", "uuid", f.UUID, "error", err)
			report.Failed++
			continue
		}

		report.Expired++
		slog.Info("cleaned up expired file",
			"uuid", f.UUID,
			"filename", f.Filename,
			"created_at", f.CreatedAt,
		)
	}
}

func (cs *CleanupService) sweepOrphans(ctx context.Context, report *CleanupReport) {
	objects, err := cs.store.List(ctx)
	if err != nil {
		slog.Error("failed to list stored files", "error", err)
		report.Failed++
		return
	}
	if len(objects) == 0 {
		return
	}

	referenced, err := cs.repo.ReferencedFilenames(ctx)
	if err != nil {
		slog.Error("failed to load referenced files", "error", err)
		report.Failed++
		return
	}

	graceCutoff := cs.now().Add(-orphanGrace)
	for _, obj := range objects {
		if _, ok := referenced[obj.Name]; ok {
			continue
		}
		if obj.ModTime.After(graceCutoff) {
			continue
		}
		if err := cs.store.Delete(ctx, obj.Name); err != nil {
			slog.Error("failed to delete orphaned file", "name", obj.Name, "error", err)
			report.Failed++
			continue
		}
		report.Orphans++
		slog.Info("deleted orphaned file", "name", obj.Name, "size", obj.Size)
	}
}
