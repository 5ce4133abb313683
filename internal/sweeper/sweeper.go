// Package sweeper reconciles the blob store with the media registry. It
// removes generated blobs that no media row references, typically left by
// a create attempt whose cleanup failed, reclaims temp files of uploads
// interrupted by a crash and reports rows whose blob is missing.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/portfoliohub/portfolio/internal/repository"
	"github.com/portfoliohub/portfolio/internal/storage"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_sweeper_runs_total",
			Help: "Sweeper runs by result.",
		},
		[]string{"result"},
	)

	orphansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_sweeper_orphans_total",
			Help: "Orphaned blobs found by the sweeper, by action taken.",
		},
		[]string{"action"},
	)

	tempFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_sweeper_temp_files_total",
			Help: "Stale upload temp files found by the sweeper, by action taken.",
		},
		[]string{"action"},
	)

	danglingRows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_sweeper_dangling_rows",
		Help: "Media rows whose blob was missing at the last sweep.",
	})
)

// MediaIndex is the part of the media registry the sweeper reads.
type MediaIndex interface {
	ExistingPaths(ctx context.Context, paths []string) (map[string]bool, error)
	ListRefs(ctx context.Context, afterID int64, limit int) ([]repository.StoredRef, error)
}

// TempReclaimer is implemented by blob stores that stage uploads in temp
// files. The sweeper removes the ones older than the grace period.
type TempReclaimer interface {
	StaleTemp(ctx context.Context, cutoff time.Time) ([]string, error)
	RemoveTemp(ctx context.Context, name string) error
}

// Config controls a sweep.
type Config struct {
	// Scope is the blob key prefix to reconcile.
	Scope string
	// Grace protects blobs of attempts that are still in flight.
	Grace time.Duration
	// DryRun reports orphans without deleting them.
	DryRun bool
	// BatchSize bounds registry lookups.
	BatchSize int
}

// DefaultConfig returns the settings used by the server.
func DefaultConfig() Config {
	return Config{
		Scope:     storage.WorksScope,
		Grace:     time.Hour,
		BatchSize: 500,
	}
}

// Report summarizes one sweep.
type Report struct {
	DryRun bool `json:"dry_run"`
	// Scanned counts generated-name blobs in the scope.
	Scanned int `json:"scanned"`
	// Orphans are unreferenced blobs older than the grace period.
	Orphans []string `json:"orphans"`
	Deleted int      `json:"deleted"`
	Failed  int      `json:"failed"`
	// StaleTemp counts upload temp files older than the grace period.
	StaleTemp   int `json:"stale_temp"`
	TempRemoved int `json:"temp_removed"`
	// Dangling are media rows whose blob does not exist.
	Dangling []repository.StoredRef `json:"dangling"`
}

// Sweeper runs reconciliation passes.
type Sweeper struct {
	blobs  storage.Storage
	media  MediaIndex
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a sweeper.
func New(blobs storage.Storage, media MediaIndex, cfg Config, logger *slog.Logger) *Sweeper {
	def := DefaultConfig()
	if cfg.Scope == "" {
		cfg.Scope = def.Scope
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Sweeper{blobs: blobs, media: media, cfg: cfg, logger: logger, now: time.Now}
}

// Run performs one sweep. Individual delete failures are counted in the
// report; only listing or registry errors fail the run.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	report, err := s.run(ctx)
	if err != nil {
		runsTotal.WithLabelValues("error").Inc()
		return report, err
	}
	runsTotal.WithLabelValues("ok").Inc()
	danglingRows.Set(float64(len(report.Dangling)))

	s.logger.InfoContext(ctx, "sweep finished",
		slog.Bool("dry_run", report.DryRun),
		slog.Int("scanned", report.Scanned),
		slog.Int("orphans", len(report.Orphans)),
		slog.Int("deleted", report.Deleted),
		slog.Int("failed", report.Failed),
		slog.Int("stale_temp", report.StaleTemp),
		slog.Int("temp_removed", report.TempRemoved),
		slog.Int("dangling_rows", len(report.Dangling)),
	)
	return report, nil
}

func (s *Sweeper) run(ctx context.Context) (*Report, error) {
	report := &Report{DryRun: s.cfg.DryRun, Orphans: []string{}, Dangling: []repository.StoredRef{}}

	objects, err := s.blobs.List(ctx, s.cfg.Scope)
	if err != nil {
		return report, fmt.Errorf("list blobs: %w", err)
	}

	cutoff := s.now().Add(-s.cfg.Grace)
	var aged []string
	for _, o := range objects {
		if !storage.IsGeneratedName(path.Base(o.Key)) {
			continue
		}
		report.Scanned++
		if o.ModTime.After(cutoff) {
			continue
		}
		aged = append(aged, o.Key)
	}

	for start := 0; start < len(aged); start += s.cfg.BatchSize {
		batch := aged[start:min(start+s.cfg.BatchSize, len(aged))]
		known, err := s.media.ExistingPaths(ctx, batch)
		if err != nil {
			return report, fmt.Errorf("look up media rows: %w", err)
		}
		for _, key := range batch {
			if known[key] {
				continue
			}
			report.Orphans = append(report.Orphans, key)
			s.removeOrphan(ctx, key, report)
		}
	}

	s.reclaimTemp(ctx, cutoff, report)

	if err := s.findDangling(ctx, report); err != nil {
		return report, err
	}
	return report, nil
}

// reclaimTemp removes stale upload temp files when the store has any.
// Failures are logged and never fail the run.
func (s *Sweeper) reclaimTemp(ctx context.Context, cutoff time.Time, report *Report) {
	tr, ok := s.blobs.(TempReclaimer)
	if !ok {
		return
	}
	names, err := tr.StaleTemp(ctx, cutoff)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to list temp files", slog.String("error", err.Error()))
		return
	}
	report.StaleTemp = len(names)
	for _, name := range names {
		if s.cfg.DryRun {
			tempFilesTotal.WithLabelValues("reported").Inc()
			continue
		}
		if err := tr.RemoveTemp(ctx, name); err != nil {
			tempFilesTotal.WithLabelValues("failed").Inc()
			s.logger.WarnContext(ctx, "failed to delete temp file",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		report.TempRemoved++
		tempFilesTotal.WithLabelValues("deleted").Inc()
	}
}

func (s *Sweeper) removeOrphan(ctx context.Context, key string, report *Report) {
	if s.cfg.DryRun {
		orphansTotal.WithLabelValues("reported").Inc()
		s.logger.InfoContext(ctx, "orphaned blob", slog.String("stored_path", key))
		return
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		report.Failed++
		orphansTotal.WithLabelValues("failed").Inc()
		s.logger.WarnContext(ctx, "failed to delete orphaned blob",
			slog.String("stored_path", key),
			slog.String("error", err.Error()),
		)
		return
	}
	report.Deleted++
	orphansTotal.WithLabelValues("deleted").Inc()
}

// findDangling pages through every media row and checks its blob. Rows are
// reported, never modified.
func (s *Sweeper) findDangling(ctx context.Context, report *Report) error {
	var after int64
	for {
		refs, err := s.media.ListRefs(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list media rows: %w", err)
		}
		for _, ref := range refs {
			ok, err := s.blobs.Exists(ctx, ref.StoredPath)
			if err != nil && !errors.Is(err, storage.ErrInvalidKey) {
				return fmt.Errorf("check blob %s: %w", ref.StoredPath, err)
			}
			if !ok {
				report.Dangling = append(report.Dangling, ref)
				s.logger.WarnContext(ctx, "media row has no blob",
					slog.Int64("media_id", ref.ID),
					slog.String("stored_path", ref.StoredPath),
				)
			}
		}
		if len(refs) < s.cfg.BatchSize {
			return nil
		}
		after = refs[len(refs)-1].ID
	}
}

// Start sweeps every interval until ctx is canceled. A zero interval
// disables periodic sweeping.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep error", slog.String("error", err.Error()))
			}
		}
	}
}
