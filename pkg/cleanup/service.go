// Package cleanup enforces retention: envelope expiry sweeps, nonce purges,
// stale checkpoint removal, and tmp pruning across agent workspaces.
package cleanup

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/autopoiesis-io/autopoiesis/pkg/agent"
	"github.com/autopoiesis-io/autopoiesis/pkg/config"
	"github.com/autopoiesis-io/autopoiesis/pkg/workspace"
)

// dateLayout names the per-day tmp directories tools spill into.
const dateLayout = "2006-01-02"

// Service runs the retention loops. Envelope sweeps run on a short interval
// so TTL breaches flip to expired promptly; purges, checkpoint cleanup, and
// tmp pruning run on the coarser cleanup interval. Every operation is
// idempotent.
type Service struct {
	cfg      *config.Config
	registry *agent.Registry
	home     string
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the retention service over the loaded runtimes and the
// agent workspaces under home.
func NewService(cfg *config.Config, registry *agent.Registry, home string) *Service {
	return &Service{
		cfg:      cfg,
		registry: registry,
		home:     home,
		logger:   slog.Default().With("component", "cleanup"),
	}
}

// Start launches the background retention loop. Calling Start twice is a
// no-op.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"sweep_interval", s.cfg.Retention.EnvelopeSweepInterval,
		"cleanup_interval", s.cfg.Retention.CleanupInterval,
		"nonce_retention", s.cfg.Approval.NonceRetention)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweepEnvelopes(ctx)
	s.runCleanup(ctx)

	sweep := time.NewTicker(s.cfg.Retention.EnvelopeSweepInterval)
	defer sweep.Stop()
	clean := time.NewTicker(s.cfg.Retention.CleanupInterval)
	defer clean.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.sweepEnvelopes(ctx)
		case <-clean.C:
			s.runCleanup(ctx)
		}
	}
}

// sweepEnvelopes flips pending envelopes past their validity window to
// expired, per loaded runtime.
func (s *Service) sweepEnvelopes(ctx context.Context) {
	for _, rt := range s.registry.Runtimes() {
		if _, err := rt.Approvals.SweepExpired(ctx); err != nil {
			s.logger.Error("Retention: envelope sweep failed",
				"agent_id", rt.AgentID, "error", err)
		}
	}
}

// runCleanup purges answered envelopes past the nonce retention window,
// deletes stale checkpoints, and prunes every agent's tmp area.
func (s *Service) runCleanup(ctx context.Context) {
	for _, rt := range s.registry.Runtimes() {
		purged, err := rt.Approvals.PurgeOld(ctx, s.cfg.Approval.NonceRetention)
		if err != nil {
			s.logger.Error("Retention: envelope purge failed",
				"agent_id", rt.AgentID, "error", err)
		} else if purged > 0 {
			s.logger.Info("Retention: purged old envelopes",
				"agent_id", rt.AgentID, "count", purged)
		}

		stale, err := rt.Checkpoints.CleanupStale(ctx, s.cfg.Retention.CheckpointMaxAge)
		if err != nil {
			s.logger.Error("Retention: checkpoint cleanup failed",
				"agent_id", rt.AgentID, "error", err)
		} else if stale > 0 {
			s.logger.Info("Retention: deleted stale checkpoints",
				"agent_id", rt.AgentID, "count", stale)
		}
	}

	s.pruneTmp()
}

// pruneTmp walks every agent workspace under home, not just loaded runtimes,
// so the tmp areas of idle agents shrink too.
func (s *Service) pruneTmp() {
	entries, err := os.ReadDir(workspace.AgentsRoot(s.home))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("Retention: failed to list agent workspaces", "error", err)
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		paths, err := workspace.ResolveIn(s.home, entry.Name())
		if err != nil {
			continue
		}
		s.pruneAgentTmp(paths.Tmp)
	}
}

type dateDir struct {
	name string
	day  time.Time
	size int64
}

// pruneAgentTmp deletes date directories older than the retention window,
// then oldest-first until the size budget holds. Entries that are not date
// directories are left alone.
func (s *Service) pruneAgentTmp(tmpDir string) {
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("Retention: failed to read tmp area", "dir", tmpDir, "error", err)
		}
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.Retention.TmpRetentionDays)
	var kept []dateDir
	var expired int

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		day, err := time.Parse(dateLayout, entry.Name())
		if err != nil {
			continue
		}
		path := filepath.Join(tmpDir, entry.Name())
		if day.Before(cutoff) {
			if err := os.RemoveAll(path); err != nil {
				s.logger.Error("Retention: failed to delete tmp directory", "dir", path, "error", err)
				continue
			}
			expired++
			continue
		}
		kept = append(kept, dateDir{name: entry.Name(), day: day, size: dirSize(path)})
	}
	if expired > 0 {
		s.logger.Info("Retention: deleted tmp directories past the window",
			"dir", tmpDir, "count", expired)
	}

	budget := int64(s.cfg.Retention.TmpMaxSizeMB) * 1024 * 1024
	if budget <= 0 {
		return
	}
	var total int64
	for _, d := range kept {
		total += d.size
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].day.Before(kept[j].day) })
	for _, d := range kept {
		if total <= budget {
			break
		}
		path := filepath.Join(tmpDir, d.name)
		if err := os.RemoveAll(path); err != nil {
			s.logger.Error("Retention: failed to delete tmp directory", "dir", path, "error", err)
			continue
		}
		total -= d.size
		s.logger.Info("Retention: deleted tmp directory over size budget",
			"dir", path, "freed_bytes", d.size)
	}
}

// dirSize sums the file sizes under dir. Unreadable entries count as zero.
func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
