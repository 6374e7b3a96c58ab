package scaledown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wisbric/runnerd/internal/telemetry"
	"github.com/wisbric/runnerd/pkg/fleet"
	"github.com/wisbric/runnerd/pkg/ghapi"
)

// CloudFleet is the cloud-adapter surface the reaper consumes;
// *fleet.Client satisfies it.
type CloudFleet interface {
	ListInstances(ctx context.Context, filter fleet.ListFilter) ([]fleet.Instance, error)
	Terminate(ctx context.Context, id string) error
	Tag(ctx context.Context, id string, tags map[string]string) error
	Untag(ctx context.Context, id string, keys ...string) error
}

// Upstream is the per-scope GitHub surface the reaper consumes;
// *ghapi.Client satisfies it.
type Upstream interface {
	ListRunners(ctx context.Context) ([]ghapi.Runner, error)
	GetRunner(ctx context.Context, id int64) (*ghapi.Runner, error)
	DeleteRunner(ctx context.Context, id int64) error
}

// UpstreamFactory creates one Upstream per owning scope.
type UpstreamFactory interface {
	ForScope(ctx context.Context, scope ghapi.Scope, installationID int64) (Upstream, error)
}

// GitHubFactory adapts *ghapi.ClientFactory to UpstreamFactory.
type GitHubFactory struct {
	Factory *ghapi.ClientFactory
}

func (f GitHubFactory) ForScope(ctx context.Context, scope ghapi.Scope, installationID int64) (Upstream, error) {
	return f.Factory.ForScope(ctx, scope, installationID)
}

// Config carries the reaper's tunables.
type Config struct {
	Environment        string
	MinimumRunningTime time.Duration
	BootTime           time.Duration
}

// Reaper is the periodic scale-down state machine. Each invocation runs two
// phases in order: phase 1 confirms and terminates previously marked
// orphans; phase 2 evaluates active instances for idleness, minimum
// lifetime and boot-time expiry.
type Reaper struct {
	fleet    CloudFleet
	factory  UpstreamFactory
	schedule *Schedule
	cfg      Config
	logger   *slog.Logger

	now func() time.Time
}

// NewReaper creates a Reaper.
func NewReaper(cf CloudFleet, factory UpstreamFactory, schedule *Schedule, cfg Config, logger *slog.Logger) *Reaper {
	return &Reaper{
		fleet:    cf,
		factory:  factory,
		schedule: schedule,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// invocation holds the per-tick caches. Upstream clients and runner lists
// are cached for the lifetime of one invocation only; installations and
// tokens rotate, so nothing survives across ticks.
type invocation struct {
	clients map[string]Upstream
	runners map[string][]ghapi.Runner

	// rescued tracks instances whose orphan tag was cleared by the
	// last-chance check this tick; phase 2 skips them so a single tick
	// cannot untag and immediately re-tag the same instance.
	rescued map[string]bool
}

// Run executes one scale-down invocation. It always returns normally except
// for inventory listing failures; per-instance errors are logged and the
// pass continues.
func (r *Reaper) Run(ctx context.Context) error {
	inv := &invocation{
		clients: map[string]Upstream{},
		runners: map[string][]ghapi.Runner{},
		rescued: map[string]bool{},
	}
	if err := r.terminateOrphans(ctx, inv); err != nil {
		return err
	}
	return r.evaluateActive(ctx, inv)
}

// RunLoop runs the reaper periodically until ctx is cancelled.
func (r *Reaper) RunLoop(ctx context.Context, interval time.Duration) {
	r.logger.Info("scale-down loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("scale-down loop stopped")
			return
		case <-ticker.C:
			if err := r.Run(ctx); err != nil {
				r.logger.Error("scale-down pass", "error", err)
			}
		}
	}
}

// terminateOrphans is phase 1: confirm and terminate previously marked
// orphans, rescuing false positives via a last-chance upstream probe.
func (r *Reaper) terminateOrphans(ctx context.Context, inv *invocation) error {
	orphans, err := r.fleet.ListInstances(ctx, fleet.ListFilter{
		Environment: r.cfg.Environment,
		OrphanOnly:  true,
	})
	if err != nil {
		return fmt.Errorf("listing orphan instances: %w", err)
	}

	for _, inst := range orphans {
		if inst.RunnerID == "" {
			// Never registered upstream; nothing to verify against.
			r.terminate(ctx, inst.ID, "orphan")
			continue
		}

		runnerID, err := strconv.ParseInt(inst.RunnerID, 10, 64)
		if err != nil {
			r.logger.Warn("invalid runner id tag, terminating orphan",
				"instance", inst.ID, "runner_id", inst.RunnerID)
			r.terminate(ctx, inst.ID, "orphan")
			continue
		}

		up, err := r.clientFor(ctx, inv, inst)
		if err != nil {
			r.logger.Error("creating upstream client for orphan check",
				"instance", inst.ID, "error", err)
			continue
		}

		runner, err := up.GetRunner(ctx, runnerID)
		switch {
		case errors.Is(err, ghapi.ErrRunnerNotFound):
			r.terminate(ctx, inst.ID, "orphan")
		case err != nil:
			r.logger.Error("last-chance orphan check failed, keeping instance",
				"instance", inst.ID, "runner_id", runnerID, "error", err)
		case runner.Status == "offline" && runner.Busy:
			// Registered but lost to upstream: offline yet still marked busy.
			r.terminate(ctx, inst.ID, "orphan")
		default:
			r.logger.Info("orphan tag was a false positive, clearing",
				"instance", inst.ID, "runner_id", runnerID, "status", runner.Status)
			if err := r.fleet.Untag(ctx, inst.ID, fleet.TagOrphan); err != nil {
				r.logger.Error("clearing orphan tag", "instance", inst.ID, "error", err)
				continue
			}
			inv.rescued[inst.ID] = true
		}
	}
	return nil
}

// evaluateActive is phase 2: walk non-orphan instances per owner in eviction
// order, preserving the idle quota, and terminate or orphan-tag the rest.
func (r *Reaper) evaluateActive(ctx context.Context, inv *invocation) error {
	instances, err := r.fleet.ListInstances(ctx, fleet.ListFilter{
		Environment: r.cfg.Environment,
	})
	if err != nil {
		return fmt.Errorf("listing active instances: %w", err)
	}

	entry, matched := r.schedule.Active(r.now())
	if matched {
		r.logger.Debug("scale-down schedule entry active",
			"idle_count", entry.IdleCount, "strategy", string(entry.EvictionStrategy))
	}
	idleQuota := entry.IdleCount

	byOwner := map[string][]fleet.Instance{}
	var owners []string
	for _, inst := range instances {
		if inst.Orphan || inv.rescued[inst.ID] {
			continue
		}
		if _, ok := byOwner[inst.Owner]; !ok {
			owners = append(owners, inst.Owner)
		}
		byOwner[inst.Owner] = append(byOwner[inst.Owner], inst)
	}
	sort.Strings(owners)

	now := r.now()
	for _, owner := range owners {
		group := byOwner[owner]
		sort.Slice(group, func(i, j int) bool {
			if entry.EvictionStrategy == NewestFirst {
				return group[i].LaunchedAt.After(group[j].LaunchedAt)
			}
			return group[i].LaunchedAt.Before(group[j].LaunchedAt)
		})

		for _, inst := range group {
			r.evaluateInstance(ctx, inv, inst, now, &idleQuota)
		}
	}
	return nil
}

func (r *Reaper) evaluateInstance(ctx context.Context, inv *invocation, inst fleet.Instance, now time.Time, idleQuota *int) {
	up, err := r.clientFor(ctx, inv, inst)
	if err != nil {
		r.logger.Error("creating upstream client", "instance", inst.ID, "error", err)
		return
	}
	runners, err := r.runnersFor(ctx, inv, up, inst)
	if err != nil {
		r.logger.Error("listing upstream runners", "instance", inst.ID, "error", err)
		return
	}

	// Runner names are suffixed with the instance id at registration time.
	var matchedIDs []int64
	for _, runner := range runners {
		if strings.HasSuffix(runner.Name, inst.ID) {
			matchedIDs = append(matchedIDs, runner.ID)
		}
	}

	if len(matchedIDs) == 0 {
		if now.Sub(inst.LaunchedAt) >= r.cfg.BootTime {
			r.logger.Info("instance never registered within boot time, marking orphan",
				"instance", inst.ID, "launched_at", inst.LaunchedAt)
			if err := r.fleet.Tag(ctx, inst.ID, map[string]string{fleet.TagOrphan: "true"}); err != nil {
				r.logger.Error("tagging orphan", "instance", inst.ID, "error", err)
				return
			}
			telemetry.InstancesOrphanedTotal.Inc()
		}
		return
	}

	if now.Sub(inst.LaunchedAt) < r.cfg.MinimumRunningTime {
		return
	}
	if *idleQuota > 0 {
		*idleQuota--
		return
	}

	// Re-check busyness directly rather than trusting the cached list, to
	// shrink the window between listing and termination.
	runner, err := up.GetRunner(ctx, matchedIDs[0])
	if err != nil {
		r.logger.Warn("direct busy check failed, keeping instance",
			"instance", inst.ID, "runner_id", matchedIDs[0], "error", err)
		return
	}
	if runner.Busy {
		return
	}

	// Every matched runner must de-register cleanly before the instance may
	// be terminated; a failed delete leaves the instance for a later
	// orphan-tagged pass.
	for _, id := range matchedIDs {
		if err := up.DeleteRunner(ctx, id); err != nil {
			r.logger.Error("de-registering runner, keeping instance",
				"instance", inst.ID, "runner_id", id, "error", err)
			return
		}
	}
	r.terminate(ctx, inst.ID, "idle")
}

func (r *Reaper) terminate(ctx context.Context, id, reason string) {
	if err := r.fleet.Terminate(ctx, id); err != nil {
		r.logger.Error("terminating instance", "instance", id, "error", err)
		return
	}
	r.logger.Info("instance terminated", "instance", id, "reason", reason)
	telemetry.InstancesTerminatedTotal.WithLabelValues(reason).Inc()
}

func (r *Reaper) clientFor(ctx context.Context, inv *invocation, inst fleet.Instance) (Upstream, error) {
	scope := scopeFor(inst)
	if up, ok := inv.clients[scope.Key()]; ok {
		return up, nil
	}
	up, err := r.factory.ForScope(ctx, scope, 0)
	if err != nil {
		return nil, err
	}
	inv.clients[scope.Key()] = up
	return up, nil
}

func (r *Reaper) runnersFor(ctx context.Context, inv *invocation, up Upstream, inst fleet.Instance) ([]ghapi.Runner, error) {
	scope := scopeFor(inst)
	if runners, ok := inv.runners[scope.Key()]; ok {
		return runners, nil
	}
	runners, err := up.ListRunners(ctx)
	if err != nil {
		return nil, err
	}
	inv.runners[scope.Key()] = runners
	return runners, nil
}

// scopeFor rebuilds the owning scope from instance tags. Repo-scoped
// instances carry "owner/repo" in the Owner tag.
func scopeFor(inst fleet.Instance) ghapi.Scope {
	if inst.Type == fleet.TypeRepo {
		if owner, repo, ok := strings.Cut(inst.Owner, "/"); ok {
			return ghapi.Scope{Owner: owner, Repo: repo}
		}
	}
	return ghapi.Scope{Owner: inst.Owner}
}
