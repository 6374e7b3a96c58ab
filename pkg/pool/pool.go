// Package pool keeps a minimum number of idle runner instances warm for a
// single owning scope, launching the shortfall through the scale-up
// provisioning primitives.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wisbric/runnerd/internal/telemetry"
	"github.com/wisbric/runnerd/pkg/fleet"
	"github.com/wisbric/runnerd/pkg/ghapi"
	"github.com/wisbric/runnerd/pkg/scaleup"
)

// Inventory lists managed instances; *fleet.Client satisfies it.
type Inventory interface {
	ListInstances(ctx context.Context, filter fleet.ListFilter) ([]fleet.Instance, error)
}

// Loop is the periodic pool top-up loop.
type Loop struct {
	prov      *scaleup.Provisioner
	factory   scaleup.UpstreamFactory
	inventory Inventory

	scope       ghapi.Scope
	size        int
	environment string
	bootTime    time.Duration
	logger      *slog.Logger

	now func() time.Time
}

// New creates a pool Loop targeting the given owner ("org" or "owner/repo").
func New(prov *scaleup.Provisioner, factory scaleup.UpstreamFactory, inventory Inventory, owner string, size int, environment string, bootTime time.Duration, logger *slog.Logger) *Loop {
	scope := ghapi.Scope{Owner: owner}
	if o, r, ok := strings.Cut(owner, "/"); ok {
		scope = ghapi.Scope{Owner: o, Repo: r}
	}
	return &Loop{
		prov:        prov,
		factory:     factory,
		inventory:   inventory,
		scope:       scope,
		size:        size,
		environment: environment,
		bootTime:    bootTime,
		logger:      logger,
		now:         time.Now,
	}
}

// Run performs one top-up pass: count the instances currently in the pool
// and launch the shortfall with the pool creator tag.
func (l *Loop) Run(ctx context.Context) error {
	up, err := l.factory.ForScope(ctx, l.scope, 0)
	if err != nil {
		return fmt.Errorf("creating upstream client for pool: %w", err)
	}

	runners, err := up.ListRunners(ctx)
	if err != nil {
		return fmt.Errorf("listing upstream runners for pool: %w", err)
	}

	instances, err := l.inventory.ListInstances(ctx, fleet.ListFilter{
		Environment: l.environment,
		Owner:       l.scope.Key(),
		States:      []string{"running"},
	})
	if err != nil {
		return fmt.Errorf("listing pool instances: %w", err)
	}

	now := l.now()
	pool := 0
	for _, inst := range instances {
		if inPool(inst, runners, now, l.bootTime) {
			pool++
		}
	}

	topUp := l.size - pool
	if topUp <= 0 {
		l.logger.Debug("pool at or above target", "scope", l.scope.Key(), "pool", pool, "target", l.size)
		return nil
	}

	l.logger.Info("topping up pool", "scope", l.scope.Key(), "pool", pool, "target", l.size, "launching", topUp)
	ids, err := l.prov.CreateRunners(ctx, up, l.scope, topUp, fleet.CreatedByPool)
	if err != nil {
		return fmt.Errorf("launching pool instances: %w", err)
	}
	telemetry.PoolTopUpTotal.Add(float64(len(ids)))
	return nil
}

// inPool reports whether the instance counts towards the idle pool: online
// and idle upstream, or not yet registered but still within boot time.
func inPool(inst fleet.Instance, runners []ghapi.Runner, now time.Time, bootTime time.Duration) bool {
	for _, r := range runners {
		if strings.HasSuffix(r.Name, inst.ID) {
			return r.Status == "online" && !r.Busy
		}
	}
	return now.Sub(inst.LaunchedAt) < bootTime
}

// RunLoop runs the top-up once at start and then periodically until ctx is
// cancelled.
func (l *Loop) RunLoop(ctx context.Context, interval time.Duration) {
	l.logger.Info("pool top-up loop started", "scope", l.scope.Key(), "target", l.size, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := l.Run(ctx); err != nil {
		l.logger.Error("initial pool top-up", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("pool top-up loop stopped")
			return
		case <-ticker.C:
			if err := l.Run(ctx); err != nil {
				l.logger.Error("pool top-up", "error", err)
			}
		}
	}
}
