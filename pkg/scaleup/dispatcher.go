package scaleup

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/runnerd/internal/telemetry"
	"github.com/wisbric/runnerd/pkg/fleet"
	"github.com/wisbric/runnerd/pkg/ghapi"
)

// Dispatcher consumes a batch of scale-up request messages, decides how many
// instances to create per owning scope, creates them in one bulk call per
// scope, and provisions per-instance registration secrets.
type Dispatcher struct {
	prov    *Provisioner
	factory UpstreamFactory
	opts    Options
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(prov *Provisioner, factory UpstreamFactory, opts Options, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{prov: prov, factory: factory, opts: opts, logger: logger}
}

// BatchResult reports the outcome of one batch invocation. Rejected messages
// are returned to the queue for re-delivery; everything else counts as
// processed.
type BatchResult struct {
	Rejected []Message
	Created  []string
}

// HandleBatch processes one batch of messages.
//
// The returned error is nil or a *ScaleError: retriable ScaleErrors carry
// the failed instance count so the intake layer can reject that many
// messages; a fatal ScaleError tells the intake layer to swallow the batch.
// Transient upstream failures never escape — the affected scope's messages
// are moved onto the reject list instead.
func (d *Dispatcher) HandleBatch(ctx context.Context, msgs []Message) (*BatchResult, error) {
	timer := prometheus.NewTimer(telemetry.ScaleUpBatchDuration)
	defer timer.ObserveDuration()

	batch := make([]Message, len(msgs))
	copy(batch, msgs)
	SortByRetryCount(batch)

	res := &BatchResult{}

	// Validation pass: reject wrong event kinds, skip wrong owner kinds,
	// group the rest by owning scope preserving retry order.
	type scopeGroup struct {
		scope          ghapi.Scope
		installationID int64
		msgs           []Message
	}
	groups := map[string]*scopeGroup{}
	var order []string
	for _, m := range batch {
		switch {
		case d.opts.Ephemeral && m.EventType != EventWorkflowJob:
			d.logger.Warn("rejecting non-workflow event in ephemeral mode",
				"job_id", m.ID, "event", m.EventType)
			telemetry.MessagesProcessedTotal.WithLabelValues("rejected_event_type").Inc()
			res.Rejected = append(res.Rejected, m)
			continue
		case !d.opts.Ephemeral && m.EventType == EventCheckRun && d.opts.QueuedCheck:
			// A check_run id cannot be queried as a workflow job, so it is
			// only accepted when the queued check is off.
			d.logger.Warn("rejecting check_run with job queued check enabled", "job_id", m.ID)
			telemetry.MessagesProcessedTotal.WithLabelValues("rejected_event_type").Inc()
			res.Rejected = append(res.Rejected, m)
			continue
		case d.opts.OrgRunners && m.RepoOwnerType != OwnerTypeOrganization:
			d.logger.Warn("ignoring message for non-organization owner in org mode",
				"job_id", m.ID, "owner", m.RepositoryOwner, "owner_type", m.RepoOwnerType)
			telemetry.MessagesProcessedTotal.WithLabelValues("skipped_owner_type").Inc()
			continue
		}

		scope := d.scopeFor(m)
		g, ok := groups[scope.Key()]
		if !ok {
			g = &scopeGroup{scope: scope, installationID: m.InstallationID}
			groups[scope.Key()] = g
			order = append(order, scope.Key())
		}
		g.msgs = append(g.msgs, m)
	}

	var batchErr *ScaleError
	for _, key := range order {
		g := groups[key]
		created, rejected, err := d.handleScope(ctx, g.scope, g.installationID, g.msgs)
		res.Created = append(res.Created, created...)
		res.Rejected = append(res.Rejected, rejected...)
		if err != nil {
			var se *ScaleError
			if !errors.As(err, &se) {
				se = &ScaleError{FailedInstanceCount: len(g.msgs), Retriable: true, Err: err}
			}
			if !se.Retriable {
				telemetry.MessagesRejectedTotal.Add(float64(len(res.Rejected)))
				return res, se
			}
			if batchErr == nil {
				batchErr = se
			} else {
				batchErr.FailedInstanceCount += se.FailedInstanceCount
			}
		}
	}

	telemetry.MessagesRejectedTotal.Add(float64(len(res.Rejected)))
	if batchErr != nil {
		return res, batchErr
	}
	return res, nil
}

func (d *Dispatcher) scopeFor(m Message) ghapi.Scope {
	if d.opts.OrgRunners {
		return ghapi.Scope{Owner: m.RepositoryOwner}
	}
	return ghapi.Scope{Owner: m.RepositoryOwner, Repo: m.RepositoryName}
}

// handleScope runs steps 2-7 for one owning scope. Transient upstream
// failures reject the scope's messages and return a nil error; only
// *ScaleError from the bulk create propagates.
func (d *Dispatcher) handleScope(ctx context.Context, scope ghapi.Scope, installationID int64, msgs []Message) (created []string, rejected []Message, err error) {
	up, err := d.factory.ForScope(ctx, scope, installationID)
	if err != nil {
		d.logger.Error("creating upstream client, retrying scope via queue",
			"scope", scope.Key(), "error", err)
		return nil, msgs, nil
	}

	surviving := msgs
	if d.opts.QueuedCheck {
		kept := make([]Message, 0, len(msgs))
		for i, m := range surviving {
			status, serr := up.GetJobStatus(ctx, m.RepositoryOwner, m.RepositoryName, m.ID)
			if serr != nil {
				d.logger.Error("job queued check failed, retrying scope via queue",
					"scope", scope.Key(), "job_id", m.ID, "error", serr)
				return nil, append(kept, surviving[i:]...), nil
			}
			if status != "queued" {
				d.logger.Info("job no longer queued, skipping",
					"scope", scope.Key(), "job_id", m.ID, "status", status)
				telemetry.MessagesProcessedTotal.WithLabelValues("skipped_not_queued").Inc()
				continue
			}
			kept = append(kept, m)
		}
		surviving = kept
	}

	want := len(surviving)
	if want == 0 {
		return nil, nil, nil
	}

	newCount := want
	if d.opts.MaxRunners >= 0 {
		current, cerr := d.prov.CurrentCount(ctx, scope)
		if cerr != nil {
			d.logger.Error("listing current instances, retrying scope via queue",
				"scope", scope.Key(), "error", cerr)
			return nil, surviving, nil
		}
		newCount = min(want, max(0, d.opts.MaxRunners-current))
		if capped := want - newCount; capped > 0 {
			d.logger.Info("instance budget reached, deferring messages",
				"scope", scope.Key(), "max", d.opts.MaxRunners, "current", current, "deferred", capped)
			rejected = append(rejected, surviving[:capped]...)
			surviving = surviving[capped:]
		}
	}

	if newCount == 0 {
		return nil, rejected, nil
	}

	ids, err := d.prov.CreateRunners(ctx, up, scope, newCount, fleet.CreatedByScaleUp)
	if err != nil {
		var se *ScaleError
		if errors.As(err, &se) {
			return nil, rejected, se
		}
		// Instances exist but secret provisioning failed: re-deliver the
		// scope's messages so registration is eventually provided.
		d.logger.Error("provisioning registration secrets, retrying scope via queue",
			"scope", scope.Key(), "error", err)
		return ids, append(rejected, surviving...), nil
	}

	if shortfall := newCount - len(ids); shortfall > 0 {
		rejected = append(rejected, surviving[:shortfall]...)
	}
	telemetry.MessagesProcessedTotal.WithLabelValues("created").Add(float64(len(ids)))
	return ids, rejected, nil
}
