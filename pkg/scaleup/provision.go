package scaleup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wisbric/runnerd/internal/telemetry"
	"github.com/wisbric/runnerd/pkg/fleet"
	"github.com/wisbric/runnerd/pkg/ghapi"
)

// Secret-write pacing: when one provisioning call writes at least this many
// secrets, each write is spaced to stay under the parameter store's
// sustained write rate.
const (
	secretPacingThreshold = 40
	secretPacingDelay     = 25 * time.Millisecond
)

// CloudFleet is the cloud-adapter surface the scale-up path consumes;
// *fleet.Client satisfies it.
type CloudFleet interface {
	ListInstances(ctx context.Context, filter fleet.ListFilter) ([]fleet.Instance, error)
	CreateRunners(ctx context.Context, spec fleet.CreateSpec) ([]string, error)
	Tag(ctx context.Context, id string, tags map[string]string) error
}

// SecretWriter writes per-instance registration secrets; *fleet.SecretStore
// satisfies it.
type SecretWriter interface {
	PutRunnerSecret(ctx context.Context, instanceID, value string) error
}

// Upstream is the per-scope GitHub surface the scale-up path consumes;
// *ghapi.Client satisfies it.
type Upstream interface {
	GetJobStatus(ctx context.Context, owner, repo string, jobID int64) (string, error)
	CreateRegistrationToken(ctx context.Context) (string, error)
	GenerateJITConfig(ctx context.Context, name string, groupID int64, labels []string) (int64, string, error)
	ListRunners(ctx context.Context) ([]ghapi.Runner, error)
	LookupRunnerGroupID(ctx context.Context, name string) (int64, error)
}

// UpstreamFactory creates one Upstream per owning scope.
type UpstreamFactory interface {
	ForScope(ctx context.Context, scope ghapi.Scope, installationID int64) (Upstream, error)
}

// GroupResolver resolves runner group names to ids; *ghapi.GroupCache
// satisfies it through GitHubFactory's Upstream.
type GroupResolver interface {
	GetRunnerGroupID(ctx context.Context, lookup ghapi.GroupLookup, groupName string) (int64, error)
}

// GitHubFactory adapts *ghapi.ClientFactory to UpstreamFactory.
type GitHubFactory struct {
	Factory *ghapi.ClientFactory
}

func (f GitHubFactory) ForScope(ctx context.Context, scope ghapi.Scope, installationID int64) (Upstream, error) {
	return f.Factory.ForScope(ctx, scope, installationID)
}

// Options are the scale-up mode switches.
type Options struct {
	OrgRunners        bool
	Ephemeral         bool
	JitConfig         bool
	QueuedCheck       bool
	MaxRunners        int
	Environment       string
	RunnerNamePrefix  string
	RunnerLabels      []string
	RunnerGroupName   string
	DisableAutoUpdate bool
}

// Provisioner owns the instance-creation and secret-provisioning primitives.
// It is shared between the dispatcher and the pool top-up loop; the creator
// tag is always an explicit argument, never derived from count.
type Provisioner struct {
	fleet     CloudFleet
	secrets   SecretWriter
	groups    GroupResolver
	spec      fleet.CreateSpec
	opts      Options
	serverURL string
	logger    *slog.Logger
}

// NewProvisioner creates a Provisioner. spec is the CreateFleet template;
// Count, Owner, Type and CreatedBy are filled per call.
func NewProvisioner(cf CloudFleet, secrets SecretWriter, groups GroupResolver, spec fleet.CreateSpec, opts Options, serverURL string, logger *slog.Logger) *Provisioner {
	spec.Environment = opts.Environment
	return &Provisioner{
		fleet:     cf,
		secrets:   secrets,
		groups:    groups,
		spec:      spec,
		opts:      opts,
		serverURL: serverURL,
		logger:    logger,
	}
}

// CurrentCount returns the number of live managed instances for the scope.
func (p *Provisioner) CurrentCount(ctx context.Context, scope ghapi.Scope) (int, error) {
	instances, err := p.fleet.ListInstances(ctx, fleet.ListFilter{
		Environment: p.opts.Environment,
		Owner:       scope.Key(),
	})
	if err != nil {
		return 0, err
	}
	return len(instances), nil
}

// CreateRunners launches count instances for the scope in a single bulk call
// and provisions a registration secret for each created instance. It returns
// the created instance ids; fewer than count is not an error here (the
// caller accounts for the shortfall). Zero instances surfaces a *ScaleError.
func (p *Provisioner) CreateRunners(ctx context.Context, up Upstream, scope ghapi.Scope, count int, createdBy string) ([]string, error) {
	spec := p.spec
	spec.Count = count
	spec.Owner = scope.Key()
	spec.CreatedBy = createdBy
	if scope.OrgLevel() {
		spec.Type = fleet.TypeOrg
	} else {
		spec.Type = fleet.TypeRepo
	}

	ids, err := p.fleet.CreateRunners(ctx, spec)
	if err != nil {
		var fe *fleet.FleetError
		if errors.As(err, &fe) {
			return nil, &ScaleError{FailedInstanceCount: fe.FailedCount, Retriable: fe.Retriable, Err: err}
		}
		return nil, &ScaleError{FailedInstanceCount: count, Retriable: true, Err: err}
	}

	if err := p.ProvisionSecrets(ctx, up, scope, ids); err != nil {
		return ids, err
	}

	telemetry.InstancesCreatedTotal.WithLabelValues(createdBy).Add(float64(len(ids)))
	return ids, nil
}

// ProvisionSecrets writes one registration secret per created instance,
// pacing writes when the batch is large. In JIT mode the instance is also
// tagged with its upstream runner id.
func (p *Provisioner) ProvisionSecrets(ctx context.Context, up Upstream, scope ghapi.Scope, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}

	jit := p.opts.Ephemeral && p.opts.JitConfig

	var (
		groupID int64 = 1
		token   string
		err     error
	)
	if jit {
		if scope.OrgLevel() {
			groupID, err = p.groups.GetRunnerGroupID(ctx, up, p.opts.RunnerGroupName)
			if err != nil {
				return fmt.Errorf("resolving runner group: %w", err)
			}
		}
	} else {
		token, err = up.CreateRegistrationToken(ctx)
		if err != nil {
			return err
		}
	}

	pace := len(instanceIDs) >= secretPacingThreshold
	for i, id := range instanceIDs {
		if pace && i > 0 {
			time.Sleep(secretPacingDelay)
		}
		if jit {
			err = p.provisionJIT(ctx, up, id, groupID)
		} else {
			err = p.secrets.PutRunnerSecret(ctx, id, p.serviceConfig(scope, token))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) provisionJIT(ctx context.Context, up Upstream, instanceID string, groupID int64) error {
	name := p.opts.RunnerNamePrefix + instanceID
	runnerID, blob, err := up.GenerateJITConfig(ctx, name, groupID, p.opts.RunnerLabels)
	if err != nil {
		return err
	}
	if err := p.fleet.Tag(ctx, instanceID, map[string]string{
		fleet.TagRunnerID: fmt.Sprintf("%d", runnerID),
	}); err != nil {
		return err
	}
	return p.secrets.PutRunnerSecret(ctx, instanceID, blob)
}

// serviceConfig composes the runner registration command line stored for
// non-JIT instances.
func (p *Provisioner) serviceConfig(scope ghapi.Scope, token string) string {
	parts := []string{
		"--url " + p.serverURL + "/" + scope.Key(),
		"--token " + token,
	}
	if len(p.opts.RunnerLabels) > 0 {
		parts = append(parts, "--labels "+strings.Join(p.opts.RunnerLabels, ","))
	}
	if p.opts.DisableAutoUpdate {
		parts = append(parts, "--disableupdate")
	}
	if scope.OrgLevel() && p.opts.RunnerGroupName != "" {
		parts = append(parts, "--runnergroup "+p.opts.RunnerGroupName)
	}
	if p.opts.Ephemeral {
		parts = append(parts, "--ephemeral")
	}
	return strings.Join(parts, " ")
}
