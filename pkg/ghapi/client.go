package ghapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"

	"github.com/wisbric/runnerd/internal/telemetry"
)

// ErrRunnerNotFound is returned when the upstream service has no runner with
// the requested id.
var ErrRunnerNotFound = errors.New("runner not found upstream")

// Scope is the administrative unit a runner belongs to: an organisation name,
// or an owner/repo pair.
type Scope struct {
	Owner string
	Repo  string
}

// Key returns the scope's map key: "owner" for org scopes, "owner/repo"
// otherwise.
func (s Scope) Key() string {
	if s.Repo == "" {
		return s.Owner
	}
	return s.Owner + "/" + s.Repo
}

// OrgLevel reports whether the scope addresses a whole organisation.
func (s Scope) OrgLevel() bool { return s.Repo == "" }

// Runner is the projection of an upstream self-hosted runner.
type Runner struct {
	ID     int64
	Name   string
	Status string
	Busy   bool
}

// APIEndpoint resolves the REST endpoint for a GHES base URL. An empty base
// means github.com. Hosts under .ghe.com expose the API at api.<host>;
// self-hosted GHES appends /api/v3.
func APIEndpoint(ghesURL string) (string, error) {
	if ghesURL == "" {
		return "", nil
	}
	u, err := url.Parse(ghesURL)
	if err != nil {
		return "", fmt.Errorf("parsing GHES_URL: %w", err)
	}
	if strings.HasSuffix(u.Hostname(), ".ghe.com") {
		return u.Scheme + "://api." + u.Host, nil
	}
	return strings.TrimSuffix(ghesURL, "/") + "/api/v3", nil
}

// ClientFactory builds authenticated per-scope clients. Clients must not be
// cached across batches: installations and tokens rotate. Within a batch, the
// dispatcher keeps one client per owning scope.
type ClientFactory struct {
	appID      int64
	privateKey []byte
	token      string
	ghesURL    string
	logger     *slog.Logger
}

// NewClientFactory creates a factory using GitHub App credentials when
// present, else the PAT.
func NewClientFactory(appID int64, privateKey []byte, token, ghesURL string, logger *slog.Logger) *ClientFactory {
	return &ClientFactory{
		appID:      appID,
		privateKey: privateKey,
		token:      token,
		ghesURL:    ghesURL,
		logger:     logger,
	}
}

// ServerURL returns the base web URL runners register against.
func (f *ClientFactory) ServerURL() string {
	if f.ghesURL != "" {
		return strings.TrimSuffix(f.ghesURL, "/")
	}
	return "https://github.com"
}

func (f *ClientFactory) newGitHubClient(hc *http.Client) (*github.Client, error) {
	c := github.NewClient(hc)
	endpoint, err := APIEndpoint(f.ghesURL)
	if err != nil {
		return nil, err
	}
	if endpoint != "" {
		u, err := url.Parse(endpoint + "/")
		if err != nil {
			return nil, fmt.Errorf("parsing API endpoint: %w", err)
		}
		c.BaseURL = u
	}
	return c, nil
}

// appClient returns a client authenticated as the App itself, used only to
// resolve installation ids.
func (f *ClientFactory) appClient() (*github.Client, error) {
	atr, err := ghinstallation.NewAppsTransport(http.DefaultTransport, f.appID, f.privateKey)
	if err != nil {
		return nil, fmt.Errorf("creating app transport: %w", err)
	}
	if endpoint, err := APIEndpoint(f.ghesURL); err != nil {
		return nil, err
	} else if endpoint != "" {
		atr.BaseURL = endpoint
	}
	return f.newGitHubClient(&http.Client{Transport: atr})
}

// ForScope builds a client authenticated for the scope's installation.
// installationID 0 means "resolve on demand" via an app-level lookup.
func (f *ClientFactory) ForScope(ctx context.Context, scope Scope, installationID int64) (*Client, error) {
	if f.token != "" {
		hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: f.token}))
		gh, err := f.newGitHubClient(hc)
		if err != nil {
			return nil, err
		}
		return &Client{gh: gh, scope: scope, logger: f.logger}, nil
	}

	if installationID == 0 {
		app, err := f.appClient()
		if err != nil {
			return nil, err
		}
		if scope.OrgLevel() {
			inst, _, err := app.Apps.FindOrganizationInstallation(ctx, scope.Owner)
			if err != nil {
				telemetry.UpstreamErrorsTotal.WithLabelValues("find_installation").Inc()
				return nil, fmt.Errorf("finding installation for org %s: %w", scope.Owner, err)
			}
			installationID = inst.GetID()
		} else {
			inst, _, err := app.Apps.FindRepositoryInstallation(ctx, scope.Owner, scope.Repo)
			if err != nil {
				telemetry.UpstreamErrorsTotal.WithLabelValues("find_installation").Inc()
				return nil, fmt.Errorf("finding installation for %s: %w", scope.Key(), err)
			}
			installationID = inst.GetID()
		}
	}

	atr, err := ghinstallation.NewAppsTransport(http.DefaultTransport, f.appID, f.privateKey)
	if err != nil {
		return nil, fmt.Errorf("creating app transport: %w", err)
	}
	itr := ghinstallation.NewFromAppsTransport(atr, installationID)
	if endpoint, err := APIEndpoint(f.ghesURL); err != nil {
		return nil, err
	} else if endpoint != "" {
		atr.BaseURL = endpoint
		itr.BaseURL = endpoint
	}
	gh, err := f.newGitHubClient(&http.Client{Transport: itr})
	if err != nil {
		return nil, err
	}
	return &Client{gh: gh, scope: scope, logger: f.logger}, nil
}

// Client performs upstream operations for a single owning scope.
type Client struct {
	gh     *github.Client
	scope  Scope
	logger *slog.Logger
}

// Scope returns the owning scope this client is bound to.
func (c *Client) Scope() Scope { return c.scope }

// GetJobStatus fetches the status of a workflow job. The repository always
// comes from the originating message, even for org-scoped runners.
func (c *Client) GetJobStatus(ctx context.Context, owner, repo string, jobID int64) (string, error) {
	job, _, err := c.gh.Actions.GetWorkflowJobByID(ctx, owner, repo, jobID)
	if err != nil {
		telemetry.UpstreamErrorsTotal.WithLabelValues("get_job").Inc()
		return "", fmt.Errorf("fetching job %d for %s/%s: %w", jobID, owner, repo, err)
	}
	return job.GetStatus(), nil
}

// CreateRegistrationToken obtains a runner registration token for the scope.
func (c *Client) CreateRegistrationToken(ctx context.Context) (string, error) {
	var (
		tok *github.RegistrationToken
		err error
	)
	if c.scope.OrgLevel() {
		tok, _, err = c.gh.Actions.CreateOrganizationRegistrationToken(ctx, c.scope.Owner)
	} else {
		tok, _, err = c.gh.Actions.CreateRegistrationToken(ctx, c.scope.Owner, c.scope.Repo)
	}
	if err != nil {
		telemetry.UpstreamErrorsTotal.WithLabelValues("registration_token").Inc()
		return "", fmt.Errorf("creating registration token for %s: %w", c.scope.Key(), err)
	}
	return tok.GetToken(), nil
}

// GenerateJITConfig asks upstream for a just-in-time runner config and
// returns the upstream runner id alongside the encoded blob.
func (c *Client) GenerateJITConfig(ctx context.Context, name string, groupID int64, labels []string) (int64, string, error) {
	req := &github.GenerateJITConfigRequest{
		Name:          name,
		RunnerGroupID: groupID,
		Labels:        labels,
	}
	var (
		jit *github.JITRunnerConfig
		err error
	)
	if c.scope.OrgLevel() {
		jit, _, err = c.gh.Actions.GenerateOrgJITConfig(ctx, c.scope.Owner, req)
	} else {
		jit, _, err = c.gh.Actions.GenerateRepoJITConfig(ctx, c.scope.Owner, c.scope.Repo, req)
	}
	if err != nil {
		telemetry.UpstreamErrorsTotal.WithLabelValues("jit_config").Inc()
		return 0, "", fmt.Errorf("generating JIT config for %s: %w", c.scope.Key(), err)
	}
	return jit.Runner.GetID(), jit.GetEncodedJITConfig(), nil
}

// ListRunners returns every self-hosted runner registered for the scope,
// merging pages.
func (c *Client) ListRunners(ctx context.Context) ([]Runner, error) {
	opts := &github.ListRunnersOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var out []Runner
	for {
		var (
			rs   *github.Runners
			resp *github.Response
			err  error
		)
		if c.scope.OrgLevel() {
			rs, resp, err = c.gh.Actions.ListOrganizationRunners(ctx, c.scope.Owner, opts)
		} else {
			rs, resp, err = c.gh.Actions.ListRunners(ctx, c.scope.Owner, c.scope.Repo, opts)
		}
		if err != nil {
			telemetry.UpstreamErrorsTotal.WithLabelValues("list_runners").Inc()
			return nil, fmt.Errorf("listing runners for %s: %w", c.scope.Key(), err)
		}
		for _, r := range rs.Runners {
			out = append(out, Runner{
				ID:     r.GetID(),
				Name:   r.GetName(),
				Status: r.GetStatus(),
				Busy:   r.GetBusy(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// GetRunner fetches a single runner by id. A 404 maps to ErrRunnerNotFound.
func (c *Client) GetRunner(ctx context.Context, id int64) (*Runner, error) {
	var (
		r    *github.Runner
		resp *github.Response
		err  error
	)
	if c.scope.OrgLevel() {
		r, resp, err = c.gh.Actions.GetOrganizationRunner(ctx, c.scope.Owner, id)
	} else {
		r, resp, err = c.gh.Actions.GetRunner(ctx, c.scope.Owner, c.scope.Repo, id)
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, ErrRunnerNotFound
		}
		telemetry.UpstreamErrorsTotal.WithLabelValues("get_runner").Inc()
		return nil, fmt.Errorf("fetching runner %d for %s: %w", id, c.scope.Key(), err)
	}
	return &Runner{ID: r.GetID(), Name: r.GetName(), Status: r.GetStatus(), Busy: r.GetBusy()}, nil
}

// DeleteRunner de-registers a runner. The upstream call must answer 204; any
// other outcome is an error so callers do not terminate the backing instance.
func (c *Client) DeleteRunner(ctx context.Context, id int64) error {
	var (
		resp *github.Response
		err  error
	)
	if c.scope.OrgLevel() {
		resp, err = c.gh.Actions.RemoveOrganizationRunner(ctx, c.scope.Owner, id)
	} else {
		resp, err = c.gh.Actions.RemoveRunner(ctx, c.scope.Owner, c.scope.Repo, id)
	}
	if err != nil {
		telemetry.UpstreamErrorsTotal.WithLabelValues("delete_runner").Inc()
		return fmt.Errorf("de-registering runner %d for %s: %w", id, c.scope.Key(), err)
	}
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("de-registering runner %d for %s: unexpected status %d", id, c.scope.Key(), resp.StatusCode)
	}
	return nil
}

// LookupRunnerGroupID pages through the organisation's runner groups and
// returns the id of the named group. Absence upstream is an error.
func (c *Client) LookupRunnerGroupID(ctx context.Context, name string) (int64, error) {
	opts := &github.ListOrgRunnerGroupOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		groups, resp, err := c.gh.Actions.ListOrganizationRunnerGroups(ctx, c.scope.Owner, opts)
		if err != nil {
			telemetry.UpstreamErrorsTotal.WithLabelValues("list_runner_groups").Inc()
			return 0, fmt.Errorf("listing runner groups for %s: %w", c.scope.Owner, err)
		}
		for _, g := range groups.RunnerGroups {
			if g.GetName() == name {
				return g.GetID(), nil
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return 0, fmt.Errorf("runner group %q not found for org %s", name, c.scope.Owner)
}
