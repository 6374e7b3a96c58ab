package scaledown

import (
	"context"
	"testing"
	"time"

	"github.com/wisbric/runnerd/pkg/fleet"
	"github.com/wisbric/runnerd/pkg/ghapi"
)

type fakeFleet struct {
	instances  []fleet.Instance
	terminated []string
	tagged     map[string]map[string]string
	untagged   map[string][]string
}

func newFakeFleet(instances ...fleet.Instance) *fakeFleet {
	return &fakeFleet{
		instances: instances,
		tagged:    map[string]map[string]string{},
		untagged:  map[string][]string{},
	}
}

func (f *fakeFleet) ListInstances(_ context.Context, filter fleet.ListFilter) ([]fleet.Instance, error) {
	var out []fleet.Instance
	for _, inst := range f.instances {
		if filter.OrphanOnly && !inst.Orphan {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

func (f *fakeFleet) Terminate(_ context.Context, id string) error {
	f.terminated = append(f.terminated, id)
	return nil
}

func (f *fakeFleet) Tag(_ context.Context, id string, tags map[string]string) error {
	if f.tagged[id] == nil {
		f.tagged[id] = map[string]string{}
	}
	for k, v := range tags {
		f.tagged[id][k] = v
	}
	return nil
}

func (f *fakeFleet) Untag(_ context.Context, id string, keys ...string) error {
	f.untagged[id] = append(f.untagged[id], keys...)
	return nil
}

type fakeUpstream struct {
	runners     []ghapi.Runner
	byID        map[int64]*ghapi.Runner
	deleted     []int64
	deleteFails map[int64]bool
}

func (f *fakeUpstream) ListRunners(_ context.Context) ([]ghapi.Runner, error) {
	return f.runners, nil
}

func (f *fakeUpstream) GetRunner(_ context.Context, id int64) (*ghapi.Runner, error) {
	if r, ok := f.byID[id]; ok {
		return r, nil
	}
	return nil, ghapi.ErrRunnerNotFound
}

func (f *fakeUpstream) DeleteRunner(_ context.Context, id int64) error {
	if f.deleteFails[id] {
		return context.DeadlineExceeded
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeFactory struct{ up *fakeUpstream }

func (f *fakeFactory) ForScope(_ context.Context, _ ghapi.Scope, _ int64) (Upstream, error) {
	return f.up, nil
}

func newTestReaper(t *testing.T, ff *fakeFleet, up *fakeUpstream, entries []Entry, now time.Time) *Reaper {
	t.Helper()
	sched, err := NewSchedule(entries, testLogger())
	if err != nil {
		t.Fatalf("NewSchedule() error = %v", err)
	}
	r := NewReaper(ff, &fakeFactory{up: up}, sched, Config{
		Environment:        "prod",
		MinimumRunningTime: 5 * time.Minute,
		BootTime:           5 * time.Minute,
	}, testLogger())
	r.now = func() time.Time { return now }
	return r
}

func TestPhase1FalsePositiveClearsOrphanTag(t *testing.T) {
	now := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	ff := newFakeFleet(fleet.Instance{
		ID: "i-1", Owner: "acme", Type: fleet.TypeOrg, Orphan: true, RunnerID: "42",
		LaunchedAt: now.Add(-time.Hour),
	})
	up := &fakeUpstream{byID: map[int64]*ghapi.Runner{
		42: {ID: 42, Name: "runner-i-1", Status: "online", Busy: false},
	}}
	r := newTestReaper(t, ff, up, nil, now)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(ff.terminated) != 0 {
		t.Errorf("terminated = %v, want none", ff.terminated)
	}
	if got := ff.untagged["i-1"]; len(got) != 1 || got[0] != fleet.TagOrphan {
		t.Errorf("untagged = %v, want orphan tag cleared", got)
	}
	// A rescued instance must not be re-tagged by phase 2 of the same tick.
	if _, ok := ff.tagged["i-1"]; ok {
		t.Errorf("instance re-tagged in the same tick: %v", ff.tagged["i-1"])
	}
}

func TestPhase1ConfirmedOrphans(t *testing.T) {
	now := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	ff := newFakeFleet(
		// No runner id tag: nothing to verify, terminate.
		fleet.Instance{ID: "i-unreg", Owner: "acme", Type: fleet.TypeOrg, Orphan: true, LaunchedAt: now.Add(-time.Hour)},
		// Upstream 404: confirmed orphan.
		fleet.Instance{ID: "i-gone", Owner: "acme", Type: fleet.TypeOrg, Orphan: true, RunnerID: "7", LaunchedAt: now.Add(-time.Hour)},
		// Offline and busy: lost to upstream, confirmed orphan.
		fleet.Instance{ID: "i-lost", Owner: "acme", Type: fleet.TypeOrg, Orphan: true, RunnerID: "8", LaunchedAt: now.Add(-time.Hour)},
	)
	up := &fakeUpstream{byID: map[int64]*ghapi.Runner{
		8: {ID: 8, Name: "runner-i-lost", Status: "offline", Busy: true},
	}}
	r := newTestReaper(t, ff, up, nil, now)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := map[string]bool{"i-unreg": true, "i-gone": true, "i-lost": true}
	if len(ff.terminated) != 3 {
		t.Fatalf("terminated = %v, want all three orphans", ff.terminated)
	}
	for _, id := range ff.terminated {
		if !want[id] {
			t.Errorf("unexpected termination %s", id)
		}
	}
}

func TestPhase2IdleQuotaOldestFirst(t *testing.T) {
	now := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	mkInst := func(id string, age time.Duration) fleet.Instance {
		return fleet.Instance{ID: id, Owner: "acme", Type: fleet.TypeOrg, LaunchedAt: now.Add(-age)}
	}
	ff := newFakeFleet(
		mkInst("i-a", 40*time.Minute),
		mkInst("i-b", 30*time.Minute),
		mkInst("i-c", 20*time.Minute),
		mkInst("i-d", 10*time.Minute),
	)
	up := &fakeUpstream{
		runners: []ghapi.Runner{
			{ID: 1, Name: "r-i-a", Status: "online"},
			{ID: 2, Name: "r-i-b", Status: "online"},
			{ID: 3, Name: "r-i-c", Status: "online"},
			{ID: 4, Name: "r-i-d", Status: "online"},
		},
		byID: map[int64]*ghapi.Runner{
			1: {ID: 1, Name: "r-i-a", Status: "online", Busy: false},
			2: {ID: 2, Name: "r-i-b", Status: "online", Busy: false},
			3: {ID: 3, Name: "r-i-c", Status: "online", Busy: false},
			4: {ID: 4, Name: "r-i-d", Status: "online", Busy: false},
		},
	}
	r := newTestReaper(t, ff, up, []Entry{
		{Cron: "* * * * *", IdleCount: 2, EvictionStrategy: OldestFirst},
	}, now)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Two oldest consume the quota; the two newest are de-registered and
	// terminated.
	if len(ff.terminated) != 2 {
		t.Fatalf("terminated = %v, want the two newest", ff.terminated)
	}
	got := map[string]bool{}
	for _, id := range ff.terminated {
		got[id] = true
	}
	if !got["i-c"] || !got["i-d"] {
		t.Errorf("terminated = %v, want i-c and i-d", ff.terminated)
	}
	if len(up.deleted) != 2 {
		t.Errorf("de-registered = %v, want runners 3 and 4", up.deleted)
	}
}

func TestPhase2KeepsBusyAndYoungInstances(t *testing.T) {
	now := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	ff := newFakeFleet(
		fleet.Instance{ID: "i-young", Owner: "acme", Type: fleet.TypeOrg, LaunchedAt: now.Add(-2 * time.Minute)},
		fleet.Instance{ID: "i-busy", Owner: "acme", Type: fleet.TypeOrg, LaunchedAt: now.Add(-time.Hour)},
	)
	up := &fakeUpstream{
		runners: []ghapi.Runner{
			{ID: 1, Name: "r-i-young", Status: "online"},
			{ID: 2, Name: "r-i-busy", Status: "online"},
		},
		byID: map[int64]*ghapi.Runner{
			2: {ID: 2, Name: "r-i-busy", Status: "online", Busy: true},
		},
	}
	r := newTestReaper(t, ff, up, nil, now)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(ff.terminated) != 0 {
		t.Errorf("terminated = %v, want none", ff.terminated)
	}
	if len(up.deleted) != 0 {
		t.Errorf("de-registered = %v, want none", up.deleted)
	}
}

func TestPhase2UnregisteredPastBootTimeGetsOrphanTag(t *testing.T) {
	now := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	ff := newFakeFleet(
		fleet.Instance{ID: "i-stuck", Owner: "acme", Type: fleet.TypeOrg, LaunchedAt: now.Add(-10 * time.Minute)},
		fleet.Instance{ID: "i-booting", Owner: "acme", Type: fleet.TypeOrg, LaunchedAt: now.Add(-2 * time.Minute)},
	)
	up := &fakeUpstream{}
	r := newTestReaper(t, ff, up, nil, now)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := ff.tagged["i-stuck"][fleet.TagOrphan]; got != "true" {
		t.Errorf("i-stuck orphan tag = %q, want true", got)
	}
	if _, ok := ff.tagged["i-booting"]; ok {
		t.Errorf("i-booting tagged %v, want untouched while booting", ff.tagged["i-booting"])
	}
	if len(ff.terminated) != 0 {
		t.Errorf("terminated = %v, want none in this tick", ff.terminated)
	}
}

func TestPhase2FailedDeregistrationKeepsInstance(t *testing.T) {
	now := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	ff := newFakeFleet(
		fleet.Instance{ID: "i-1", Owner: "acme", Type: fleet.TypeOrg, LaunchedAt: now.Add(-time.Hour)},
	)
	up := &fakeUpstream{
		runners: []ghapi.Runner{{ID: 1, Name: "r-i-1", Status: "online"}},
		byID: map[int64]*ghapi.Runner{
			1: {ID: 1, Name: "r-i-1", Status: "online", Busy: false},
		},
		deleteFails: map[int64]bool{1: true},
	}
	r := newTestReaper(t, ff, up, nil, now)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(ff.terminated) != 0 {
		t.Errorf("terminated = %v, want none after failed de-registration", ff.terminated)
	}
}

func TestScopeForRepoInstance(t *testing.T) {
	s := scopeFor(fleet.Instance{Owner: "acme/api", Type: fleet.TypeRepo})
	if s.Owner != "acme" || s.Repo != "api" {
		t.Errorf("scopeFor() = %+v", s)
	}
	s = scopeFor(fleet.Instance{Owner: "acme", Type: fleet.TypeOrg})
	if s.Owner != "acme" || s.Repo != "" {
		t.Errorf("scopeFor() = %+v", s)
	}
}
