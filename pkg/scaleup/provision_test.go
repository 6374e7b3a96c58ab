package scaleup

import (
	"context"
	"strings"
	"testing"

	"github.com/wisbric/runnerd/pkg/fleet"
	"github.com/wisbric/runnerd/pkg/ghapi"
)

func TestServiceConfigOrg(t *testing.T) {
	p := NewProvisioner(newFakeFleet(), &fakeSecrets{}, &fakeGroups{}, fleet.CreateSpec{}, Options{
		RunnerLabels:      []string{"linux", "x64"},
		RunnerGroupName:   "default",
		DisableAutoUpdate: true,
		Ephemeral:         true,
	}, "https://github.com", testLogger())

	got := p.serviceConfig(ghapi.Scope{Owner: "acme"}, "tok-1")
	want := "--url https://github.com/acme --token tok-1 --labels linux,x64 --disableupdate --runnergroup default --ephemeral"
	if got != want {
		t.Errorf("serviceConfig() = %q, want %q", got, want)
	}
}

func TestServiceConfigRepoOmitsRunnerGroup(t *testing.T) {
	p := NewProvisioner(newFakeFleet(), &fakeSecrets{}, &fakeGroups{}, fleet.CreateSpec{}, Options{
		RunnerGroupName: "default",
	}, "https://ghes.example.com", testLogger())

	got := p.serviceConfig(ghapi.Scope{Owner: "acme", Repo: "api"}, "tok-2")
	if strings.Contains(got, "--runnergroup") {
		t.Errorf("serviceConfig() = %q, runner group only applies at org level", got)
	}
	if !strings.HasPrefix(got, "--url https://ghes.example.com/acme/api ") {
		t.Errorf("serviceConfig() = %q, wrong url", got)
	}
}

func TestProvisionSecretsRegistrationToken(t *testing.T) {
	ff := newFakeFleet()
	secrets := &fakeSecrets{}
	p := NewProvisioner(ff, secrets, &fakeGroups{}, fleet.CreateSpec{}, Options{}, "https://github.com", testLogger())

	up := &fakeUpstream{token: "reg-tok"}
	if err := p.ProvisionSecrets(context.Background(), up, ghapi.Scope{Owner: "acme", Repo: "api"}, []string{"i-1", "i-2"}); err != nil {
		t.Fatalf("ProvisionSecrets() error = %v", err)
	}
	if len(secrets.written) != 2 {
		t.Fatalf("secrets written = %d, want 2", len(secrets.written))
	}
	for id, v := range secrets.written {
		if !strings.Contains(v, "--token reg-tok") {
			t.Errorf("secret for %s = %q, missing token", id, v)
		}
	}
}

func TestProvisionSecretsJITTagsRunnerID(t *testing.T) {
	ff := newFakeFleet()
	secrets := &fakeSecrets{}
	p := NewProvisioner(ff, secrets, &fakeGroups{id: 7}, fleet.CreateSpec{}, Options{
		Ephemeral:        true,
		JitConfig:        true,
		RunnerNamePrefix: "prod-",
	}, "https://github.com", testLogger())

	up := &fakeUpstream{jitRunnerID: 99}
	if err := p.ProvisionSecrets(context.Background(), up, ghapi.Scope{Owner: "acme"}, []string{"i-abc"}); err != nil {
		t.Fatalf("ProvisionSecrets() error = %v", err)
	}
	if got := ff.tags["i-abc"][fleet.TagRunnerID]; got != "99" {
		t.Errorf("runner id tag = %q, want 99", got)
	}
	if got := secrets.written["i-abc"]; got != "jit-blob-prod-i-abc" {
		t.Errorf("secret = %q", got)
	}
}

func TestCreateRunnersPropagatesCreator(t *testing.T) {
	ff := newFakeFleet()
	p := NewProvisioner(ff, &fakeSecrets{}, &fakeGroups{}, fleet.CreateSpec{}, Options{}, "https://github.com", testLogger())

	if _, err := p.CreateRunners(context.Background(), &fakeUpstream{}, ghapi.Scope{Owner: "acme"}, 2, fleet.CreatedByPool); err != nil {
		t.Fatalf("CreateRunners() error = %v", err)
	}
	if len(ff.createCalls) != 1 {
		t.Fatalf("createCalls = %d, want 1", len(ff.createCalls))
	}
	if got := ff.createCalls[0].CreatedBy; got != fleet.CreatedByPool {
		t.Errorf("created_by = %q, want %q", got, fleet.CreatedByPool)
	}
}

func TestSecretPacingThreshold(t *testing.T) {
	if secretPacingThreshold != 40 {
		t.Errorf("secretPacingThreshold = %d, want 40", secretPacingThreshold)
	}
	if secretPacingDelay.Milliseconds() != 25 {
		t.Errorf("secretPacingDelay = %v, want 25ms", secretPacingDelay)
	}
}
