package ghapi

import (
	"testing"
)

func TestAPIEndpoint(t *testing.T) {
	tests := []struct {
		ghes string
		want string
	}{
		{"", ""},
		{"https://github.example.com", "https://github.example.com/api/v3"},
		{"https://github.example.com/", "https://github.example.com/api/v3"},
		{"https://companyname.ghe.com", "https://api.companyname.ghe.com"},
	}
	for _, tt := range tests {
		got, err := APIEndpoint(tt.ghes)
		if err != nil {
			t.Errorf("APIEndpoint(%q) error = %v", tt.ghes, err)
			continue
		}
		if got != tt.want {
			t.Errorf("APIEndpoint(%q) = %q, want %q", tt.ghes, got, tt.want)
		}
	}
}

func TestScopeKey(t *testing.T) {
	if got := (Scope{Owner: "acme"}).Key(); got != "acme" {
		t.Errorf("org scope key = %q", got)
	}
	if got := (Scope{Owner: "acme", Repo: "api"}).Key(); got != "acme/api" {
		t.Errorf("repo scope key = %q", got)
	}
	if !(Scope{Owner: "acme"}).OrgLevel() {
		t.Error("org scope should be org level")
	}
	if (Scope{Owner: "acme", Repo: "api"}).OrgLevel() {
		t.Error("repo scope should not be org level")
	}
}

func TestServerURL(t *testing.T) {
	f := NewClientFactory(0, nil, "tok", "", nil)
	if got := f.ServerURL(); got != "https://github.com" {
		t.Errorf("ServerURL() = %q", got)
	}
	f = NewClientFactory(0, nil, "tok", "https://ghes.example.com/", nil)
	if got := f.ServerURL(); got != "https://ghes.example.com" {
		t.Errorf("ServerURL() = %q", got)
	}
}
