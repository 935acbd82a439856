package proxysite

import (
	"strings"
	"testing"
)

func TestRenderIncludesReverseProxyAndHeaders(t *testing.T) {
	ai := ActiveIntent{
		Project:     "web",
		Environment: "production",
		Slot:        "blue",
		Port:        4000,
		Version:     "abc123",
		Domain:      "web.example.com",
	}
	out, err := Render(ai)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	for _, want := range []string{
		"web.example.com {",
		"reverse_proxy localhost:4000",
		"X-Codeb-Slot \"blue\"",
		"X-Codeb-Version \"abc123\"",
		"format json",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Render() missing %q in:\n%s", want, out)
		}
	}
}

func TestDomainProductionVsOther(t *testing.T) {
	if got, want := Domain("web", "production", "example.com"), "web.example.com"; got != want {
		t.Errorf("Domain() = %q, want %q", got, want)
	}
	if got, want := Domain("web", "staging", "example.com"), "web-staging.example.com"; got != want {
		t.Errorf("Domain() = %q, want %q", got, want)
	}
}

func TestFilePath(t *testing.T) {
	if got, want := FilePath("/etc/caddy/sites", "web", "production"), "/etc/caddy/sites/web-production.site"; got != want {
		t.Errorf("FilePath() = %q, want %q", got, want)
	}
}
