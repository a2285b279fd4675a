package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("org-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Org.ID != "org-1" {
		t.Fatalf("org id %q", cfg.Org.ID)
	}
	if cfg.Notes.Visibility != "shared" {
		t.Fatalf("notes visibility %q", cfg.Notes.Visibility)
	}
	for _, roleID := range ReviewerRoles {
		if _, ok := cfg.RBAC.Roles[roleID]; !ok {
			t.Fatalf("default config missing role %s", roleID)
		}
	}
	if cfg.Sweep.Schedule == "" {
		t.Fatal("default config has no sweep schedule")
	}
	if cfg.Sweep.StalledAfterDays["company_review"] != 7 {
		t.Fatalf("company_review threshold %d", cfg.Sweep.StalledAfterDays["company_review"])
	}
}

func TestFromYAMLRejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing org id",
			yaml: "notes:\n  visibility: shared\n",
			want: "org.id",
		},
		{
			name: "missing notes visibility",
			yaml: "org:\n  id: org-1\n",
			want: "notes.visibility",
		},
		{
			name: "roles without platform_admin",
			yaml: "org:\n  id: org-1\nnotes:\n  visibility: shared\nrbac:\n  roles:\n    candidate:\n      permissions: [application.read]\n",
			want: "platform_admin",
		},
		{
			name: "webhook without url",
			yaml: "org:\n  id: org-1\nnotes:\n  visibility: shared\nwebhooks:\n  - secret: s\n",
			want: "webhooks[0].url",
		},
		{
			name: "non-positive sweep threshold",
			yaml: "org:\n  id: org-1\nnotes:\n  visibility: shared\nsweep:\n  stalled_after_days:\n    screen: 0\n",
			want: "must be positive",
		},
		{
			name: "not yaml at all",
			yaml: "{{{",
			want: "invalid config yaml",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err.Error(), tc.want)
			}
		})
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config, got %+v", cfg)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := `org:
  id: org-9
  name: Acme
notes:
  visibility: shared
rbac:
  roles:
    platform_admin:
      permissions: [application.read, role.manage]
webhooks:
  - url: https://example.com/hook
    events: [application.submitted]
sweep:
  schedule: "@every 1h"
  stalled_after_days:
    screen: 3
`
	if err := os.WriteFile(filepath.Join(dir, "stageline.yml"), []byte(src), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Org.Name != "Acme" {
		t.Fatalf("org name %q", cfg.Org.Name)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].URL != "https://example.com/hook" {
		t.Fatalf("webhooks %+v", cfg.Webhooks)
	}
	if cfg.Sweep.StalledAfterDays["screen"] != 3 {
		t.Fatalf("sweep %+v", cfg.Sweep)
	}
}

func TestLoadMissingFileMentionsImport(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "config import") {
		t.Fatalf("error %v", err)
	}
}
