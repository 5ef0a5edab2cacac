package updates

import (
	"strings"
	"testing"
)

const sampleConfig = `
version: 2
registries:
  npm-github:
    type: npm-registry
    url: https://npm.pkg.github.com
    token: ${{NPM_TOKEN}}
updates:
  - package-ecosystem: npm
    directory: /
    registries:
      - npm-github
    schedule:
      interval: daily
      time: "03:45"
      timezone: Etc/UTC
    open-pull-requests-limit: 10
    groups:
      dev-deps:
        dependency-type: development
  - package-ecosystem: nuget
    directories:
      - /src/api
      - /src/worker
    schedule:
      interval: weekly
      day: monday
`

func TestParseValidConfig(t *testing.T) {
	updates, registries, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(updates))
	}
	first := updates[0]
	if first.PackageEcosystem != "npm" || first.Schedule.Interval != "daily" || first.Schedule.Time != "03:45" {
		t.Fatalf("first update = %+v", first)
	}
	if got := first.EffectiveDirectories(); len(got) != 1 || got[0] != "/" {
		t.Fatalf("first directories = %v", got)
	}
	if got := updates[1].EffectiveDirectories(); len(got) != 2 {
		t.Fatalf("second directories = %v", got)
	}
	if _, ok := registries["npm-github"]; !ok {
		t.Fatalf("registries = %v", registries)
	}
}

func TestParseRegistryHyphenatedKeys(t *testing.T) {
	config := `
version: 2
registries:
  terraform-example:
    type: terraform-registry
    url: https://terraform.example.com
    auth-key: secret-key
    public-key-fingerprint: abc123
    replaces-base: true
updates:
  - package-ecosystem: terraform
    directory: /
    registries:
      - terraform-example
    schedule:
      interval: daily
`
	_, registries, err := Parse([]byte(config))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	reg, ok := registries["terraform-example"]
	if !ok {
		t.Fatalf("registries = %v", registries)
	}
	if reg.AuthKey != "secret-key" {
		t.Fatalf("auth-key = %q, want %q", reg.AuthKey, "secret-key")
	}
	if reg.PublicKeyFingerprint != "abc123" {
		t.Fatalf("public-key-fingerprint = %q, want %q", reg.PublicKeyFingerprint, "abc123")
	}
	if !reg.ReplacesBase {
		t.Fatal("replaces-base not parsed")
	}
}

func TestParseRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name:    "wrong version",
			config:  "version: 1\nupdates:\n  - package-ecosystem: npm\n    directory: /\n    schedule: {interval: daily}\n",
			wantErr: "version",
		},
		{
			name:    "no updates",
			config:  "version: 2\nupdates: []\n",
			wantErr: "no updates",
		},
		{
			name:    "missing ecosystem",
			config:  "version: 2\nupdates:\n  - directory: /\n    schedule: {interval: daily}\n",
			wantErr: "package-ecosystem",
		},
		{
			name:    "missing directory",
			config:  "version: 2\nupdates:\n  - package-ecosystem: npm\n    schedule: {interval: daily}\n",
			wantErr: "directory",
		},
		{
			name:    "bad interval",
			config:  "version: 2\nupdates:\n  - package-ecosystem: npm\n    directory: /\n    schedule: {interval: hourly}\n",
			wantErr: "interval",
		},
		{
			name:    "bad timezone",
			config:  "version: 2\nupdates:\n  - package-ecosystem: npm\n    directory: /\n    schedule: {interval: daily, timezone: Mars/Olympus}\n",
			wantErr: "timezone",
		},
		{
			name:    "unknown registry reference",
			config:  "version: 2\nupdates:\n  - package-ecosystem: npm\n    directory: /\n    registries: [nope]\n    schedule: {interval: daily}\n",
			wantErr: "unknown registry",
		},
		{
			name:    "unknown versioning strategy",
			config:  "version: 2\nupdates:\n  - package-ecosystem: npm\n    directory: /\n    versioning-strategy: yolo\n    schedule: {interval: daily}\n",
			wantErr: "versioning-strategy",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Parse([]byte(tc.config))
			if err == nil {
				t.Fatal("Parse accepted an invalid config")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestMapVersioningStrategy(t *testing.T) {
	cases := map[string]string{
		"auto":                  "none",
		"increase":              "bump_versions",
		"increase-if-necessary": "bump_versions_if_necessary",
		"lockfile-only":         "lockfile_only",
		"widen":                 "widen_ranges",
	}
	for in, want := range cases {
		got, err := MapVersioningStrategy(in)
		if err != nil {
			t.Fatalf("MapVersioningStrategy(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("MapVersioningStrategy(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := MapVersioningStrategy("yolo"); err == nil {
		t.Fatal("unknown strategy accepted")
	}
}
