package updates

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/splax/depwatch/internal/domain"
)

// MaxUpdaterRunTime is the ceiling on one updater run, in seconds.
const MaxUpdaterRunTime = 2700

// packageManagers maps config ecosystem names to the updater's package
// manager names.
var packageManagers = map[string]string{
	"bundler":        "bundler",
	"cargo":          "cargo",
	"composer":       "composer",
	"devcontainers":  "devcontainers",
	"docker":         "docker",
	"dotnet-sdk":     "dotnet_sdk",
	"elm":            "elm",
	"gitsubmodule":   "submodules",
	"github-actions": "github_actions",
	"gomod":          "go_modules",
	"gradle":         "gradle",
	"maven":          "maven",
	"mix":            "hex",
	"nuget":          "nuget",
	"npm":            "npm_and_yarn",
	"pip":            "pip",
	"pub":            "pub",
	"swift":          "swift",
	"terraform":      "terraform",
	"yarn":           "npm_and_yarn",
}

// PackageManager resolves an ecosystem name to the updater's package manager
// name, falling back to the ecosystem itself.
func PackageManager(ecosystem string) string {
	if pm, ok := packageManagers[ecosystem]; ok {
		return pm
	}
	return ecosystem
}

// AllowedUpdate is one allow rule in the job definition.
type AllowedUpdate struct {
	DependencyName string `json:"dependency-name,omitempty"`
	DependencyType string `json:"dependency-type,omitempty"`
	UpdateType     string `json:"update-type,omitempty"`
}

// IgnoreCondition is one ignore rule in the job definition, defaulted with a
// source tag and timestamp when the config omits them.
type IgnoreCondition struct {
	DependencyName string   `json:"dependency-name,omitempty"`
	Versions       []string `json:"version-requirement,omitempty"`
	UpdateTypes    []string `json:"update-types,omitempty"`
	Source         string   `json:"source,omitempty"`
	UpdatedAt      string   `json:"updated-at,omitempty"`
}

// DependencyGroup is one grouping rule in the job definition.
type DependencyGroup struct {
	Name      string         `json:"name"`
	AppliesTo string         `json:"applies-to,omitempty"`
	Rules     map[string]any `json:"rules"`
}

// PullRequestDependency identifies one dependency in an existing pull request.
type PullRequestDependency struct {
	DependencyName    string `json:"dependency-name"`
	DependencyVersion string `json:"dependency-version,omitempty"`
	Directory         string `json:"directory,omitempty"`
	Removed           bool   `json:"removed,omitempty"`
}

// ExistingPullRequest is a pull request previously opened for this update,
// grouped when GroupName is set.
type ExistingPullRequest struct {
	GroupName    string
	Dependencies []PullRequestDependency
}

// GroupPullRequest is the grouped bucket entry in the job definition.
type GroupPullRequest struct {
	DependencyGroupName string                  `json:"dependency-group-name"`
	Dependencies        []PullRequestDependency `json:"dependencies"`
}

// CommitOptions is the commit-message block of the job definition.
type CommitOptions struct {
	Prefix            string `json:"prefix,omitempty"`
	PrefixDevelopment string `json:"prefix-development,omitempty"`
	IncludeScope      bool   `json:"include-scope,omitempty"`
}

// Source identifies the repository and location the updater operates on.
type Source struct {
	Provider    string   `json:"provider"`
	Hostname    string   `json:"hostname"`
	APIEndpoint string   `json:"api-endpoint"`
	Repo        string   `json:"repo"`
	Branch      string   `json:"branch,omitempty"`
	Directory   string   `json:"directory,omitempty"`
	Directories []string `json:"directories,omitempty"`
}

// JobDefinition is the document consumed by the updater container.
type JobDefinition struct {
	PackageManager             string                    `json:"package-manager"`
	AllowedUpdates             []AllowedUpdate           `json:"allowed-updates"`
	IgnoreConditions           []IgnoreCondition         `json:"ignore-conditions,omitempty"`
	DependencyGroups           []DependencyGroup         `json:"dependency-groups,omitempty"`
	ExistingPullRequests       [][]PullRequestDependency `json:"existing-pull-requests,omitempty"`
	ExistingGroupPullRequests  []GroupPullRequest        `json:"existing-group-pull-requests,omitempty"`
	CommitMessageOptions       *CommitOptions            `json:"commit-message-options,omitempty"`
	CredentialsMetadata        []domain.Credential       `json:"credentials-metadata"`
	MaxUpdaterRunTime          int                       `json:"max-updater-run-time"`
	Source                     Source                    `json:"source"`
	RequirementsUpdateStrategy string                    `json:"requirements-update-strategy,omitempty"`
	LockfileOnly               bool                      `json:"lockfile-only,omitempty"`
	VendorDependencies         bool                      `json:"vendor-dependencies,omitempty"`
	Experiments                map[string]string         `json:"experiments,omitempty"`
	Debug                      bool                      `json:"debug,omitempty"`
}

// ProxyCertificate is the trust material block of the proxy config.
type ProxyCertificate struct {
	Cert string `json:"cert"`
	Key  string `json:"key"`
}

// ProxyConfig is the document consumed by the egress proxy sidecar. Unlike
// the job definition it carries real credentials and must never be handed to
// the updater.
type ProxyConfig struct {
	Credentials []domain.Credential `json:"all_credentials"`
	CA          ProxyCertificate    `json:"ca"`
}

// MaterializeInput carries everything the translation needs.
type MaterializeInput struct {
	Project     *domain.Project
	Update      *domain.RepositoryUpdate
	RepoSlug    string
	Credentials []domain.Credential
	Debug       bool

	ExistingPullRequests []ExistingPullRequest

	CACert string
	CAKey  string

	// Experiments come from the project, decrypted upstream.
	Experiments map[string]string

	Now func() time.Time
}

// Materialize translates an update plus its job context into the job
// definition and proxy config documents.
func Materialize(in MaterializeInput) (*JobDefinition, *ProxyConfig, error) {
	u, err := url.Parse(in.Project.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse project url: %w", err)
	}
	now := time.Now
	if in.Now != nil {
		now = in.Now
	}

	def := &JobDefinition{
		PackageManager:      PackageManager(in.Update.PackageEcosystem),
		AllowedUpdates:      allowedUpdates(in.Update),
		IgnoreConditions:    ignoreConditions(in.Update, now),
		DependencyGroups:    dependencyGroups(in.Update),
		CredentialsMetadata: Redact(in.Credentials),
		MaxUpdaterRunTime:   MaxUpdaterRunTime,
		Source: Source{
			Provider:    in.Project.Provider,
			Hostname:    u.Hostname(),
			APIEndpoint: in.Project.URL,
			Repo:        in.RepoSlug,
			Branch:      in.Update.TargetBranch,
			Directory:   in.Update.Directory,
			Directories: in.Update.Directories,
		},
		VendorDependencies: in.Update.Vendor,
		Experiments:        in.Experiments,
		Debug:              in.Debug,
	}

	for _, pr := range in.ExistingPullRequests {
		if pr.GroupName != "" {
			def.ExistingGroupPullRequests = append(def.ExistingGroupPullRequests, GroupPullRequest{
				DependencyGroupName: pr.GroupName,
				Dependencies:        pr.Dependencies,
			})
		} else {
			def.ExistingPullRequests = append(def.ExistingPullRequests, pr.Dependencies)
		}
	}

	if cm := in.Update.CommitMessage; cm != nil {
		opts := &CommitOptions{Prefix: cm.Prefix, PrefixDevelopment: cm.PrefixDevelopment}
		if strings.EqualFold(strings.TrimSpace(cm.Include), "scope") {
			opts.IncludeScope = true
		}
		def.CommitMessageOptions = opts
	}

	strategy, err := MapVersioningStrategy(in.Update.VersioningStrategy)
	if err != nil {
		return nil, nil, err
	}
	def.RequirementsUpdateStrategy = strategy
	def.LockfileOnly = strategy == "lockfile_only"

	proxy := &ProxyConfig{
		Credentials: in.Credentials,
		CA:          ProxyCertificate{Cert: in.CACert, Key: in.CAKey},
	}
	return def, proxy, nil
}

func allowedUpdates(u *domain.RepositoryUpdate) []AllowedUpdate {
	if len(u.Allow) == 0 {
		return []AllowedUpdate{{DependencyType: "direct", UpdateType: "all"}}
	}
	out := make([]AllowedUpdate, 0, len(u.Allow))
	for _, a := range u.Allow {
		out = append(out, AllowedUpdate{
			DependencyName: a.DependencyName,
			DependencyType: a.DependencyType,
			UpdateType:     "all",
		})
	}
	return out
}

func ignoreConditions(u *domain.RepositoryUpdate, now func() time.Time) []IgnoreCondition {
	out := make([]IgnoreCondition, 0, len(u.Ignore))
	for _, ig := range u.Ignore {
		cond := IgnoreCondition{
			DependencyName: ig.DependencyName,
			Versions:       ig.Versions,
			UpdateTypes:    ig.UpdateTypes,
			Source:         ig.Source,
		}
		if cond.Source == "" {
			cond.Source = "dependabot.yml"
		}
		if ig.UpdatedAt != nil {
			cond.UpdatedAt = ig.UpdatedAt.UTC().Format(time.RFC3339)
		} else {
			cond.UpdatedAt = now().UTC().Format(time.RFC3339)
		}
		out = append(out, cond)
	}
	return out
}

func dependencyGroups(u *domain.RepositoryUpdate) []DependencyGroup {
	if len(u.Groups) == 0 {
		return nil
	}
	out := make([]DependencyGroup, 0, len(u.Groups))
	for name, g := range u.Groups {
		patterns := g.Patterns
		if len(patterns) == 0 {
			patterns = []string{"*"}
		}
		rules := map[string]any{"patterns": patterns}
		if g.DependencyType != "" {
			rules["dependency-type"] = g.DependencyType
		}
		if len(g.ExcludePatterns) > 0 {
			rules["exclude-patterns"] = g.ExcludePatterns
		}
		if len(g.UpdateTypes) > 0 {
			rules["update-types"] = g.UpdateTypes
		}
		out = append(out, DependencyGroup{Name: name, AppliesTo: g.AppliesTo, Rules: rules})
	}
	return out
}
