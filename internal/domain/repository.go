package domain

import "time"

// Repository is one source repository under a Project, tracked because it
// carries a valid update configuration file.
type Repository struct {
	ID         string
	ProjectID  string
	ProviderID string
	Name       string
	Slug       string

	ConfigPath     string
	ConfigContents string
	LatestCommit   string

	// SyncException holds the parse/validation failure from the most recent
	// synchronization, empty when the stored config is valid.
	SyncException string

	Updates    []RepositoryUpdate
	Registries map[string]Registry

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasValidConfig reports whether the repository's updates may be scheduled.
func (r *Repository) HasValidConfig() bool {
	return r.SyncException == "" && len(r.Updates) > 0
}

// RepositoryUpdate is one update directive from the repository's config file.
// It is identified by its positional index within the Repository; the whole
// list is replaced wholesale on every config change.
type RepositoryUpdate struct {
	PackageEcosystem string   `json:"package-ecosystem"`
	Directory        string   `json:"directory,omitempty"`
	Directories      []string `json:"directories,omitempty"`

	Schedule UpdateSchedule `json:"schedule"`

	OpenPullRequestsLimit *int `json:"open-pull-requests-limit,omitempty"`

	Allow  []AllowCondition     `json:"allow,omitempty"`
	Ignore []IgnoreCondition    `json:"ignore,omitempty"`
	Groups map[string]GroupRule `json:"groups,omitempty"`

	Registries []string `json:"registries,omitempty"`
	Labels     []string `json:"labels,omitempty"`

	Milestone                     *int                  `json:"milestone,omitempty"`
	RebaseStrategy                string                `json:"rebase-strategy,omitempty"`
	TargetBranch                  string                `json:"target-branch,omitempty"`
	Vendor                        bool                  `json:"vendor,omitempty"`
	VersioningStrategy            string                `json:"versioning-strategy,omitempty"`
	InsecureExternalCodeExecution string                `json:"insecure-external-code-execution,omitempty"`
	CommitMessage                 *CommitMessageOptions `json:"commit-message,omitempty"`

	// LatestUpdate is when a job for this update last ran; nil until the
	// first run after the config was (re)parsed.
	LatestUpdate    *time.Time      `json:"latest-update,omitempty"`
	LatestJobID     string          `json:"latest-job-id,omitempty"`
	LatestJobStatus UpdateJobStatus `json:"latest-job-status,omitempty"`
}

// EffectiveDirectories returns the configured directories, falling back to the
// single directory form.
func (u *RepositoryUpdate) EffectiveDirectories() []string {
	if len(u.Directories) > 0 {
		return u.Directories
	}
	if u.Directory != "" {
		return []string{u.Directory}
	}
	return nil
}

// UpdateSchedule describes when an update should run.
type UpdateSchedule struct {
	Interval string `json:"interval"`
	Day      string `json:"day,omitempty"`
	Time     string `json:"time,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Cronjob  string `json:"cronjob,omitempty"`
}

// AllowCondition widens the set of dependencies an update may touch.
type AllowCondition struct {
	DependencyName string `json:"dependency-name,omitempty"`
	DependencyType string `json:"dependency-type,omitempty"`
}

// IgnoreCondition excludes dependencies or versions from an update.
type IgnoreCondition struct {
	DependencyName string     `json:"dependency-name,omitempty"`
	Versions       []string   `json:"versions,omitempty"`
	UpdateTypes    []string   `json:"update-types,omitempty"`
	Source         string     `json:"source,omitempty"`
	UpdatedAt      *time.Time `json:"updated-at,omitempty"`
}

// GroupRule collects dependencies into one grouped pull request.
type GroupRule struct {
	AppliesTo       string   `json:"applies-to,omitempty"`
	DependencyType  string   `json:"dependency-type,omitempty"`
	Patterns        []string `json:"patterns,omitempty"`
	ExcludePatterns []string `json:"exclude-patterns,omitempty"`
	UpdateTypes     []string `json:"update-types,omitempty"`
}

// CommitMessageOptions customizes generated commit messages.
type CommitMessageOptions struct {
	Prefix            string `json:"prefix,omitempty"`
	PrefixDevelopment string `json:"prefix-development,omitempty"`
	Include           string `json:"include,omitempty"`
}

// Registry is a private package registry declaration from the config file.
type Registry struct {
	Type                 string `json:"type" yaml:"type"`
	URL                  string `json:"url,omitempty" yaml:"url"`
	Username             string `json:"username,omitempty" yaml:"username"`
	Password             string `json:"password,omitempty" yaml:"password"`
	Key                  string `json:"key,omitempty" yaml:"key"`
	Token                string `json:"token,omitempty" yaml:"token"`
	Organization         string `json:"organization,omitempty" yaml:"organization"`
	Repo                 string `json:"repo,omitempty" yaml:"repo"`
	AuthKey              string `json:"auth-key,omitempty" yaml:"auth-key"`
	PublicKeyFingerprint string `json:"public-key-fingerprint,omitempty" yaml:"public-key-fingerprint"`
	ReplacesBase         bool   `json:"replaces-base,omitempty" yaml:"replaces-base"`
}
