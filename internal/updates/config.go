package updates

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/splax/depwatch/internal/domain"
)

// CandidatePaths are the config file locations probed in order during
// synchronization. The first existing file wins.
var CandidatePaths = []string{
	".azuredevops/dependabot.yml",
	".azuredevops/dependabot.yaml",
	".github/dependabot.yml",
	".github/dependabot.yaml",
}

// Config is the parsed contents of a repository's update configuration file.
type Config struct {
	Version    int                        `yaml:"version"`
	Updates    []configUpdate             `yaml:"updates"`
	Registries map[string]domain.Registry `yaml:"registries"`
}

type configUpdate struct {
	PackageEcosystem string   `yaml:"package-ecosystem"`
	Directory        string   `yaml:"directory"`
	Directories      []string `yaml:"directories"`

	Schedule struct {
		Interval string `yaml:"interval"`
		Day      string `yaml:"day"`
		Time     string `yaml:"time"`
		Timezone string `yaml:"timezone"`
		Cronjob  string `yaml:"cronjob"`
	} `yaml:"schedule"`

	OpenPullRequestsLimit *int `yaml:"open-pull-requests-limit"`

	Allow []struct {
		DependencyName string `yaml:"dependency-name"`
		DependencyType string `yaml:"dependency-type"`
	} `yaml:"allow"`
	Ignore []struct {
		DependencyName string   `yaml:"dependency-name"`
		Versions       []string `yaml:"versions"`
		UpdateTypes    []string `yaml:"update-types"`
	} `yaml:"ignore"`
	Groups map[string]struct {
		AppliesTo       string   `yaml:"applies-to"`
		DependencyType  string   `yaml:"dependency-type"`
		Patterns        []string `yaml:"patterns"`
		ExcludePatterns []string `yaml:"exclude-patterns"`
		UpdateTypes     []string `yaml:"update-types"`
	} `yaml:"groups"`

	Registries []string `yaml:"registries"`
	Labels     []string `yaml:"labels"`

	Milestone                     *int   `yaml:"milestone"`
	RebaseStrategy                string `yaml:"rebase-strategy"`
	TargetBranch                  string `yaml:"target-branch"`
	Vendor                        bool   `yaml:"vendor"`
	VersioningStrategy            string `yaml:"versioning-strategy"`
	InsecureExternalCodeExecution string `yaml:"insecure-external-code-execution"`
	CommitMessage                 *struct {
		Prefix            string `yaml:"prefix"`
		PrefixDevelopment string `yaml:"prefix-development"`
		Include           string `yaml:"include"`
	} `yaml:"commit-message"`
}

var validIntervals = map[string]bool{
	"daily":   true,
	"weekly":  true,
	"monthly": true,
}

// Parse deserializes and validates an update configuration file, returning
// the update list and registry declarations ready for storage.
func Parse(contents []byte) ([]domain.RepositoryUpdate, map[string]domain.Registry, error) {
	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Version != 2 {
		return nil, nil, fmt.Errorf("unsupported config version %d, only version 2 is supported", cfg.Version)
	}
	if len(cfg.Updates) == 0 {
		return nil, nil, fmt.Errorf("config declares no updates")
	}

	updates := make([]domain.RepositoryUpdate, 0, len(cfg.Updates))
	for i, cu := range cfg.Updates {
		u, err := cu.toDomain()
		if err != nil {
			return nil, nil, fmt.Errorf("updates[%d]: %w", i, err)
		}
		for _, name := range u.Registries {
			if _, ok := cfg.Registries[name]; !ok {
				return nil, nil, fmt.Errorf("updates[%d]: unknown registry %q", i, name)
			}
		}
		updates = append(updates, u)
	}

	for name, reg := range cfg.Registries {
		if reg.Type == "" {
			return nil, nil, fmt.Errorf("registries[%s]: missing type", name)
		}
	}
	return updates, cfg.Registries, nil
}

func (cu configUpdate) toDomain() (domain.RepositoryUpdate, error) {
	var u domain.RepositoryUpdate
	if cu.PackageEcosystem == "" {
		return u, fmt.Errorf("missing package-ecosystem")
	}
	if cu.Directory == "" && len(cu.Directories) == 0 {
		return u, fmt.Errorf("missing directory or directories")
	}

	sched := cu.Schedule
	if sched.Cronjob == "" {
		if !validIntervals[sched.Interval] {
			return u, fmt.Errorf("invalid schedule interval %q", sched.Interval)
		}
		if sched.Time != "" {
			if _, err := time.Parse("15:04", sched.Time); err != nil {
				return u, fmt.Errorf("invalid schedule time %q", sched.Time)
			}
		}
		if sched.Timezone != "" {
			if _, err := time.LoadLocation(sched.Timezone); err != nil {
				return u, fmt.Errorf("invalid schedule timezone %q", sched.Timezone)
			}
		}
	}

	if s := cu.VersioningStrategy; s != "" {
		if _, err := MapVersioningStrategy(s); err != nil {
			return u, err
		}
	}

	u = domain.RepositoryUpdate{
		PackageEcosystem: cu.PackageEcosystem,
		Directory:        cu.Directory,
		Directories:      cu.Directories,
		Schedule: domain.UpdateSchedule{
			Interval: sched.Interval,
			Day:      sched.Day,
			Time:     sched.Time,
			Timezone: sched.Timezone,
			Cronjob:  sched.Cronjob,
		},
		OpenPullRequestsLimit:         cu.OpenPullRequestsLimit,
		Registries:                    cu.Registries,
		Labels:                        cu.Labels,
		Milestone:                     cu.Milestone,
		RebaseStrategy:                cu.RebaseStrategy,
		TargetBranch:                  cu.TargetBranch,
		Vendor:                        cu.Vendor,
		VersioningStrategy:            strings.TrimSpace(cu.VersioningStrategy),
		InsecureExternalCodeExecution: cu.InsecureExternalCodeExecution,
	}
	for _, a := range cu.Allow {
		u.Allow = append(u.Allow, domain.AllowCondition{
			DependencyName: a.DependencyName,
			DependencyType: a.DependencyType,
		})
	}
	for _, ig := range cu.Ignore {
		u.Ignore = append(u.Ignore, domain.IgnoreCondition{
			DependencyName: ig.DependencyName,
			Versions:       ig.Versions,
			UpdateTypes:    ig.UpdateTypes,
		})
	}
	if len(cu.Groups) > 0 {
		u.Groups = make(map[string]domain.GroupRule, len(cu.Groups))
		for name, g := range cu.Groups {
			u.Groups[name] = domain.GroupRule{
				AppliesTo:       g.AppliesTo,
				DependencyType:  g.DependencyType,
				Patterns:        g.Patterns,
				ExcludePatterns: g.ExcludePatterns,
				UpdateTypes:     g.UpdateTypes,
			}
		}
	}
	if cm := cu.CommitMessage; cm != nil {
		u.CommitMessage = &domain.CommitMessageOptions{
			Prefix:            cm.Prefix,
			PrefixDevelopment: cm.PrefixDevelopment,
			Include:           cm.Include,
		}
	}
	return u, nil
}

// MapVersioningStrategy translates a config versioning-strategy value to the
// updater's vocabulary. Unknown values are a hard configuration error.
func MapVersioningStrategy(value string) (string, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "":
		return "", nil
	case "auto":
		return "none", nil
	case "increase":
		return "bump_versions", nil
	case "increase-if-necessary":
		return "bump_versions_if_necessary", nil
	case "lockfile-only":
		return "lockfile_only", nil
	case "widen":
		return "widen_ranges", nil
	default:
		return "", fmt.Errorf("unknown versioning-strategy %q", value)
	}
}
