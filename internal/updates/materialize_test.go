package updates

import (
	"testing"
	"time"

	"github.com/splax/depwatch/internal/domain"
)

func testProject() *domain.Project {
	return &domain.Project{
		ID:       "prj_1",
		Provider: "azure",
		URL:      "https://dev.azure.com/acme/widgets",
		Name:     "widgets",
	}
}

func TestMaterializeDefaults(t *testing.T) {
	update := &domain.RepositoryUpdate{
		PackageEcosystem: "npm",
		Directory:        "/",
		Ignore: []domain.IgnoreCondition{
			{DependencyName: "left-pad"},
		},
		Groups: map[string]domain.GroupRule{
			"all": {},
		},
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	creds := []domain.Credential{{"type": "git_source", "host": "dev.azure.com", "password": "pat"}}

	def, proxy, err := Materialize(MaterializeInput{
		Project:     testProject(),
		Update:      update,
		RepoSlug:    "acme/widgets/_git/web",
		Credentials: creds,
		CACert:      "CERT",
		CAKey:       "KEY",
		Now:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	if def.PackageManager != "npm_and_yarn" {
		t.Fatalf("package manager = %q", def.PackageManager)
	}
	if len(def.AllowedUpdates) != 1 || def.AllowedUpdates[0].DependencyType != "direct" || def.AllowedUpdates[0].UpdateType != "all" {
		t.Fatalf("allowed updates = %+v", def.AllowedUpdates)
	}
	ig := def.IgnoreConditions[0]
	if ig.Source != "dependabot.yml" || ig.UpdatedAt != "2026-03-01T12:00:00Z" {
		t.Fatalf("ignore condition = %+v", ig)
	}
	group := def.DependencyGroups[0]
	patterns, _ := group.Rules["patterns"].([]string)
	if len(patterns) != 1 || patterns[0] != "*" {
		t.Fatalf("group rules = %v", group.Rules)
	}
	if def.MaxUpdaterRunTime != 2700 {
		t.Fatalf("max runtime = %d", def.MaxUpdaterRunTime)
	}
	if def.Source.Hostname != "dev.azure.com" || def.Source.Repo != "acme/widgets/_git/web" {
		t.Fatalf("source = %+v", def.Source)
	}
	if secret, ok := def.CredentialsMetadata[0]["password"]; ok {
		t.Fatalf("metadata leaked password %q", secret)
	}
	if proxy.Credentials[0]["password"] != "pat" {
		t.Fatal("proxy config lost the real credential")
	}
	if proxy.CA.Cert != "CERT" || proxy.CA.Key != "KEY" {
		t.Fatalf("proxy CA = %+v", proxy.CA)
	}
}

func TestMaterializeCommitMessageScope(t *testing.T) {
	update := &domain.RepositoryUpdate{
		PackageEcosystem: "nuget",
		Directory:        "/",
		CommitMessage:    &domain.CommitMessageOptions{Prefix: "deps", Include: " Scope "},
	}
	def, _, err := Materialize(MaterializeInput{Project: testProject(), Update: update, RepoSlug: "r"})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if def.CommitMessageOptions == nil || !def.CommitMessageOptions.IncludeScope {
		t.Fatalf("commit options = %+v", def.CommitMessageOptions)
	}

	update.CommitMessage.Include = "author"
	def, _, _ = Materialize(MaterializeInput{Project: testProject(), Update: update, RepoSlug: "r"})
	if def.CommitMessageOptions.IncludeScope {
		t.Fatal("non scope include value mapped to include-scope")
	}
}

func TestMaterializeExistingPullRequestBuckets(t *testing.T) {
	update := &domain.RepositoryUpdate{PackageEcosystem: "gomod", Directory: "/"}
	deps := []PullRequestDependency{{DependencyName: "golang.org/x/net", DependencyVersion: "0.30.0"}}

	def, _, err := Materialize(MaterializeInput{
		Project:  testProject(),
		Update:   update,
		RepoSlug: "r",
		ExistingPullRequests: []ExistingPullRequest{
			{Dependencies: deps},
			{GroupName: "gophers", Dependencies: deps},
		},
	})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(def.ExistingPullRequests) != 1 {
		t.Fatalf("ungrouped = %+v", def.ExistingPullRequests)
	}
	if len(def.ExistingGroupPullRequests) != 1 || def.ExistingGroupPullRequests[0].DependencyGroupName != "gophers" {
		t.Fatalf("grouped = %+v", def.ExistingGroupPullRequests)
	}
}

func TestMaterializeVersioningStrategy(t *testing.T) {
	update := &domain.RepositoryUpdate{
		PackageEcosystem:   "pip",
		Directory:          "/",
		VersioningStrategy: "lockfile-only",
	}
	def, _, err := Materialize(MaterializeInput{Project: testProject(), Update: update, RepoSlug: "r"})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if def.RequirementsUpdateStrategy != "lockfile_only" || !def.LockfileOnly {
		t.Fatalf("strategy = %q lockfile=%v", def.RequirementsUpdateStrategy, def.LockfileOnly)
	}

	update.VersioningStrategy = "nonsense"
	if _, _, err := Materialize(MaterializeInput{Project: testProject(), Update: update, RepoSlug: "r"}); err == nil {
		t.Fatal("unknown strategy accepted")
	}
}
