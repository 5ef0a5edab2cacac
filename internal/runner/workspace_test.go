package runner

import (
	"os"
	"path/filepath"
	"testing"
)

func TestContainerPathRewriting(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), "/mnt/depwatch/jobs")
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}

	paths, err := ws.Paths("depwatch-job-abc")
	if err != nil {
		t.Fatalf("Paths: %v", err)
	}
	if got, want := paths.ContainerRoot, "/mnt/depwatch/jobs/depwatch-job-abc"; got != want {
		t.Errorf("ContainerRoot = %q, want %q", got, want)
	}
	if got, want := paths.ContainerJobFile, "/mnt/depwatch/jobs/depwatch-job-abc/update/job.json"; got != want {
		t.Errorf("ContainerJobFile = %q, want %q", got, want)
	}
	if got, want := paths.ContainerOutputDir, "/mnt/depwatch/jobs/depwatch-job-abc/update/output"; got != want {
		t.Errorf("ContainerOutputDir = %q, want %q", got, want)
	}
}

func TestContainerPathRejectsOutsideRoot(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), "/mnt/depwatch/jobs")
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	if _, err := ws.ContainerPath("/etc/passwd"); err == nil {
		t.Fatal("expected error for path outside the jobs directory")
	}
}

func TestPrepareReplacesLeftovers(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), "/mnt/depwatch/jobs")
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	paths, err := ws.Prepare("depwatch-job-abc")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	stale := filepath.Join(paths.OutputDir, "stale.json")
	if err := os.WriteFile(stale, []byte("{}"), 0o600); err != nil {
		t.Fatalf("write stale file: %v", err)
	}

	if _, err := ws.Prepare("depwatch-job-abc"); err != nil {
		t.Fatalf("Prepare again: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale artifact survived Prepare")
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), "/mnt/depwatch/jobs")
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	paths, err := ws.Prepare("depwatch-job-abc")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := ws.Cleanup("depwatch-job-abc"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(paths.Root); !os.IsNotExist(err) {
		t.Fatal("job directory still exists after Cleanup")
	}
	if err := ws.Cleanup("depwatch-job-abc"); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
}
