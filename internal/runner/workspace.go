package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// JobPaths are the artifact locations of one job, both as the orchestrator
// sees them on the host and as the updater sees them inside its mount.
type JobPaths struct {
	Root       string
	JobFile    string
	OutputDir  string
	CACertFile string

	ProxyDir  string
	ProxyFile string

	ContainerRoot      string
	ContainerJobFile   string
	ContainerOutputDir string
}

// Workspace owns per-job artifact directories under a shared root. The root
// is bind-mounted into updater containers at a different path, so every path
// handed to a container must be rewritten first.
type Workspace struct {
	hostRoot      string
	containerRoot string
}

// NewWorkspace ensures the host root exists.
func NewWorkspace(hostRoot, containerRoot string) (*Workspace, error) {
	if hostRoot == "" {
		return nil, fmt.Errorf("jobs directory cannot be empty")
	}
	if containerRoot == "" {
		return nil, fmt.Errorf("container jobs directory cannot be empty")
	}
	if err := os.MkdirAll(hostRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs directory: %w", err)
	}
	return &Workspace{hostRoot: hostRoot, containerRoot: containerRoot}, nil
}

// Paths computes the artifact locations for a job resource name without
// touching the filesystem.
func (w *Workspace) Paths(name string) (JobPaths, error) {
	if name == "" {
		return JobPaths{}, fmt.Errorf("job resource name cannot be empty")
	}
	root := filepath.Join(w.hostRoot, name)
	jobFile := filepath.Join(root, "update", "job.json")
	outputDir := filepath.Join(root, "update", "output")

	containerRoot, err := w.ContainerPath(root)
	if err != nil {
		return JobPaths{}, err
	}
	containerJobFile, err := w.ContainerPath(jobFile)
	if err != nil {
		return JobPaths{}, err
	}
	containerOutputDir, err := w.ContainerPath(outputDir)
	if err != nil {
		return JobPaths{}, err
	}

	return JobPaths{
		Root:       root,
		JobFile:    jobFile,
		OutputDir:  outputDir,
		CACertFile: filepath.Join(root, "ca.crt"),

		ProxyDir:  filepath.Join(root, "proxy"),
		ProxyFile: filepath.Join(root, "proxy", "config.json"),

		ContainerRoot:      containerRoot,
		ContainerJobFile:   containerJobFile,
		ContainerOutputDir: containerOutputDir,
	}, nil
}

// Prepare creates the job's artifact directories, replacing any leftovers
// from a previous attempt.
func (w *Workspace) Prepare(name string) (JobPaths, error) {
	paths, err := w.Paths(name)
	if err != nil {
		return JobPaths{}, err
	}
	if err := os.RemoveAll(paths.Root); err != nil {
		return JobPaths{}, fmt.Errorf("cleanup job directory: %w", err)
	}
	for _, dir := range []string{filepath.Dir(paths.JobFile), paths.OutputDir, paths.ProxyDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return JobPaths{}, fmt.Errorf("create job directory: %w", err)
		}
	}
	return paths, nil
}

// Cleanup removes the job's artifact directories. Calling it again after the
// directories are gone is not an error.
func (w *Workspace) Cleanup(name string) error {
	paths, err := w.Paths(name)
	if err != nil {
		return err
	}
	// Only remove directories within the configured root.
	rel, err := filepath.Rel(w.hostRoot, paths.Root)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside jobs directory")
	}
	return os.RemoveAll(paths.Root)
}

// PersistLogs writes collected job logs outside the job's scratch directory
// so they survive cleanup, returning the file path.
func (w *Workspace) PersistLogs(name, contents string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("job resource name cannot be empty")
	}
	dir := filepath.Join(w.hostRoot, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create logs directory: %w", err)
	}
	path := filepath.Join(dir, name+".log")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return "", fmt.Errorf("write logs: %w", err)
	}
	return path, nil
}

// PersistFlameGraph moves the updater's flame graph, when one was produced,
// out of the scratch directory. Returns an empty path when the updater did
// not write one.
func (w *Workspace) PersistFlameGraph(name string) (string, error) {
	paths, err := w.Paths(name)
	if err != nil {
		return "", err
	}
	source := filepath.Join(paths.OutputDir, "flamegraph.html")
	if _, err := os.Stat(source); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("stat flame graph: %w", err)
	}
	dir := filepath.Join(w.hostRoot, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create logs directory: %w", err)
	}
	dest := filepath.Join(dir, name+"-flamegraph.html")
	data, err := os.ReadFile(source)
	if err != nil {
		return "", fmt.Errorf("read flame graph: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("write flame graph: %w", err)
	}
	return dest, nil
}

// ContainerPath rewrites a host path under the workspace root into the path
// the updater container sees through its mount.
func (w *Workspace) ContainerPath(hostPath string) (string, error) {
	rel, err := filepath.Rel(w.hostRoot, hostPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the jobs directory", hostPath)
	}
	if rel == "." {
		return w.containerRoot, nil
	}
	return filepath.Join(w.containerRoot, rel), nil
}
