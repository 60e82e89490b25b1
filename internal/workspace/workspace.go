// Package workspace implements the Workspace Manager (C3): per-build
// working directories, shallow source checkout, and in-repo pipeline file
// detection.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/chengis-ci/chengis/internal/pipeline"
	"github.com/chengis-ci/chengis/internal/pipeline/chengisfile"
	"github.com/chengis-ci/chengis/internal/pipeline/yamlfmt"
)

// candidateFiles is checked in order; the first one present wins.
var candidateFiles = []string{
	"Chengisfile",
	filepath.Join(".chengis", "workflow.yaml"),
	filepath.Join(".chengis", "workflow.yml"),
	"chengis.yaml",
	"chengis.yml",
}

// maxInRepoFileSize is the §4.3/§6 size cap for any in-repo pipeline file.
const maxInRepoFileSize = 1 << 20

// Manager creates, populates, and tears down per-build directories.
type Manager struct {
	root   string
	logger *zap.Logger
}

// NewManager constructs a Manager rooted at root (Config.WorkspaceRoot).
func NewManager(root string, logger *zap.Logger) *Manager {
	return &Manager{root: root, logger: logger}
}

// Workspace is a prepared, job-scoped, build-scoped directory.
type Workspace struct {
	Dir string
}

// Prepare creates workspace-root/<job>/<build-id>/, optionally performs a
// shallow checkout when source is set, and returns the workspace together
// with any in-repo pipeline it finds (nil when none is present).
func (m *Manager) Prepare(ctx context.Context, jobName, buildID string, source *pipeline.Source) (*Workspace, *pipeline.Pipeline, error) {
	dir := filepath.Join(m.root, jobName, buildID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, nil, fmt.Errorf("workspace: create dir: %w", err)
	}
	ws := &Workspace{Dir: dir}

	if source != nil && source.URL != "" {
		if err := m.checkout(ctx, dir, source); err != nil {
			return ws, nil, fmt.Errorf("workspace: checkout: %w", err)
		}
	}

	found, err := m.detectPipeline(dir)
	if err != nil {
		return ws, nil, err
	}
	return ws, found, nil
}

// checkout performs a shallow git clone of source into dir.
func (m *Manager) checkout(ctx context.Context, dir string, source *pipeline.Source) error {
	depth := source.Depth
	if depth <= 0 {
		depth = 1
	}
	args := []string{"clone", "--depth", strconv.Itoa(depth)}
	if source.Branch != "" {
		args = append(args, "--branch", source.Branch)
	}
	args = append(args, source.URL, dir)

	cmd := exec.CommandContext(ctx, "git", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if m.logger != nil {
			m.logger.Error("workspace checkout failed", zap.Error(err), zap.ByteString("output", out))
		}
		return fmt.Errorf("git clone: %w: %s", err, string(out))
	}
	return nil
}

// detectPipeline looks for an in-repo pipeline file and parses it,
// returning nil (not an error) when none is present.
func (m *Manager) detectPipeline(dir string) (*pipeline.Pipeline, error) {
	for _, rel := range candidateFiles {
		path := filepath.Join(dir, rel)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.Size() > maxInRepoFileSize {
			return nil, fmt.Errorf("workspace: in-repo pipeline file %s exceeds %d byte limit", rel, maxInRepoFileSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("workspace: read %s: %w", rel, err)
		}
		if filepath.Base(rel) == "Chengisfile" {
			return chengisfile.Parse(data)
		}
		return yamlfmt.Parse(data)
	}
	return nil, nil
}

// Cleanup removes the workspace directory unless retain is true.
func (m *Manager) Cleanup(ws *Workspace, retain bool) error {
	if ws == nil || retain {
		return nil
	}
	return os.RemoveAll(ws.Dir)
}
