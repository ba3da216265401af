package executor

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"pipelines/internal/workflow"
)

// Workspace is an isolated per-instance directory tree.
// Dir holds the source copy; MetaDir holds executor bookkeeping.
type Workspace struct {
	Root    string
	Dir     string
	MetaDir string
}

// Workspaces prepares instance workspaces from a source checkout.
type Workspaces struct {
	SourceDir string            // copied into every workspace; empty starts empty
	BaseDir   string            // parent for workspaces; empty uses os.TempDir
	Secrets   map[string]string // secret values for credentials files
}

// Prepare copies the source tree into a fresh workspace and writes the
// instance's credentials files into it.
func (p *Workspaces) Prepare(creds []workflow.Credential) (*Workspace, error) {
	root, err := os.MkdirTemp(p.BaseDir, "pipeline-ws-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	ws := &Workspace{
		Root:    root,
		Dir:     filepath.Join(root, "src"),
		MetaDir: filepath.Join(root, "meta"),
	}

	if p.SourceDir != "" {
		if err := os.CopyFS(ws.Dir, os.DirFS(p.SourceDir)); err != nil {
			ws.Remove()
			return nil, fmt.Errorf("failed to copy source %s: %w", p.SourceDir, err)
		}
	} else if err := os.MkdirAll(ws.Dir, 0o755); err != nil {
		ws.Remove()
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	if err := os.MkdirAll(ws.MetaDir, 0o755); err != nil {
		ws.Remove()
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	for _, c := range creds {
		if err := WriteCredentials(ws.Dir, c, p.Secrets); err != nil {
			ws.Remove()
			return nil, err
		}
	}
	return ws, nil
}

// Remove deletes the workspace. Errors are logged, not returned.
func (w *Workspace) Remove() {
	if err := os.RemoveAll(w.Root); err != nil {
		slog.Warn("Failed to remove workspace", "path", w.Root, "error", err)
	}
}
