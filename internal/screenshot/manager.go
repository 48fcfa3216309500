// Package screenshot manages run screenshot artifacts: copying worker output
// into per-run directories with collision-free naming, and purging expired
// directories once their runs are terminal.
package screenshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/jonathan/job-autopilot/internal/types"
)

// runIDPattern is the only shape a run id may take inside a filesystem path.
var runIDPattern = regexp.MustCompile(`^[0-9a-fA-F-]{8,}$`)

// fileNamePattern is the allow-list for stored artifact names.
var fileNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// allowedExtensions maps stored artifact extensions to their content types.
var allowedExtensions = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
}

// AllowedExtension reports whether ext (with leading dot, any case) is a
// permitted artifact extension, and its content type.
func AllowedExtension(ext string) (string, bool) {
	contentType, ok := allowedExtensions[strings.ToLower(ext)]
	return contentType, ok
}

// RunStatusReader is the slice of the run store the purge pass needs.
type RunStatusReader interface {
	GetRun(ctx context.Context, id uuid.UUID) (*types.AutomationRun, error)
}

// Manager stores screenshot artifacts under BaseDir/<runID>/.
type Manager struct {
	baseDir string
}

// NewManager creates a manager rooted at baseDir, creating it if needed.
func NewManager(baseDir string) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create screenshot dir %s: %w", baseDir, err)
	}
	return &Manager{baseDir: baseDir}, nil
}

// RunDir resolves the managed directory for a run. The id is validated, not
// escaped: anything outside the strict pattern is rejected.
func (m *Manager) RunDir(runID string) (string, error) {
	if !runIDPattern.MatchString(runID) {
		return "", fmt.Errorf("invalid run id for screenshot path: %q", runID)
	}
	return filepath.Join(m.baseDir, runID), nil
}

// ArtifactPath resolves a stored artifact by run id and recorded name,
// re-checking the name against the allow-list.
func (m *Manager) ArtifactPath(runID, name string) (string, error) {
	dir, err := m.RunDir(runID)
	if err != nil {
		return "", err
	}
	if !fileNamePattern.MatchString(name) {
		return "", fmt.Errorf("invalid screenshot name: %q", name)
	}
	if _, ok := AllowedExtension(filepath.Ext(name)); !ok {
		return "", fmt.Errorf("disallowed screenshot extension: %q", name)
	}
	return filepath.Join(dir, name), nil
}

// Collect copies each source file into the run's directory and returns the
// stored names in source order. Sources that cannot be read are skipped; an
// error is returned only when every copy failed, alongside whatever names
// were stored.
func (m *Manager) Collect(runID string, sources []string) ([]string, error) {
	if len(sources) == 0 {
		return nil, nil
	}

	dir, err := m.RunDir(runID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run dir: %w", err)
	}

	var names []string
	used := make(map[string]bool)
	var failures int
	for _, src := range sources {
		name := m.destName(src, used)
		if err := copyFile(src, filepath.Join(dir, name)); err != nil {
			log.Printf("[screenshot] run %s: skipping %s: %v", runID, src, err)
			failures++
			continue
		}
		used[name] = true
		names = append(names, name)
	}

	if failures == len(sources) {
		return names, fmt.Errorf("failed to copy any of %d screenshots", len(sources))
	}
	return names, nil
}

// destName picks a safe destination name: the source base name when it is
// clean, unique, and carries an allowed extension; otherwise a deterministic
// hash of the source path with an extension inferred from file content.
func (m *Manager) destName(src string, used map[string]bool) string {
	base := filepath.Base(src)
	if fileNamePattern.MatchString(base) && !used[base] {
		if _, ok := AllowedExtension(filepath.Ext(base)); ok {
			return base
		}
	}

	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:])[:16] + inferExtension(src)
}

// inferExtension sniffs the file content for an image type, falling back to
// the source extension when it is allowed, then to .png.
func inferExtension(src string) string {
	if detected, err := mimetype.DetectFile(src); err == nil {
		ext := detected.Extension()
		if _, ok := AllowedExtension(ext); ok {
			return ext
		}
	}
	if ext := strings.ToLower(filepath.Ext(src)); ext != "" {
		if _, ok := AllowedExtension(ext); ok {
			return ext
		}
	}
	return ".png"
}

// Purge removes screenshot directories for terminal runs older than the
// retention window. Directories for pending or running runs are never
// touched, regardless of age; unknown directories are left alone.
func (m *Manager) Purge(ctx context.Context, store RunStatusReader, retentionDays int) error {
	if retentionDays < types.MinRetentionDays {
		retentionDays = types.MinRetentionDays
	}
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return fmt.Errorf("failed to read screenshot dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runID, err := uuid.Parse(entry.Name())
		if err != nil {
			continue
		}

		run, err := store.GetRun(ctx, runID)
		if err != nil {
			log.Printf("[screenshot] purge: failed to load run %s: %v", runID, err)
			continue
		}
		if run == nil || !run.Status.IsTerminal() || run.CompletedAt == nil {
			continue
		}
		if run.CompletedAt.After(cutoff) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(m.baseDir, entry.Name())); err != nil {
			log.Printf("[screenshot] purge: failed to remove %s: %v", entry.Name(), err)
			continue
		}
		log.Printf("[screenshot] purged artifacts for run %s", runID)
	}
	return nil
}

// copyFile copies src to dst without removing the source; the worker process
// owns its own output files.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy: %w", err)
	}
	return out.Close()
}
