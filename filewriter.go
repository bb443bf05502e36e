package chorus

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileWriter persists #file tag content. Implementations ensure the parent
// directory exists and reject paths escaping their configured root.
type FileWriter interface {
	Write(path, content string) error
}

// LocalFileWriter writes files under a workspace root. Relative paths (and
// "./" forms) resolve against the root; absolute paths are re-rooted when
// they already point inside the root and rejected otherwise.
type LocalFileWriter struct {
	root string
}

// NewLocalFileWriter creates a writer rooted at dir.
func NewLocalFileWriter(dir string) *LocalFileWriter {
	return &LocalFileWriter{root: filepath.Clean(dir)}
}

// Write stores content at path, creating parent directories as needed.
// Content whose source lacked real newlines gets its paired escape
// sequences unescaped first.
func (w *LocalFileWriter) Write(path, content string) error {
	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	return os.WriteFile(resolved, []byte(UnescapeNewlines(content)), 0o644)
}

// resolve maps a tag path into the workspace and rejects escapes.
func (w *LocalFileWriter) resolve(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", fmt.Errorf("empty file path")
	}
	p = strings.TrimPrefix(p, "./")
	if filepath.IsAbs(p) {
		// Accept absolute paths already inside the workspace.
		rel, err := filepath.Rel(w.root, filepath.Clean(p))
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %q escapes workspace", path)
		}
		return filepath.Clean(p), nil
	}
	resolved := filepath.Clean(filepath.Join(w.root, p))
	rel, err := filepath.Rel(w.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace", path)
	}
	return resolved, nil
}

// UnescapeNewlines converts literal \r\n and \n escape pairs into real
// newlines, but only when the content has no real newlines at all — the
// model double-escaped the whole body.
func UnescapeNewlines(content string) string {
	if strings.Contains(content, "\n") {
		return content
	}
	if !strings.Contains(content, `\n`) {
		return content
	}
	out := strings.ReplaceAll(content, `\r\n`, "\n")
	return strings.ReplaceAll(out, `\n`, "\n")
}

// compile-time check
var _ FileWriter = (*LocalFileWriter)(nil)
