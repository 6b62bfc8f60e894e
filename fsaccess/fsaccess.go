// Package fsaccess serves the agent's file requests from the local disk,
// subject to the hidden and read-only globs of the configuration.
package fsaccess

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/config"
	"github.com/m4xw311/agentdeck/errors"
)

// Errors returned by Local match these with errors.Is.
var (
	ErrNotFound         = fs.ErrNotExist
	ErrPermissionDenied = fs.ErrPermission
)

const defaultMaxSize = 10 << 20

type Option func(*Local)

// WithMaxSize caps the size of files that can be read.
func WithMaxSize(n int64) Option {
	return func(l *Local) { l.maxSize = n }
}

// Local reads and writes files on this machine. Relative paths are resolved
// against the cwd of the session that asked.
type Local struct {
	access  config.FilesystemAccess
	maxSize int64
}

func NewLocal(access config.FilesystemAccess, opts ...Option) *Local {
	l := &Local{access: access, maxSize: defaultMaxSize}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ReadTextFile returns the file content, or the window of it selected by
// the 1-based line and the limit on the number of lines, along with the
// line count of the whole file.
func (l *Local) ReadTextFile(ctx context.Context, cwd string, req acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if err := ctx.Err(); err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	path, rel, err := resolve(cwd, req.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	if req.Line != nil && *req.Line < 1 {
		return acp.ReadTextFileResponse{}, acp.NewInvalidParams("line must be at least 1")
	}
	if req.Limit != nil && *req.Limit < 0 {
		return acp.ReadTextFileResponse{}, acp.NewInvalidParams("limit must not be negative")
	}
	if err := l.check(path, rel, l.access.Hidden, "hidden"); err != nil {
		return acp.ReadTextFileResponse{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return acp.ReadTextFileResponse{}, errors.Wrapf(err, "failed to read file '%s'", req.Path)
	}
	if info.IsDir() {
		return acp.ReadTextFileResponse{}, acp.NewInvalidParams(req.Path + " is a directory")
	}
	if info.Size() > l.maxSize {
		return acp.ReadTextFileResponse{}, errors.New("file '%s' is %d bytes, over the %d byte limit", req.Path, info.Size(), l.maxSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return acp.ReadTextFileResponse{}, errors.Wrapf(err, "failed to read file '%s'", req.Path)
	}
	text := string(content)
	return acp.ReadTextFileResponse{
		Content:    window(text, req.Line, req.Limit),
		TotalLines: acp.Ptr(countLines(text)),
	}, nil
}

// WriteTextFile replaces the file, creating missing parent directories.
func (l *Local) WriteTextFile(ctx context.Context, cwd string, req acp.WriteTextFileRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, rel, err := resolve(cwd, req.Path)
	if err != nil {
		return err
	}
	if err := l.check(path, rel, l.access.Hidden, "hidden"); err != nil {
		return err
	}
	if err := l.check(path, rel, l.access.ReadOnly, "read-only"); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for '%s'", req.Path)
	}
	if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write to file '%s'", req.Path)
	}
	return nil
}

func (l *Local) check(path, rel string, patterns []string, what string) error {
	restricted, err := isPathRestricted(path, rel, patterns)
	if err != nil {
		return err
	}
	if restricted {
		return errors.Wrapf(ErrPermissionDenied, "access denied: path '%s' is %s", path, what)
	}
	return nil
}

// resolve returns the absolute path and, when it lies under cwd, the path
// relative to cwd.
func resolve(cwd, path string) (abs, rel string, err error) {
	if path == "" {
		return "", "", acp.NewInvalidParams("path is required")
	}
	if strings.ContainsRune(path, 0) {
		return "", "", acp.NewInvalidParams("path contains a NUL byte")
	}
	abs = path
	if !filepath.IsAbs(abs) {
		if cwd == "" {
			return "", "", acp.NewInvalidParams("relative path without a session cwd")
		}
		abs = filepath.Join(cwd, abs)
	}
	abs = filepath.Clean(abs)
	if cwd != "" {
		if r, err := filepath.Rel(cwd, abs); err == nil && r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			rel = r
		}
	}
	return abs, rel, nil
}

// isPathRestricted checks the absolute path, and the cwd-relative one when
// there is one, against the glob patterns.
func isPathRestricted(abs, rel string, patterns []string) (bool, error) {
	candidates := []string{filepath.ToSlash(abs)}
	if rel != "" {
		candidates = append(candidates, filepath.ToSlash(rel))
	}
	for _, pattern := range patterns {
		for _, c := range candidates {
			match, err := doublestar.Match(pattern, c)
			if err != nil {
				return false, errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
			}
			if match {
				return true, nil
			}
		}
	}
	return false, nil
}

func window(content string, line, limit *int) string {
	if line == nil && limit == nil {
		return content
	}
	lines := strings.SplitAfter(content, "\n")
	start := 0
	if line != nil {
		start = *line - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit != nil && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "")
}

// countLines counts a final line without a trailing newline.
func countLines(content string) int {
	n := strings.Count(content, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		n++
	}
	return n
}
