package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

// FileBackend serves file:// locators confined to a configured root set.
// Every locator is canonicalized (symlinks resolved, ".." collapsed)
// before any predicate runs, so traversal decisions never depend on
// whether the target exists.
type FileBackend struct {
	roots []string
}

// NewFileBackend creates a backend over the given roots. Roots are
// canonicalized once at construction; a root that cannot be resolved is
// kept verbatim so a later mount still works.
func NewFileBackend(roots []string) *FileBackend {
	canon := make([]string, 0, len(roots))
	for _, r := range roots {
		r = filepath.Clean(r)
		if resolved, err := filepath.EvalSymlinks(r); err == nil {
			r = resolved
		}
		canon = append(canon, r)
	}
	return &FileBackend{roots: canon}
}

// Scheme returns "file".
func (b *FileBackend) Scheme() string { return "file" }

// Resolve canonicalizes a file:// locator and confines it to the root
// set. Returns the absolute filesystem path.
func (b *FileBackend) Resolve(locator string) (string, error) {
	_, rest, err := SplitLocator(locator)
	if err != nil {
		return "", err
	}
	// file:///a/b arrives as rest="/a/b"; normalize separators so
	// windows-style submissions do not slip past the root check.
	rest = strings.ReplaceAll(rest, "\\", "/")
	if rest == "" {
		return "", domain.Codef(domain.CodeInvalidPath, domain.ErrInvalidArgument,
			"op=file.Resolve: empty path")
	}
	if err := ValidateFilename(filepath.Base(rest)); err != nil {
		return "", err
	}

	p := filepath.Clean(filepath.FromSlash(rest))
	// Resolve symlinks on the deepest existing ancestor so "dir/../../x"
	// and symlinked escapes are judged on the real path.
	resolved := canonicalize(p)

	for _, root := range b.roots {
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", domain.Codef(domain.CodePathOutOfScope, domain.ErrInvalidArgument,
		"op=file.Resolve: path escapes storage roots")
}

// canonicalize resolves symlinks on the longest existing prefix of p and
// rejoins the remainder. The target itself may not exist yet (outputs).
func canonicalize(p string) string {
	dir, rest := p, ""
	for {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return p
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}

// ValidateFilename accepts Unicode letters and digits plus "-", "_" and
// ".". Control bytes and other separators are rejected.
func ValidateFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		return domain.Codef(domain.CodeInvalidPath, domain.ErrInvalidArgument,
			"op=storage.ValidateFilename: empty or relative name")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return domain.Codef(domain.CodeInvalidPath, domain.ErrInvalidArgument,
				"op=storage.ValidateFilename: control character in name")
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' {
			continue
		}
		return domain.Codef(domain.CodeInvalidPath, domain.ErrInvalidArgument,
			"op=storage.ValidateFilename: character %q not allowed", r)
	}
	return nil
}

// Stat reports size and mtime of the locator's target.
func (b *FileBackend) Stat(ctx context.Context, locator string) (domain.StatInfo, error) {
	p, err := b.Resolve(locator)
	if err != nil {
		return domain.StatInfo{}, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.StatInfo{}, errNotFound("file.Stat", locator)
	}
	if err != nil {
		return domain.StatInfo{}, domain.Codef(domain.CodeStorageUnavailable, domain.ErrInternal,
			"op=file.Stat: %v", err)
	}
	return domain.StatInfo{Size: info.Size(), MTime: info.ModTime()}, nil
}

// OpenRead opens the locator's target for streaming.
func (b *FileBackend) OpenRead(ctx context.Context, locator string) (io.ReadCloser, error) {
	p, err := b.Resolve(locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errNotFound("file.OpenRead", locator)
	}
	if err != nil {
		return nil, domain.Codef(domain.CodeStorageUnavailable, domain.ErrInternal,
			"op=file.OpenRead: %v", err)
	}
	return f, nil
}

// OpenWrite creates the locator's target exclusively. An existing target
// is a first-class conflict, never a silently clobbered file.
func (b *FileBackend) OpenWrite(ctx context.Context, locator string) (io.WriteCloser, error) {
	p, err := b.Resolve(locator)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, domain.Codef(domain.CodeStorageUnavailable, domain.ErrInternal,
			"op=file.OpenWrite: mkdir: %v", err)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil, domain.Codef(domain.CodeStorageConflict, domain.ErrStorageConflict,
			"op=file.OpenWrite: target exists")
	}
	if err != nil {
		return nil, domain.Codef(domain.CodeStorageUnavailable, domain.ErrInternal,
			"op=file.OpenWrite: %v", err)
	}
	return f, nil
}

// Exists reports whether the target exists. Advisory only; never used as
// a TOCTOU gate.
func (b *FileBackend) Exists(ctx context.Context, locator string) (bool, error) {
	_, err := b.Stat(ctx, locator)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return false, err
}

var _ domain.Storage = (*FileBackend)(nil)
