package security

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

func ParseCSV(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		s := strings.TrimSpace(r)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// NormalizeRoots resolves each root to a clean absolute path with symlinks
// evaluated. Every root must be an existing directory.
func NormalizeRoots(roots []string) ([]string, error) {
	if len(roots) == 0 {
		return nil, errors.New("allow roots required")
	}
	out := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		if st, err := os.Stat(abs); err != nil || !st.IsDir() {
			return nil, errors.New("invalid allow root: " + abs)
		}
		real, err := filepath.EvalSymlinks(abs)
		if err != nil {
			real = abs
		}
		out = append(out, filepath.Clean(real))
	}
	return out, nil
}

// ValidateCWD checks that cwd exists and lies inside one of roots once
// symlinks are resolved. Roots are expected to come from NormalizeRoots.
func ValidateCWD(cwd string, roots []string) error {
	_, err := ResolveCWD(cwd, roots)
	return err
}

// ResolveCWD is ValidateCWD returning the absolute, symlink-free directory
// that was checked. Callers should run in that path, not in cwd.
func ResolveCWD(cwd string, roots []string) (string, error) {
	if cwd == "" {
		return "", errors.New("cwd required")
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	real = filepath.Clean(real)
	st, err := os.Stat(real)
	if err != nil {
		return "", err
	}
	if !st.IsDir() {
		return "", errors.New("cwd is not a directory")
	}
	for _, root := range roots {
		if within(root, real) {
			return real, nil
		}
	}
	return "", errors.New("cwd not in allow roots")
}

// IsPathSafe reports whether candidate, resolved against baseDir, stays at or
// below baseDir. Absolute candidates are accepted only when they already lie
// inside baseDir. The check is lexical and never touches the filesystem.
func IsPathSafe(baseDir, candidate string) bool {
	if baseDir == "" {
		return false
	}
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return false
	}
	var resolved string
	if filepath.IsAbs(candidate) {
		resolved = filepath.Clean(candidate)
	} else {
		resolved = filepath.Join(base, candidate)
	}
	return within(base, resolved)
}

// ResolveInside joins candidate onto baseDir and returns the absolute result
// when IsPathSafe accepts it.
func ResolveInside(baseDir, candidate string) (string, bool) {
	if !IsPathSafe(baseDir, candidate) {
		return "", false
	}
	if filepath.IsAbs(candidate) {
		return filepath.Clean(candidate), true
	}
	base, _ := filepath.Abs(baseDir)
	return filepath.Join(base, candidate), true
}

func within(root, target string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
