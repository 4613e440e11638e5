package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseCSV(t *testing.T) {
	got := ParseCSV(" a, ,b,, c ")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected csv parse result: %#v", got)
	}
}

func TestNormalizeRootsRequiresInput(t *testing.T) {
	_, err := NormalizeRoots(nil)
	if err == nil {
		t.Fatal("expected error for empty roots")
	}
}

func TestNormalizeRootsAndValidateCWD(t *testing.T) {
	root := t.TempDir()
	allowedChild := filepath.Join(root, "project")
	if err := os.MkdirAll(allowedChild, 0o755); err != nil {
		t.Fatalf("mkdir allowed child: %v", err)
	}

	roots, err := NormalizeRoots([]string{root})
	if err != nil {
		t.Fatalf("normalize roots: %v", err)
	}
	if len(roots) != 1 {
		t.Fatalf("expected 1 root, got %d", len(roots))
	}

	if err := ValidateCWD(allowedChild, roots); err != nil {
		t.Fatalf("allowed cwd should pass, err=%v", err)
	}

	outside := t.TempDir()
	if err := ValidateCWD(outside, roots); err == nil {
		t.Fatal("outside cwd should be rejected")
	}
	if err := ValidateCWD(filepath.Join(root, "missing"), roots); err == nil {
		t.Fatal("missing cwd should be rejected")
	}
}

func TestValidateCWDRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	roots, err := NormalizeRoots([]string{root})
	if err != nil {
		t.Fatalf("normalize roots: %v", err)
	}
	if err := ValidateCWD(link, roots); err == nil {
		t.Fatal("symlink pointing outside the root should be rejected")
	}
}

func TestResolveCWDReturnsRealPath(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("eval root: %v", err)
	}
	real := filepath.Join(root, "real")
	if err := os.Mkdir(real, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	link := filepath.Join(root, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	got, err := ResolveCWD(link, []string{root})
	if err != nil {
		t.Fatalf("resolve symlinked cwd: %v", err)
	}
	if got != real {
		t.Fatalf("resolved %q, want %q", got, real)
	}

	t.Chdir(root)
	got, err = ResolveCWD("real", []string{root})
	if err != nil {
		t.Fatalf("resolve relative cwd: %v", err)
	}
	if got != real {
		t.Fatalf("relative cwd resolved to %q, want %q", got, real)
	}
}

func TestIsPathSafe(t *testing.T) {
	tests := []struct {
		name      string
		base      string
		candidate string
		want      bool
	}{
		{name: "parent traversal", base: "/home/user/data", candidate: "../../etc/passwd", want: false},
		{name: "child file", base: "/home/user/data", candidate: "sub/file.txt", want: true},
		{name: "absolute escape", base: "/home/user/data", candidate: "/etc/passwd", want: false},
		{name: "absolute inside", base: "/home/user/data", candidate: "/home/user/data/a.txt", want: true},
		{name: "base itself", base: "/home/user/data", candidate: ".", want: true},
		{name: "traversal back inside", base: "/home/user/data", candidate: "sub/../other.txt", want: true},
		{name: "sibling prefix", base: "/home/user/data", candidate: "../data2/x", want: false},
		{name: "dotdot prefixed name", base: "/home/user/data", candidate: "..hidden", want: true},
		{name: "empty base", base: "", candidate: "a", want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsPathSafe(tc.base, tc.candidate); got != tc.want {
				t.Fatalf("IsPathSafe(%q, %q)=%v, want %v", tc.base, tc.candidate, got, tc.want)
			}
		})
	}
}

func TestResolveInside(t *testing.T) {
	got, ok := ResolveInside("/home/user/data", "sub/file.txt")
	if !ok || got != "/home/user/data/sub/file.txt" {
		t.Fatalf("unexpected resolve result: %q ok=%v", got, ok)
	}
	if _, ok := ResolveInside("/home/user/data", "../x"); ok {
		t.Fatal("traversal should not resolve")
	}
}
