package agent

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultCommand is looked up on PATH when no install location matches.
const DefaultCommand = "claude"

// DefaultCandidates are conventional install locations, probed in order.
var DefaultCandidates = []string{
	"~/.local/bin/claude",
	"~/.claude/local/claude",
	"/usr/local/bin/claude",
	"/usr/bin/claude",
}

// ResolveBinary picks the agent executable. An explicit override is used
// as given; a broken override surfaces later as a spawn failure.
func ResolveBinary(override string, candidates []string) string {
	home, _ := os.UserHomeDir()
	if override = strings.TrimSpace(override); override != "" {
		return expandHome(override, home)
	}
	for _, c := range candidates {
		p := expandHome(c, home)
		if isExecutable(p) {
			return p
		}
	}
	if p, err := exec.LookPath(DefaultCommand); err == nil {
		return p
	}
	return DefaultCommand
}

func expandHome(p, home string) string {
	if home == "" {
		return p
	}
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

func isExecutable(p string) bool {
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
