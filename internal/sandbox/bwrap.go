// Package sandbox wraps agent invocations with bubblewrap. The sandbox tool
// itself is external; this package only builds its command line.
package sandbox

import (
	"fmt"
	"path/filepath"
)

type Config struct {
	Enabled bool   `yaml:"enabled"`
	Binary  string `yaml:"binary"`
	// ReadWrite are extra host paths bound read-write when they exist
	// (for example the agent's credential directory).
	ReadWrite []string `yaml:"read_write"`
	// ExtraArgs are inserted verbatim before the command separator.
	ExtraArgs []string `yaml:"extra_args"`
	// IsolateNet gives the agent its own empty network namespace. The agent
	// talks to its API, so the network is shared unless this is set.
	IsolateNet bool `yaml:"isolate_net"`
}

// BwrapBuilder builds bubblewrap command lines from a Config.
type BwrapBuilder struct {
	cfg  Config
	args []string
}

func NewBwrapBuilder(cfg Config) *BwrapBuilder {
	if cfg.Binary == "" {
		cfg.Binary = "bwrap"
	}
	return &BwrapBuilder{cfg: cfg}
}

func (b *BwrapBuilder) Enabled() bool {
	return b != nil && b.cfg.Enabled
}

// Wrap returns the executable and arguments that run command inside the
// sandbox with cwd as its writable working directory. When the sandbox is
// disabled the command is returned unchanged.
func (b *BwrapBuilder) Wrap(command string, args []string, cwd string) (string, []string, error) {
	if !b.Enabled() {
		return command, append([]string(nil), args...), nil
	}
	if command == "" {
		return "", nil, fmt.Errorf("command is required")
	}
	if !filepath.IsAbs(cwd) {
		return "", nil, fmt.Errorf("sandbox working directory must be absolute: %q", cwd)
	}

	// Build on a copy so concurrent spawns never share the args slice.
	w := &BwrapBuilder{cfg: b.cfg}
	w.addNamespaces()
	w.addBaseMounts()
	w.args = append(w.args, "--bind", cwd, cwd)
	for _, p := range w.cfg.ReadWrite {
		if !filepath.IsAbs(p) {
			return "", nil, fmt.Errorf("sandbox read_write path must be absolute: %q", p)
		}
		w.args = append(w.args, "--bind-try", p, p)
	}
	w.args = append(w.args, w.cfg.ExtraArgs...)
	w.args = append(w.args, "--chdir", cwd, "--", command)
	w.args = append(w.args, args...)
	return w.cfg.Binary, w.args, nil
}

func (b *BwrapBuilder) addNamespaces() {
	b.args = append(b.args, "--die-with-parent", "--new-session", "--unshare-pid", "--unshare-ipc", "--unshare-uts")
	if b.cfg.IsolateNet {
		b.args = append(b.args, "--unshare-net")
	}
}

func (b *BwrapBuilder) addBaseMounts() {
	b.args = append(b.args,
		"--ro-bind", "/", "/",
		"--dev", "/dev",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
	)
}
