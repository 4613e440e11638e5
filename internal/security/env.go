package security

import (
	"os"
	"sort"
	"strings"
)

// DefaultEnvKeys are host variables the agent process is allowed to see:
// terminal, locale, display, session bus and runtime directory, plus the
// credentials the agent needs to authenticate.
var DefaultEnvKeys = []string{
	"PATH", "HOME", "USER", "LOGNAME", "SHELL", "TMPDIR",
	"TERM", "COLORTERM",
	"LANG", "LANGUAGE", "LC_ALL", "LC_CTYPE", "LC_MESSAGES",
	"DISPLAY", "WAYLAND_DISPLAY", "XAUTHORITY",
	"DBUS_SESSION_BUS_ADDRESS",
	"XDG_RUNTIME_DIR", "XDG_CONFIG_HOME", "XDG_DATA_HOME", "XDG_CACHE_HOME",
	"ANTHROPIC_API_KEY", "ANTHROPIC_AUTH_TOKEN", "ANTHROPIC_BASE_URL",
	"CLAUDE_CODE_OAUTH_TOKEN",
	"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY",
}

// sensitiveEnvKeys are passed through verbatim but never logged.
var sensitiveEnvKeys = map[string]struct{}{
	"ANTHROPIC_API_KEY":       {},
	"ANTHROPIC_AUTH_TOKEN":    {},
	"CLAUDE_CODE_OAUTH_TOKEN": {},
}

// EnvPolicy is the allowlist applied to the host environment before each
// spawn. Keys are matched exactly; Prefix, when set, admits any key that
// starts with it.
type EnvPolicy struct {
	Keys   map[string]struct{}
	Prefix string
}

func NewEnvPolicy(extraKeys []string, prefix string) EnvPolicy {
	keys := make(map[string]struct{}, len(DefaultEnvKeys)+len(extraKeys))
	for _, k := range DefaultEnvKeys {
		keys[k] = struct{}{}
	}
	for _, k := range extraKeys {
		keys[k] = struct{}{}
	}
	return EnvPolicy{Keys: keys, Prefix: prefix}
}

func (p EnvPolicy) Allowed(key string) bool {
	if _, ok := p.Keys[key]; ok {
		return true
	}
	return p.Prefix != "" && strings.HasPrefix(key, p.Prefix)
}

// Filter copies allowlisted keys from source and then overlays every key of
// additional unconditionally. Neither input is modified.
func (p EnvPolicy) Filter(source, additional map[string]string) map[string]string {
	out := make(map[string]string, len(p.Keys)+len(additional))
	for k, v := range source {
		if p.Allowed(k) {
			out[k] = v
		}
	}
	for k, v := range additional {
		out[k] = v
	}
	return out
}

// FilterEnv applies the default policy.
func FilterEnv(source, additional map[string]string) map[string]string {
	return NewEnvPolicy(nil, "").Filter(source, additional)
}

// HostEnv returns the current process environment as a map.
func HostEnv() map[string]string {
	return EnvMap(os.Environ())
}

func EnvMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// EnvList renders env as sorted KEY=VALUE pairs for exec.Cmd.Env.
func EnvList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func IsSensitiveEnvKey(key string) bool {
	if _, ok := sensitiveEnvKeys[key]; ok {
		return true
	}
	upper := strings.ToUpper(key)
	for _, marker := range []string{"TOKEN", "SECRET", "PASSWORD", "API_KEY"} {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// RedactEnv returns a copy of env safe to log.
func RedactEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if IsSensitiveEnvKey(k) && v != "" {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}
