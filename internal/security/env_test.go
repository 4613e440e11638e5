package security

import (
	"strings"
	"testing"
)

func TestFilterEnv(t *testing.T) {
	source := map[string]string{
		"PATH":   "/usr/bin",
		"HOME":   "/home/u",
		"SECRET": "hunter2",
	}
	additional := map[string]string{"CUSTOM": "x"}

	got := FilterEnv(source, additional)
	if got["PATH"] != "/usr/bin" || got["HOME"] != "/home/u" || got["CUSTOM"] != "x" {
		t.Fatalf("unexpected filtered env: %#v", got)
	}
	if _, ok := got["SECRET"]; ok {
		t.Fatalf("SECRET should not pass filter: %#v", got)
	}
	if len(source) != 3 || len(additional) != 1 {
		t.Fatal("inputs must not be mutated")
	}
}

func TestFilterEnvAdditionsBypassAllowlist(t *testing.T) {
	got := FilterEnv(map[string]string{"PATH": "/bin"}, map[string]string{"PATH": "/custom", "NOT_LISTED": "1"})
	if got["PATH"] != "/custom" {
		t.Fatalf("additions should override source, got %q", got["PATH"])
	}
	if got["NOT_LISTED"] != "1" {
		t.Fatalf("additions should bypass allowlist: %#v", got)
	}
}

func TestEnvPolicyPrefixAndExtraKeys(t *testing.T) {
	policy := NewEnvPolicy([]string{"KEEP_ME"}, "CC_")
	got := policy.Filter(map[string]string{
		"CC_PROFILE": "dev",
		"KEEP_ME":    "1",
		"DROP_ME":    "x",
	}, nil)
	if got["CC_PROFILE"] != "dev" || got["KEEP_ME"] != "1" {
		t.Fatalf("unexpected filtered env: %#v", got)
	}
	if _, ok := got["DROP_ME"]; ok {
		t.Fatalf("DROP_ME should not pass filter: %#v", got)
	}
}

func TestRedactEnv(t *testing.T) {
	env := map[string]string{
		"ANTHROPIC_API_KEY":       "sk-live",
		"CLAUDE_CODE_OAUTH_TOKEN": "oauth",
		"MY_SERVICE_SECRET":       "s",
		"PATH":                    "/bin",
	}
	got := RedactEnv(env)
	for k, v := range got {
		if strings.Contains(v, "sk-live") || v == "oauth" || v == "s" {
			t.Fatalf("value of %s leaked: %q", k, v)
		}
	}
	if got["PATH"] != "/bin" {
		t.Fatalf("non-sensitive value should be kept, got %q", got["PATH"])
	}
	if env["ANTHROPIC_API_KEY"] != "sk-live" {
		t.Fatal("input must not be mutated")
	}
}

func TestEnvMapAndList(t *testing.T) {
	m := EnvMap([]string{"A=1", "B=x=y", "broken", "=nokey"})
	if len(m) != 2 || m["A"] != "1" || m["B"] != "x=y" {
		t.Fatalf("unexpected env map: %#v", m)
	}
	list := EnvList(map[string]string{"B": "2", "A": "1"})
	if len(list) != 2 || list[0] != "A=1" || list[1] != "B=2" {
		t.Fatalf("unexpected env list: %#v", list)
	}
}
