// SPDX-License-Identifier: MPL-2.0

package xrun

import (
	"encoding/json"
	"testing"
)

func TestCommandWithEnvMergesKeys(t *testing.T) {
	t.Parallel()
	c := NewCommand("echo").WithEnv(map[string]string{"A": "1", "B": "2"})
	c = c.WithEnv(map[string]string{"B": "3", "C": "4"})
	want := map[string]string{"A": "1", "B": "3", "C": "4"}
	if len(c.Env) != len(want) {
		t.Fatalf("Env = %v, want %v", c.Env, want)
	}
	for k, v := range want {
		if c.Env[k] != v {
			t.Fatalf("Env[%q] = %q, want %q", k, c.Env[k], v)
		}
	}
}

func TestCommandStringSanitizesLog(t *testing.T) {
	t.Parallel()
	c := NewCommand("ssh-keygen -p secret-passphrase")
	c.SanitizeLog = true
	got := c.String()
	if got != "ssh-keygen ***" {
		t.Fatalf("String() = %q, want sanitized form", got)
	}
}

func TestCommandMarshalJSONOmitsPassword(t *testing.T) {
	t.Parallel()
	c := NewCommand("echo hi")
	c.SSH = SSHOptions{Host: "h", Password: "topsecret"}
	b, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if bytesContains(b, "topsecret") {
		t.Fatalf("marshaled command leaked password: %s", b)
	}
}

func bytesContains(b []byte, s string) bool {
	return len(s) > 0 && indexOf(string(b), s) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func TestNewArgvCommandNoShell(t *testing.T) {
	t.Parallel()
	c := NewArgvCommand("ls", "-la")
	if c.Shell != "" {
		t.Fatalf("Shell = %q, want empty for argv command", c.Shell)
	}
	if len(c.Argv) != 2 {
		t.Fatalf("Argv = %v, want 2 elements", c.Argv)
	}
}
