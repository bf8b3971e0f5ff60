// SPDX-License-Identifier: MPL-2.0

package transfer

import "testing"

func TestParseEnvironment(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want Environment
	}{
		{"local bare path", "/tmp/a", Environment{Kind: KindLocal, Path: "/tmp/a"}},
		{"ssh user host path", "ssh://user@host/tmp/b", Environment{Kind: KindSSH, User: "user", Host: "host", Path: "/tmp/b"}},
		{"ssh with port", "ssh://user@host:2222/tmp/b", Environment{Kind: KindSSH, User: "user", Host: "host", Port: 2222, Path: "/tmp/b"}},
		{"ssh bare host no path", "ssh://host", Environment{Kind: KindSSH, Host: "host"}},
		{"docker with path", "docker://mycontainer:/tmp/c", Environment{Kind: KindDocker, Container: "mycontainer", Path: "/tmp/c"}},
		{"k8s pod with namespace", "k8s://ns/mypod:/tmp/d", Environment{Kind: KindK8s, Namespace: "ns", Pod: "mypod", Path: "/tmp/d"}},
		{"k8s pod no namespace", "k8s://mypod:/tmp/d", Environment{Kind: KindK8s, Pod: "mypod", Path: "/tmp/d"}},
		{"pod shorthand", "pod:mypod:/tmp/d", Environment{Kind: KindK8s, Pod: "mypod", Path: "/tmp/d"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseEnvironment(tc.in)
			if err != nil {
				t.Fatalf("ParseEnvironment(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParseEnvironment(%q) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseEnvironmentErrors(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"ssh://", "docker://", "k8s://"} {
		if _, err := ParseEnvironment(in); err == nil {
			t.Errorf("ParseEnvironment(%q): expected error", in)
		}
	}
}

func TestSSHKeySameHostDifferentPaths(t *testing.T) {
	t.Parallel()
	a, err := ParseEnvironment("ssh://user@host/a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseEnvironment("ssh://user@host/b")
	if err != nil {
		t.Fatal(err)
	}
	if a.sshKey() != b.sshKey() {
		t.Fatalf("expected same ssh key for %q and %q", a, b)
	}
	c, err := ParseEnvironment("ssh://user@otherhost/a")
	if err != nil {
		t.Fatal(err)
	}
	if a.sshKey() == c.sshKey() {
		t.Fatalf("expected different ssh key for different hosts")
	}
}
