// SPDX-License-Identifier: MPL-2.0

package globutil

import "testing"

func TestCompile(t *testing.T) {
	t.Parallel()
	cases := []struct {
		pattern string
		input   string
		want    bool
	}{
		{"ssh:*", "ssh:connect", true},
		{"ssh:*", "ssh:", true},
		{"ssh:*", "cache:hit", false},
		{"cache:h?t", "cache:hit", true},
		{"cache:h?t", "cache:heat", false},
		{"transfer:complete", "transfer:complete", true},
	}
	for _, tc := range cases {
		re, err := Compile(tc.pattern)
		if err != nil {
			t.Fatalf("Compile(%q): %v", tc.pattern, err)
		}
		if got := re.MatchString(tc.input); got != tc.want {
			t.Errorf("Compile(%q).MatchString(%q) = %v, want %v", tc.pattern, tc.input, got, tc.want)
		}
	}
}
