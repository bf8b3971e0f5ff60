// SPDX-License-Identifier: MPL-2.0

package xrun

import (
	"errors"
	"testing"
)

func TestErrorKindsUnwrapToSentinels(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err      error
		sentinel error
		kind     ErrorKind
	}{
		{&CommandError{}, ErrCommand, KindCommand},
		{&TimeoutError{}, ErrTimeout, KindTimeout},
		{&ConnectionError{}, ErrConnection, KindConnection},
		{&AdapterError{}, ErrAdapter, KindAdapter},
		{&DockerError{}, ErrDocker, KindDocker},
		{&KubernetesError{}, ErrKubernetes, KindKubernetes},
		{&RetryError{}, ErrRetry, KindRetry},
		{&SecretError{}, ErrSecret, KindSecret},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, tc.sentinel) {
			t.Errorf("%T does not unwrap to its sentinel", tc.err)
		}
		kinded, ok := tc.err.(Kinded)
		if !ok {
			t.Fatalf("%T does not implement Kinded", tc.err)
		}
		if kinded.Kind() != tc.kind {
			t.Errorf("%T.Kind() = %q, want %q", tc.err, kinded.Kind(), tc.kind)
		}
	}
}

func TestAdapterErrorMessageIncludesCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")
	err := NewAdapterError("ssh", "dial failed", cause)
	if err.Cause != cause {
		t.Fatalf("Cause = %v, want %v", err.Cause, cause)
	}
	if !errors.Is(err, ErrAdapter) {
		t.Fatalf("expected errors.Is match on ErrAdapter")
	}
}
