package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestOperationError_Error(t *testing.T) {
	cause := errors.New("connection refused")
	err := FailedTo("acquire", "semaphore", "build-gate", cause)

	msg := err.Error()
	for _, want := range []string{"failed to acquire", "semaphore", "build-gate", "connection refused"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("Error() = %q, want substring %q", msg, want)
		}
	}
}

func TestOperationError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := FailedTo("release", "semaphore", "x", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
}

func TestFailedToWithDetails(t *testing.T) {
	err := FailedToWithDetails("load", "layout", "item-1", "syntax error on line 4", nil)
	if !strings.Contains(err.Error(), "syntax error on line 4") {
		t.Fatalf("expected details in message, got %q", err.Error())
	}
}

func TestDatabaseNetworkTimeoutErrors(t *testing.T) {
	cases := []struct {
		name string
		err  *OperationError
	}{
		{"database", DatabaseError("insert", "build_results", errors.New("x"))},
		{"network", NetworkError("dial", "executor", errors.New("x"))},
		{"timeout", TimeoutError("wait", "merger", errors.New("x"))},
	}
	for _, c := range cases {
		if c.err.Cause == nil {
			t.Errorf("%s: expected cause to be preserved", c.name)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Fatal("nil should not be retryable")
	}
	if !IsRetryable(NetworkError("dial", "x", errors.New("x"))) {
		t.Fatal("network errors should be retryable")
	}
	if IsRetryable(ValidationError("x", "bad")) {
		t.Fatal("validation errors should not be retryable")
	}
	if IsRetryable(ConfigurationError("x", errors.New("x"))) {
		t.Fatal("configuration errors should not be retryable")
	}
}

func TestChain(t *testing.T) {
	if Chain() != nil {
		t.Fatal("Chain() with no errors should be nil")
	}
	single := errors.New("one")
	if Chain(single, nil) != single {
		t.Fatal("Chain with a single non-nil error should return it directly")
	}
	combined := Chain(errors.New("a"), nil, errors.New("b"))
	if combined.Error() != "multiple errors: a; b" {
		t.Fatalf("unexpected Chain message: %q", combined.Error())
	}
}
