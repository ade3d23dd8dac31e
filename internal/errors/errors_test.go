package errors_test

import (
	stderrors "errors"
	"net/http"
	"testing"

	apperrors "github.com/ridgeback/gatekeeper/internal/errors"
)

func TestNewAndError(t *testing.T) {
	err := apperrors.New(apperrors.TypeValidation, "bad window size")
	if err.Error() != "bad window size" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestWrapIncludesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := apperrors.Wrap(apperrors.TypeDatabase, "failed to persist report", cause)
	if err.Unwrap() != cause {
		t.Fatal("expected Unwrap to return cause")
	}
	if err.Error() == "" {
		t.Fatal("expected non-empty message")
	}
}

func TestGetStatusCode(t *testing.T) {
	cases := []struct {
		t    apperrors.ErrorType
		want int
	}{
		{apperrors.TypeValidation, http.StatusBadRequest},
		{apperrors.TypeNotFound, http.StatusNotFound},
		{apperrors.TypeConflict, http.StatusConflict},
		{apperrors.TypeInternal, http.StatusInternalServerError},
		{apperrors.TypeRateLimit, http.StatusTooManyRequests},
	}
	for _, c := range cases {
		err := apperrors.New(c.t, "x")
		if got := apperrors.GetStatusCode(err); got != c.want {
			t.Errorf("type %s: got status %d, want %d", c.t, got, c.want)
		}
	}
}

func TestSafeErrorMessageHidesDetails(t *testing.T) {
	err := apperrors.Wrap(apperrors.TypeDatabase, "insert failed", stderrors.New("pq: duplicate key value")).
		WithDetails("build_results row already exists for item uuid abc")
	safe := apperrors.SafeErrorMessage(err)
	if safe == err.Details || safe == err.Cause.Error() {
		t.Fatal("SafeErrorMessage must not leak details or cause")
	}
}

func TestIsTypeAndGetType(t *testing.T) {
	err := apperrors.New(apperrors.TypeTimeout, "merger timed out")
	if !apperrors.IsType(err, apperrors.TypeTimeout) {
		t.Fatal("expected IsType to match")
	}
	if apperrors.GetType(stderrors.New("plain")) != apperrors.TypeInternal {
		t.Fatal("non-AppError should default to TypeInternal")
	}
}

func TestChain(t *testing.T) {
	got := apperrors.Chain(stderrors.New("a"), nil, stderrors.New("b"))
	if got != "a -> b" {
		t.Fatalf("unexpected chain: %q", got)
	}
}
