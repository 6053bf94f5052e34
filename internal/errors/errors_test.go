package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestToEnvelopeKinds(t *testing.T) {
	cases := []struct {
		err    error
		kind   Kind
		code   Code
		status int
	}{
		{New(CodeUnauthorized, ""), KindAuthentication, CodeUnauthorized, http.StatusUnauthorized},
		{New(CodeInvalidJSON, "bad body"), KindBadRequest, CodeInvalidJSON, http.StatusBadRequest},
		{New(CodeNotFound, "task missing"), KindNotFound, CodeNotFound, http.StatusNotFound},
		{New(CodeConflict, ""), KindConflict, CodeConflict, http.StatusConflict},
		{New(CodeRateLimited, ""), KindRateLimited, CodeRateLimited, http.StatusTooManyRequests},
		{New(CodeUnavailable, ""), KindUnavailable, CodeUnavailable, http.StatusServiceUnavailable},
		{New(CodeMisdirected, ""), KindBadRequest, CodeMisdirected, http.StatusMisdirectedRequest},
		{New(CodeMethodNotAllowed, ""), KindBadRequest, CodeMethodNotAllowed, http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		env := ToEnvelope(tc.err)
		if env.Error != tc.kind || env.Code != tc.code || env.StatusCode != tc.status {
			t.Fatalf("unexpected envelope for %v: %+v", tc.err, env)
		}
	}
}

func TestToEnvelopeHidesInternalDetail(t *testing.T) {
	raw := fmt.Errorf("open /var/lib/secret.db: permission denied")
	env := ToEnvelope(raw)
	if env.Error != KindInternal || env.Code != CodeInternal || env.StatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Message != "internal server error" {
		t.Fatalf("internal detail leaked: %q", env.Message)
	}

	wrapped := Wrap(CodeStorageFailure, raw, "write history /var/lib/secret.db")
	env = ToEnvelope(wrapped)
	if env.Message != "internal server error" {
		t.Fatalf("internal detail leaked: %q", env.Message)
	}
	if env.Code != CodeStorageFailure {
		t.Fatalf("expected storage code, got %s", env.Code)
	}
}

func TestRegisterAndIs(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Kind: KindRateLimited, Message: "custom", Retryable: true})

	sentinel := New(code, "")
	err := fmt.Errorf("outer: %w", New(code, "capacity 3"))
	if !stdErrors.Is(err, sentinel) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if !RetryableError(err) {
		t.Fatalf("expected retryable")
	}
	if got := ToEnvelope(err); got.StatusCode != http.StatusTooManyRequests || got.Message != "capacity 3" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
}

func TestCloseCodes(t *testing.T) {
	if KindAuthentication.CloseCode() != 4001 {
		t.Fatalf("unexpected unauthorized close code")
	}
	if KindBadRequest.CloseCode() != 0 {
		t.Fatalf("bad request must not close the connection")
	}
}
