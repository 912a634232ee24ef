package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusAndCodeAreDistinct(t *testing.T) {
	seen := map[string]struct{}{}
	for _, m := range mappings {
		if _, dup := seen[m.code]; dup {
			t.Fatalf("duplicate code %s", m.code)
		}
		seen[m.code] = struct{}{}
	}
}

func TestStatusFollowsWrappedSentinel(t *testing.T) {
	testCases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: 1.99", ErrVersionNotFound), http.StatusUnprocessableEntity, "version_not_found"},
		{fmt.Errorf("server %q: %w", "alpha", ErrNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: alpha", ErrDuplicateName), http.StatusConflict, "duplicate_name"},
		{fmt.Errorf("%w: dial tcp", ErrUpstreamUnavailable), http.StatusServiceUnavailable, "upstream_unavailable"},
		{fmt.Errorf("%w: missing builds", ErrMalformedUpstreamResponse), http.StatusBadGateway, "malformed_upstream_response"},
		{fmt.Errorf("%w: disk full", ErrTransfer), http.StatusInternalServerError, "transfer_failed"},
		{ErrUnsupportedOperation, http.StatusBadRequest, "unsupported_operation"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range testCases {
		if got := Status(tc.err); got != tc.status {
			t.Fatalf("%v: expected status %d, got %d", tc.err, tc.status, got)
		}
		if got := Code(tc.err); got != tc.code {
			t.Fatalf("%v: expected code %s, got %s", tc.err, tc.code, got)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(fmt.Errorf("%w: timeout", ErrUpstreamUnavailable)) {
		t.Fatalf("upstream failures should be retryable")
	}
	if Retryable(ErrVersionNotFound) {
		t.Fatalf("version not found is permanent")
	}
}

func TestPermanentKeepsClassification(t *testing.T) {
	err := Permanent(fmt.Errorf("%w: 404", ErrTransfer))
	if Retryable(err) {
		t.Fatalf("permanent errors must not be retried")
	}
	if !errors.Is(err, ErrTransfer) || Code(err) != "transfer_failed" {
		t.Fatalf("permanent wrapper must keep the sentinel, got %v / %s", err, Code(err))
	}
	if Retryable(fmt.Errorf("install plugin: %w", err)) {
		t.Fatalf("wrapping a permanent error must stay non-retryable")
	}
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) should be nil")
	}
}
