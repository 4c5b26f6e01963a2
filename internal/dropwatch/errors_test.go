package dropwatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"op error", &OpError{Kind: KindTransient, Op: "x"}, KindTransient},
		{"wrapped op error", fmt.Errorf("outer: %w", &OpError{Kind: KindParser, Op: "x"}), KindParser},
		{"canceled", context.Canceled, KindCanceled},
		{"deadline", context.DeadlineExceeded, KindCanceled},
		{"missing baseline sentinel", ErrMissingBaseline, KindMissingBaseline},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	if !Retryable(&OpError{Kind: KindTransient, Op: "x"}) {
		t.Error("transient error should be retryable")
	}
	for _, k := range []Kind{KindConfig, KindFatal, KindParser, KindCanceled, KindUnknown} {
		if Retryable(&OpError{Kind: k, Op: "x"}) {
			t.Errorf("%v error should not be retryable", k)
		}
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusRequestTimeout, KindTransient},
		{http.StatusTooManyRequests, KindTransient},
		{http.StatusBadRequest, KindFatal},
		{http.StatusUnauthorized, KindFatal},
		{http.StatusForbidden, KindFatal},
		{http.StatusNotFound, KindFatal},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusServiceUnavailable, KindTransient},
	}

	for _, tc := range cases {
		if got := classifyHTTPStatus(tc.status); got != tc.want {
			t.Errorf("classifyHTTPStatus(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestOpErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("inner")
	err := &OpError{Kind: KindFatal, Op: "op", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("errors.Is should see through OpError")
	}
	if got, want := err.Error(), "op: inner"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
