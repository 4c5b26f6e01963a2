package dropwatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// Kind classifies an error for retry and exit-code decisions.
type Kind int

const (
	// KindUnknown is the zero value; treated as fatal.
	KindUnknown Kind = iota

	// KindConfig is a startup configuration problem (missing credentials,
	// bad cron expression, unwritable data dir). Process exits with code 2.
	KindConfig

	// KindTransient is a recoverable I/O failure (network reset, 5xx, DB
	// deadlock). Retried by the job runner.
	KindTransient

	// KindFatal is a non-recoverable I/O failure (4xx other than 408/429,
	// permission denied). Recorded on the job run; never retried.
	KindFatal

	// KindParser is structural corruption in a fully-downloaded zone file.
	// The snapshot is quarantined and the run ends failed.
	KindParser

	// KindMissingBaseline means no prior snapshot exists for the TLD. The
	// cycle ends success with zero drops.
	KindMissingBaseline

	// KindCanceled is cancellation or timeout propagated from the runner.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindParser:
		return "parser"
	case KindMissingBaseline:
		return "missing_baseline"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// OpError wraps an error with its classification and the operation that
// produced it.
type OpError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// ErrMissingBaseline is returned by the detector when no prior-day snapshot
// exists. Not an error condition for the cycle.
var ErrMissingBaseline = &OpError{Kind: KindMissingBaseline, Op: "detect", Err: errors.New("no baseline snapshot")}

// ErrSnapshotExists is returned by ZoneStore.Reserve when a committed
// snapshot already exists for the (tld, date) pair.
var ErrSnapshotExists = errors.New("snapshot already exists")

// ErrLeaseHeld is returned by Store.AcquireLease when another run holds the
// lease for the same (tld, date, kind).
var ErrLeaseHeld = errors.New("lease already held")

// KindOf extracts the classification from err. Context errors map to
// KindCanceled; unwrapped errors default to KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnknown
}

// Retryable reports whether the runner should retry after err.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// classifyHTTPStatus maps a non-2xx HTTP response status to an error kind.
// 408 and 429 are retryable; other 4xx are fatal; 5xx are transient.
func classifyHTTPStatus(status int) Kind {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 400 && status < 500:
		return KindFatal
	case status >= 500:
		return KindTransient
	default:
		return KindUnknown
	}
}

// classifyIOErr maps transport-level errors to an error kind. Network
// timeouts, resets, and unexpected EOFs are transient; cancellation is
// surfaced as canceled.
func classifyIOErr(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return KindTransient
	}
	return KindTransient
}
