// Package engine implements compiled-rule execution against span batches:
// the tenant-scoped rule session (working memory), the bounded session
// cache, and the batch evaluator that runs rules inside the capability
// sandbox.
package engine

import "errors"

var (
	// ErrEvaluationUnavailable means the tenant's session could not be
	// constructed (rule store failure or bad compiled rule). The call is
	// eligible for retry and counts toward the circuit breaker.
	ErrEvaluationUnavailable = errors.New("engine: evaluation unavailable")

	// ErrEvaluationTimeout means the per-evaluation deadline expired.
	// Signals emitted before the abort are still returned and remain valid.
	ErrEvaluationTimeout = errors.New("engine: evaluation timed out")

	// ErrBatchTooLarge means the caller exceeded the configured batch cap.
	ErrBatchTooLarge = errors.New("engine: span batch exceeds configured maximum")

	// ErrTenantMismatch means the batch mixes tenants or traces, violating
	// the session isolation precondition.
	ErrTenantMismatch = errors.New("engine: spans must share one tenant and trace")

	// ErrCacheFull means the session cache is at its tenant bound and no
	// idle session could be evicted.
	ErrCacheFull = errors.New("engine: session cache at tenant capacity")
)
