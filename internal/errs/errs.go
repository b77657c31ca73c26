// Package errs defines the error kinds shared across the ingest pipeline
// (spec §7) as plain sentinel errors, wrapped with fmt.Errorf("%w") at each
// layer the way the rest of the codebase wraps errors.
package errs

import "errors"

// Sentinel error kinds. Callers classify an error with errors.Is against
// these, never by inspecting a message or a custom Kind() method.
var (
	// SignatureInvalid: webhook HMAC verification failed. Maps to HTTP 401.
	SignatureInvalid = errors.New("signature invalid")

	// CredentialDenied: the upstream platform rejected a credential mint
	// with a non-retryable 4xx. Non-retryable everywhere it surfaces.
	CredentialDenied = errors.New("credential denied")

	// UpstreamTransient: a 5xx or network error from the upstream platform
	// or the generative model. Retryable with backoff.
	UpstreamTransient = errors.New("upstream transient error")

	// UpstreamPermanent: a 4xx (other than auth) from the upstream platform.
	// Non-retryable; surfaced in summaryError when relevant.
	UpstreamPermanent = errors.New("upstream permanent error")

	// ModelFailure: the generative model call timed out, returned a schema
	// violation, or an empty TL;DR. Non-retryable from the job's point of
	// view — the PR is marked summaryStatus=error and the job completes.
	ModelFailure = errors.New("generative model failure")

	// NotFound: the referenced PullRequest no longer exists. Non-retryable.
	NotFound = errors.New("not found")

	// ConfigMissing: a required startup configuration value is absent.
	// Fatal at startup, never returned from a running process.
	ConfigMissing = errors.New("configuration missing")

	// ChatDeliveryFailure: the chat webhook POST failed. Always logged,
	// never causes the notification job to fail or retry.
	ChatDeliveryFailure = errors.New("chat delivery failure")
)

// Retryable reports whether a job that failed with err should be retried by
// the Job Queue, per spec §7's propagation policy.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, UpstreamTransient):
		return true
	case errors.Is(err, CredentialDenied),
		errors.Is(err, UpstreamPermanent),
		errors.Is(err, ModelFailure),
		errors.Is(err, NotFound),
		errors.Is(err, SignatureInvalid),
		errors.Is(err, ConfigMissing):
		return false
	default:
		// Unclassified errors (programmer errors, unexpected panics
		// recovered upstream) are retried — the safer default for
		// at-least-once delivery.
		return true
	}
}
