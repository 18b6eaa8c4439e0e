package executor

import (
	"fmt"

	"github.com/okonuma/hanbai/internal/hanbai/capability"
)

// ErrorKind tags every local rejection the executor can produce. These are
// resolved synchronously and never reach the upstream platform; tool-level
// failures travel inside the step's response instead.
type ErrorKind string

const (
	// KindPlanBlocked is a capability rejection; CapabilityKey names the
	// offending capability.
	KindPlanBlocked ErrorKind = "PLAN_BLOCKED"
	// KindToolNotAllowed is an unknown tool or an allow-list rejection.
	KindToolNotAllowed ErrorKind = "TOOL_NOT_ALLOWED"
	// KindPlanNotFound means the active plan is stale or expired.
	KindPlanNotFound ErrorKind = "PLAN_NOT_FOUND"
	// KindValidation is a malformed step payload.
	KindValidation ErrorKind = "VALIDATION_ERROR"
	// KindProvenanceMissing rejects a numeric result lacking source
	// attribution.
	KindProvenanceMissing ErrorKind = "PROVENANCE_MISSING"
)

// Error is the tagged rejection type the executor returns. Callers branch
// on Kind with errors.As; Message is already human-presentable.
type Error struct {
	Kind          ErrorKind
	CapabilityKey string // set for KindPlanBlocked capability rejections
	// CapabilityStatus distinguishes a platform that does not implement
	// the capability from one that rejected our credentials for it.
	CapabilityStatus capability.SupportStatus
	Message          string
}

func (e *Error) Error() string {
	if e.CapabilityKey != "" {
		code := "UPSTREAM_NOT_IMPLEMENTED"
		if e.CapabilityStatus == capability.StatusMisconfigured {
			code = "UPSTREAM_MISCONFIGURED"
		}
		return fmt.Sprintf("%s: %s:%s", e.Kind, code, e.CapabilityKey)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func planBlocked(capabilityKey string, status capability.SupportStatus) *Error {
	return &Error{Kind: KindPlanBlocked, CapabilityKey: capabilityKey, CapabilityStatus: status}
}

func toolNotAllowed(format string, args ...any) *Error {
	return &Error{Kind: KindToolNotAllowed, Message: fmt.Sprintf(format, args...)}
}

func planNotFound(format string, args ...any) *Error {
	return &Error{Kind: KindPlanNotFound, Message: fmt.Sprintf(format, args...)}
}

func validationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func provenanceMissing(format string, args ...any) *Error {
	return &Error{Kind: KindProvenanceMissing, Message: fmt.Sprintf(format, args...)}
}
