package engine

import (
	"errors"
	"fmt"

	"github.com/openfroyo/appstage/pkg/resource"
)

// OutcomeKind is the result class of an install or upgrade attempt.
type OutcomeKind string

const (
	OutcomeInstalled                OutcomeKind = "installed"
	OutcomeUpToDate                 OutcomeKind = "up_to_date"
	OutcomeStagedNotNewer           OutcomeKind = "staged_not_newer"
	OutcomeDuplicateApp             OutcomeKind = "duplicate_app"
	OutcomeMissingResource          OutcomeKind = "missing_resource"
	OutcomeIncompatibleRequirements OutcomeKind = "incompatible_requirements"
	OutcomeNoLocalStorage           OutcomeKind = "no_local_storage"
	OutcomeFailedState              OutcomeKind = "failed_state"
	OutcomeUnknownFailure           OutcomeKind = "unknown_failure"
)

// Outcome is the typed result handed back to callers. Every failure is
// converted to an Outcome before it leaves the Upgrader.
type Outcome struct {
	Kind OutcomeKind `json:"kind"`

	// Version is the candidate profile version, when one was fetched.
	Version int `json:"version,omitempty"`

	// Details and Retryable are set for OutcomeMissingResource.
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`

	// Requirement is set for OutcomeIncompatibleRequirements raised by a
	// platform requirement check.
	Requirement *RequirementsError `json:"requirement,omitempty"`

	// Violations is set when the install policy denied the candidate.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Cause is set for OutcomeUnknownFailure and OutcomeFailedState.
	Cause error `json:"-"`
}

// Succeeded reports whether the attempt left the device in a good state.
func (o Outcome) Succeeded() bool {
	switch o.Kind {
	case OutcomeInstalled, OutcomeUpToDate, OutcomeStagedNotNewer:
		return true
	default:
		return false
	}
}

// String renders the outcome for logs and the CLI.
func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeMissingResource:
		if o.Retryable {
			return fmt.Sprintf("%s (retryable): %s", o.Kind, o.Details)
		}
		return fmt.Sprintf("%s: %s", o.Kind, o.Details)
	case OutcomeIncompatibleRequirements:
		if o.Requirement != nil {
			return fmt.Sprintf("%s: %s", o.Kind, o.Requirement.Error())
		}
		if len(o.Violations) > 0 {
			return fmt.Sprintf("%s: %s", o.Kind, o.Violations[0].Message)
		}
	case OutcomeUnknownFailure, OutcomeFailedState:
		if o.Cause != nil {
			return fmt.Sprintf("%s: %v", o.Kind, o.Cause)
		}
	}
	return string(o.Kind)
}

// OutcomeFromError maps an engine failure to its Outcome.
func OutcomeFromError(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeInstalled}
	}

	var reqErr *RequirementsError
	if errors.As(err, &reqErr) {
		return Outcome{Kind: OutcomeIncompatibleRequirements, Requirement: reqErr}
	}

	var polErr *PolicyError
	if errors.As(err, &polErr) {
		if polErr.HasCode("duplicate_app") {
			return Outcome{Kind: OutcomeDuplicateApp, Violations: polErr.Violations}
		}
		return Outcome{Kind: OutcomeIncompatibleRequirements, Violations: polErr.Violations}
	}

	if resource.IsStateViolation(err) {
		return Outcome{Kind: OutcomeUnknownFailure, Cause: err}
	}

	var ee *EngineError
	if !errors.As(err, &ee) {
		return Outcome{Kind: OutcomeUnknownFailure, Cause: err}
	}

	switch ee.Code {
	case ErrCodeUnreachable:
		return Outcome{Kind: OutcomeMissingResource, Details: missingDetails(ee), Retryable: true}
	case ErrCodeNotFound, ErrCodeInvalidPayload:
		return Outcome{Kind: OutcomeMissingResource, Details: missingDetails(ee)}
	case ErrCodeLocalStorage:
		return Outcome{Kind: OutcomeNoLocalStorage}
	case ErrCodeDuplicateApp:
		return Outcome{Kind: OutcomeDuplicateApp}
	case ErrCodeNoProfile:
		return Outcome{Kind: OutcomeFailedState, Cause: err}
	default:
		return Outcome{Kind: OutcomeUnknownFailure, Cause: err}
	}
}

func missingDetails(ee *EngineError) string {
	msg := ee.Message
	if ee.Err != nil {
		msg = fmt.Sprintf("%s: %v", ee.Message, ee.Err)
	}
	if ee.Resource != "" {
		return fmt.Sprintf("%s: %s", ee.Resource, msg)
	}
	return msg
}
