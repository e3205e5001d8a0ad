package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/openfroyo/appstage/pkg/resource"
)

func TestOutcomeFromError(t *testing.T) {
	reqErr := &RequirementsError{Resource: "a", Code: "platform", Required: ">= 2.0.0", Available: "1.4.0"}

	tests := []struct {
		name      string
		err       error
		want      OutcomeKind
		retryable bool
	}{
		{name: "nil", err: nil, want: OutcomeInstalled},
		{name: "unreachable", err: NewUnreachableError("a", errors.New("timeout")), want: OutcomeMissingResource, retryable: true},
		{name: "not found", err: NewNotFoundError("a", errors.New("404")), want: OutcomeMissingResource},
		{name: "invalid payload", err: NewInvalidPayloadError("a", errors.New("bad yaml")), want: OutcomeMissingResource},
		{name: "storage", err: NewStorageUnavailableError("a", errors.New("ENOSPC")), want: OutcomeNoLocalStorage},
		{name: "requirements", err: NewRequirementsUnmetError(reqErr), want: OutcomeIncompatibleRequirements},
		{name: "duplicate code", err: NewStructuralError("dup", nil).WithCode(ErrCodeDuplicateApp), want: OutcomeDuplicateApp},
		{name: "no profile", err: NewInvariantError("none", nil).WithCode(ErrCodeNoProfile), want: OutcomeFailedState},
		{name: "not ready", err: NewInvariantError("partial", nil).WithCode(ErrCodeNotReady), want: OutcomeUnknownFailure},
		{name: "cancelled", err: cancelledError(errors.New("context canceled")), want: OutcomeUnknownFailure},
		{name: "plain error", err: errors.New("boom"), want: OutcomeUnknownFailure},
		{
			name: "state violation",
			err: fmt.Errorf("wrapped: %w", &resource.StateViolationError{
				Table: resource.IdentityUpgrade, ID: "a", From: resource.StatusInstalled, To: resource.StatusPending,
			}),
			want: OutcomeUnknownFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := OutcomeFromError(tt.err)
			if out.Kind != tt.want {
				t.Errorf("kind = %s, want %s", out.Kind, tt.want)
			}
			if out.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", out.Retryable, tt.retryable)
			}
		})
	}
}

func TestOutcomeFromPolicyError(t *testing.T) {
	dup := &PolicyError{Violations: []PolicyViolation{
		{Code: "app_mismatch", Message: "different app"},
		{Code: "duplicate_app", Message: "already installed in another seat"},
	}}
	out := OutcomeFromError(NewStructuralError("denied", dup).WithCode(ErrCodeDuplicateApp))
	if out.Kind != OutcomeDuplicateApp || len(out.Violations) != 2 {
		t.Errorf("outcome = %+v", out)
	}
	if !strings.Contains(dup.Error(), "and 1 more") {
		t.Errorf("error = %q", dup.Error())
	}

	mismatch := &PolicyError{Violations: []PolicyViolation{{Code: "app_mismatch", Message: "different app"}}}
	out = OutcomeFromError(mismatch)
	if out.Kind != OutcomeIncompatibleRequirements {
		t.Errorf("kind = %s", out.Kind)
	}
	if got := out.String(); got != "incompatible_requirements: different app" {
		t.Errorf("String() = %q", got)
	}
}

func TestOutcomeString(t *testing.T) {
	out := OutcomeFromError(NewUnreachableError("suite", errors.New("connection refused")))
	if got := out.String(); got != "missing_resource (retryable): suite: resource unreachable: connection refused" {
		t.Errorf("String() = %q", got)
	}

	out = OutcomeFromError(NewRequirementsUnmetError(&RequirementsError{
		Resource: "a", Code: "platform", Required: ">= 2.0.0", Available: "1.4.0", IsMajor: true,
	}))
	if out.Requirement == nil || !out.Requirement.IsMajor {
		t.Fatalf("requirement = %+v", out.Requirement)
	}
	if !strings.Contains(out.String(), "required >= 2.0.0, available 1.4.0") {
		t.Errorf("String() = %q", out.String())
	}

	if (Outcome{Kind: OutcomeUpToDate}).String() != "up_to_date" {
		t.Error("plain outcome string")
	}
}

func TestOutcomeSucceeded(t *testing.T) {
	for kind, want := range map[OutcomeKind]bool{
		OutcomeInstalled:                true,
		OutcomeUpToDate:                 true,
		OutcomeStagedNotNewer:           true,
		OutcomeMissingResource:          false,
		OutcomeDuplicateApp:             false,
		OutcomeIncompatibleRequirements: false,
		OutcomeNoLocalStorage:           false,
		OutcomeFailedState:              false,
		OutcomeUnknownFailure:           false,
	} {
		if got := (Outcome{Kind: kind}).Succeeded(); got != want {
			t.Errorf("%s succeeded = %v, want %v", kind, got, want)
		}
	}
}

func TestErrorClassification(t *testing.T) {
	unreachable := NewUnreachableError("a", errors.New("timeout"))
	if !IsTransient(unreachable) || !IsRetryable(unreachable) {
		t.Error("unreachable should be transient and retryable")
	}
	if IsRetryable(cancelledError(errors.New("canceled"))) {
		t.Error("cancellation must not be retried")
	}
	if IsRetryable(NewNotFoundError("a", nil)) {
		t.Error("not found must not be retried")
	}

	wrapped := fmt.Errorf("stage: %w", NewStorageUnavailableError("a", errors.New("ENOSPC")))
	if !IsEnvironmental(wrapped) || CodeOf(wrapped) != ErrCodeLocalStorage {
		t.Errorf("wrapped classification lost: %v", wrapped)
	}
	if !errors.Is(NewTransientError("x", nil).WithCode(ErrCodeAlreadyRunning), ErrAlreadyRunning) {
		t.Error("errors.Is should match class and code")
	}

	msg := NewInvalidPayloadError("form-a", errors.New("bad yaml")).Error()
	if msg != "[structural] invalid payload (resource=form-a, operation=validate): bad yaml" {
		t.Errorf("Error() = %q", msg)
	}
}
