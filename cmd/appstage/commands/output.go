package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/openfroyo/appstage/pkg/engine"
)

// Exit codes.
const (
	exitError   = 1
	exitOutcome = 2
	exitRetry   = 3
)

// outcomeError reports an attempt that finished without leaving the device
// in a good state.
type outcomeError struct {
	outcome engine.Outcome
}

func (e *outcomeError) Error() string {
	return e.outcome.String()
}

func (e *outcomeError) Unwrap() error {
	return e.outcome.Cause
}

// ExitCode maps a command error to a process exit code. A failed attempt
// exits with 2, or 3 when retrying later may succeed.
func ExitCode(err error) int {
	var oe *outcomeError
	if errors.As(err, &oe) {
		if oe.outcome.Retryable {
			return exitRetry
		}
		return exitOutcome
	}
	return exitError
}

// outcomeJSON is the --json rendering of an Outcome.
type outcomeJSON struct {
	engine.Outcome
	Succeeded bool   `json:"succeeded"`
	Message   string `json:"message"`
	Cause     string `json:"cause,omitempty"`
}

// reportOutcome prints out and returns an error when it is a failure.
func reportOutcome(w io.Writer, out engine.Outcome) error {
	if jsonOutput {
		doc := outcomeJSON{Outcome: out, Succeeded: out.Succeeded(), Message: out.String()}
		if out.Cause != nil {
			doc.Cause = out.Cause.Error()
		}
		if err := writeJSON(w, doc); err != nil {
			return err
		}
	} else {
		switch out.Kind {
		case engine.OutcomeInstalled:
			fmt.Fprintf(w, "✓ Installed version %d\n", out.Version)
		case engine.OutcomeUpToDate:
			fmt.Fprintf(w, "✓ Up to date (version %d)\n", out.Version)
		case engine.OutcomeStagedNotNewer:
			fmt.Fprintf(w, "✓ Staged version %d is not newer than the installed version; run 'appstage apply --force' to install it anyway\n", out.Version)
		default:
			fmt.Fprintf(w, "✗ %s\n", out.String())
			for _, v := range out.Violations {
				fmt.Fprintf(w, "  - [%s] %s\n", v.Code, v.Message)
			}
		}
	}

	if out.Succeeded() {
		return nil
	}
	return &outcomeError{outcome: out}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// progressPrinter writes progress updates as single lines. Updates are
// already throttled by the engine.
func progressPrinter(w io.Writer) engine.ProgressSink {
	return engine.ProgressFunc(func(p engine.Progress) {
		if jsonOutput {
			return
		}
		if p.Total > 0 {
			fmt.Fprintf(w, "%s %d/%d\n", p.Phase, p.Completed, p.Total)
			return
		}
		fmt.Fprintf(w, "%s %d\n", p.Phase, p.Completed)
	})
}
