package policy

import (
	"time"
)

// Violation codes produced by the built-in policies.
const (
	CodeDuplicateApp      = "duplicate_app"
	CodeAppMismatch       = "app_mismatch"
	CodeVersionRegression = "version_regression"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		duplicateAppPolicy(),
		appMismatchPolicy(),
		versionRegressionPolicy(),
	}
}

// duplicateAppPolicy refuses a fresh install of an app the device already runs.
func duplicateAppPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        "duplicate-app",
		Description: "Refuses to install an application that is already installed on the device",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"install"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package appstage.install.duplicate_app

import rego.v1

fresh_install if input.mode in {"install", "resume"}

deny contains violation if {
	fresh_install
	some app in input.installed_apps
	app == input.candidate.app_id
	violation := {
		"code": "duplicate_app",
		"message": sprintf("application %s is already installed on this device", [app]),
	}
}
`,
	}
}

// appMismatchPolicy refuses to replace the live profile with another app's.
func appMismatchPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        "app-mismatch",
		Description: "Refuses an upgrade whose profile belongs to a different application",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"upgrade"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package appstage.install.app_mismatch

import rego.v1

deny contains violation if {
	installed := input.installed
	installed.app_id != ""
	installed.app_id != input.candidate.app_id
	violation := {
		"code": "app_mismatch",
		"message": sprintf("profile at %s is for %s but %s is installed", [input.candidate.reference, input.candidate.app_id, installed.app_id]),
	}
}
`,
	}
}

// versionRegressionPolicy flags a candidate older than the live profile.
// The upgrader never commits such a candidate; the warning explains why.
func versionRegressionPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        "version-regression",
		Description: "Warns when the candidate profile is older than the installed one",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"upgrade"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package appstage.install.version_regression

import rego.v1

deny contains violation if {
	installed := input.installed
	input.candidate.version < installed.version
	violation := {
		"code": "version_regression",
		"severity": "warning",
		"message": sprintf("candidate version %d is older than installed version %d", [input.candidate.version, installed.version]),
	}
}
`,
	}
}
