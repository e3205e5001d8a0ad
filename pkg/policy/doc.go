// Package policy decides with Open Policy Agent whether a candidate
// application profile may be installed.
//
// # Architecture
//
//  1. Engine - compiles Rego policies and evaluates them against an
//     engine.PolicyInput. It implements engine.InstallPolicy.
//  2. Loader - reads custom policies from .rego files and from .json or
//     .yaml definitions and bundles, and watches them for changes.
//  3. Built-in policies - duplicate-app, app-mismatch and
//     version-regression.
//
// Every policy package defines a "deny" set. An element is either a
// message string or an object with "message", and optionally "code" and
// "severity". Elements of severity error or critical deny the install;
// the rest are logged as warnings.
//
// # Usage
//
//	pe, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := pe.LoadPolicies(ctx, []string{"/var/lib/appstage/policies"}); err != nil {
//	    return err
//	}
//	upgrader := engine.NewUpgrader(store, res, cfg, engine.WithInstallPolicy(pe))
//
// # Writing a policy
//
//	package appstage.install.vendor
//
//	import rego.v1
//
//	deny contains violation if {
//	    not startswith(input.candidate.app_id, "org.example.")
//	    violation := {
//	        "code": "foreign_vendor",
//	        "message": sprintf("%s is not an example.org application", [input.candidate.app_id]),
//	    }
//	}
//
// The input document carries mode, candidate, installed, installed_apps and
// requirements, as defined by engine.PolicyInput.
//
// A denial whose code is duplicate_app surfaces as the DuplicateApp outcome.
// Any other denial surfaces as IncompatibleRequirements.
package policy
