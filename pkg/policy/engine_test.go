package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/appstage/pkg/engine"
)

func setupTestEngine(t *testing.T) *Engine {
	t.Helper()

	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func installInput(appID string, installedApps ...string) *engine.PolicyInput {
	return &engine.PolicyInput{
		Mode: "install",
		Candidate: engine.PolicyApp{
			AppID:     appID,
			Version:   3,
			Reference: "https://apps.example.org/" + appID + "/profile.yaml",
		},
		InstalledApps: installedApps,
	}
}

func upgradeInput(candidateApp string, candidateVersion int, installedApp string, installedVersion int) *engine.PolicyInput {
	return &engine.PolicyInput{
		Mode: "upgrade",
		Candidate: engine.PolicyApp{
			AppID:     candidateApp,
			Version:   candidateVersion,
			Reference: "https://apps.example.org/profile.yaml",
		},
		Installed: &engine.PolicyApp{
			AppID:     installedApp,
			Version:   installedVersion,
			Reference: "https://apps.example.org/profile.yaml",
		},
		InstalledApps: []string{},
	}
}

func TestNewEngine(t *testing.T) {
	eng := setupTestEngine(t)

	policies := eng.ListPolicies()
	want := []string{"app-mismatch", "duplicate-app", "version-regression"}
	if len(policies) != len(want) {
		t.Fatalf("expected %d built-in policies, got %d", len(want), len(policies))
	}
	for i, name := range want {
		if policies[i].Name != name {
			t.Errorf("policy %d: expected %s, got %s", i, name, policies[i].Name)
		}
		if !policies[i].Enabled {
			t.Errorf("built-in policy %s should be enabled", name)
		}
	}
}

func TestEvaluateInstall(t *testing.T) {
	eng := setupTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		input    *engine.PolicyInput
		wantCode string
	}{
		{
			name:  "fresh install",
			input: installInput("com.example.clinic", "com.example.other"),
		},
		{
			name:     "already installed",
			input:    installInput("com.example.clinic", "com.example.other", "com.example.clinic"),
			wantCode: CodeDuplicateApp,
		},
		{
			name: "resume is a fresh install",
			input: func() *engine.PolicyInput {
				in := installInput("com.example.clinic", "com.example.clinic")
				in.Mode = "resume"
				return in
			}(),
			wantCode: CodeDuplicateApp,
		},
		{
			name: "upgrade ignores installed apps",
			input: func() *engine.PolicyInput {
				in := upgradeInput("com.example.clinic", 4, "com.example.clinic", 3)
				in.InstalledApps = []string{"com.example.clinic"}
				return in
			}(),
		},
		{
			name:     "upgrade to another app",
			input:    upgradeInput("com.example.other", 4, "com.example.clinic", 3),
			wantCode: CodeAppMismatch,
		},
		{
			name:  "older candidate only warns",
			input: upgradeInput("com.example.clinic", 2, "com.example.clinic", 3),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eng.EvaluateInstall(ctx, tt.input)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("expected install to be allowed, got %v", err)
				}
				return
			}

			var polErr *engine.PolicyError
			if !errors.As(err, &polErr) {
				t.Fatalf("expected PolicyError, got %v", err)
			}
			if !polErr.HasCode(tt.wantCode) {
				t.Errorf("expected violation %s, got %+v", tt.wantCode, polErr.Violations)
			}
		})
	}
}

func TestEvaluateReportsWarnings(t *testing.T) {
	eng := setupTestEngine(t)

	result, err := eng.Evaluate(context.Background(), upgradeInput("com.example.clinic", 2, "com.example.clinic", 3))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Error("a warning must not deny the install")
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Code != CodeVersionRegression {
		t.Errorf("unexpected warnings %+v", result.Warnings)
	}
	if len(result.EvaluatedPolicies) != 3 {
		t.Errorf("expected 3 evaluated policies, got %v", result.EvaluatedPolicies)
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := setupTestEngine(t)
	ctx := context.Background()
	input := installInput("com.example.clinic", "com.example.clinic")

	if err := eng.DisablePolicy("duplicate-app"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	if err := eng.EvaluateInstall(ctx, input); err != nil {
		t.Errorf("disabled policy still denied: %v", err)
	}

	// Survives a reload.
	if err := eng.ReloadPolicies(ctx); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	if err := eng.EvaluateInstall(ctx, input); err != nil {
		t.Errorf("reload re-enabled a disabled policy: %v", err)
	}

	if err := eng.EnablePolicy("duplicate-app"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	if err := eng.EvaluateInstall(ctx, input); err == nil {
		t.Error("expected denial after re-enabling")
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

const vendorPolicy = `# Only example.org applications.
package appstage.install.vendor

import rego.v1

deny contains violation if {
	not startswith(input.candidate.app_id, "org.example.")
	violation := {
		"code": "foreign_vendor",
		"message": sprintf("%s is not an example.org application", [input.candidate.app_id]),
	}
}
`

func TestLoadPolicies(t *testing.T) {
	eng := setupTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "vendor.rego"), []byte(vendorPolicy), 0644); err != nil {
		t.Fatal(err)
	}

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	p, err := eng.GetPolicy("vendor")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Description != "Only example.org applications." {
		t.Errorf("unexpected description %q", p.Description)
	}

	err = eng.EvaluateInstall(ctx, installInput("com.example.clinic"))
	var polErr *engine.PolicyError
	if !errors.As(err, &polErr) || !polErr.HasCode("foreign_vendor") {
		t.Fatalf("expected foreign_vendor denial, got %v", err)
	}
	if err := eng.EvaluateInstall(ctx, installInput("org.example.clinic")); err != nil {
		t.Errorf("expected install to be allowed, got %v", err)
	}

	// Built-in policies stay loaded next to custom ones.
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("expected 4 policies, got %d", len(eng.ListPolicies()))
	}
}

func TestLoadPoliciesRejectsBrokenRego(t *testing.T) {
	eng := setupTestEngine(t)

	path := filepath.Join(t.TempDir(), "broken.rego")
	if err := os.WriteFile(path, []byte("package broken\n\ndeny contains x if {"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{path}); err == nil {
		t.Fatal("expected compile error")
	}
	if len(eng.ListPolicies()) != 3 {
		t.Error("a failed load must leave the loaded policies untouched")
	}
}

func TestCreateViolation(t *testing.T) {
	p := &Policy{Name: "custom", Severity: SeverityWarning}

	v := createViolation(p, "plain message")
	if v.Code != "custom" || v.Message != "plain message" || v.Severity != "warning" {
		t.Errorf("unexpected violation %+v", v)
	}

	v = createViolation(p, map[string]interface{}{"code": "c", "message": "m", "severity": "critical"})
	if v.Code != "c" || v.Message != "m" || !Severity(v.Severity).Blocks() {
		t.Errorf("unexpected violation %+v", v)
	}
}
