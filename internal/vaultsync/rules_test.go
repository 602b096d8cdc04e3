package vaultsync

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRulesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}
	return path
}

func TestLoadRuleSetEmptyPathReturnsDefaults(t *testing.T) {
	rules, err := LoadRuleSet("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rules.LocalOnlyThreshold != 0.8 || rules.MetadataOnlyThreshold != 0.3 {
		t.Fatalf("unexpected default thresholds: %+v", rules)
	}
	if len(rules.SensitiveTerms) == 0 {
		t.Fatalf("expected built-in sensitive terms")
	}
}

func TestLoadRuleSetMergesOverDefaults(t *testing.T) {
	path := writeRulesFile(t, `
sensitiveTerms:
  - term: grand jury
    weight: 5
clientPreferences:
  meridian_llp: METADATA_ONLY
jurisdictions:
  luxembourg:
    mandatoryLocalRetention: true
    frameworks: [CSSF]
localOnlyThreshold: 0.9
`)
	rules, err := LoadRuleSet(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules.SensitiveTerms) != 1 || rules.SensitiveTerms[0].Term != "grand jury" {
		t.Fatalf("expected sensitive terms to be replaced, got %+v", rules.SensitiveTerms)
	}
	if rules.ClientPreferences["meridian_llp"] != StrategyMetadataOnly {
		t.Fatalf("expected merged client preference, got %+v", rules.ClientPreferences)
	}
	// Built-in preferences must survive the merge.
	if rules.ClientPreferences["high_security_clients"] != StrategyLocalOnly {
		t.Fatalf("expected default client preference to survive, got %+v", rules.ClientPreferences)
	}
	if !rules.Jurisdictions["luxembourg"].MandatoryLocalRetention {
		t.Fatalf("expected luxembourg retention rule, got %+v", rules.Jurisdictions)
	}
	if rules.LocalOnlyThreshold != 0.9 {
		t.Fatalf("expected localOnlyThreshold 0.9, got %f", rules.LocalOnlyThreshold)
	}
	if rules.MetadataOnlyThreshold != 0.3 {
		t.Fatalf("expected default metadataOnlyThreshold, got %f", rules.MetadataOnlyThreshold)
	}
}

func TestLoadRuleSetRejectsUnknownKeys(t *testing.T) {
	path := writeRulesFile(t, `
sensitiveterms: []
surpriseKey: true
`)
	if _, err := LoadRuleSet(path); err == nil {
		t.Fatalf("expected schema validation error for unknown keys")
	}
}

func TestLoadRuleSetRejectsNonPositiveWeight(t *testing.T) {
	path := writeRulesFile(t, `
sensitiveTerms:
  - term: subpoena
    weight: 0
`)
	if _, err := LoadRuleSet(path); err == nil {
		t.Fatalf("expected schema validation error for zero weight")
	}
}

func TestLoadRuleSetRejectsInvalidStrategy(t *testing.T) {
	path := writeRulesFile(t, `
clientPreferences:
  acme: SOMETIMES
`)
	if _, err := LoadRuleSet(path); err == nil {
		t.Fatalf("expected schema validation error for unknown strategy")
	}
}

func TestLoadRuleSetRejectsInvertedThresholds(t *testing.T) {
	path := writeRulesFile(t, `
localOnlyThreshold: 0.2
metadataOnlyThreshold: 0.6
`)
	if _, err := LoadRuleSet(path); err == nil {
		t.Fatalf("expected validation error for inverted thresholds")
	}
}

func TestLoadRuleSetMissingFile(t *testing.T) {
	if _, err := LoadRuleSet(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing rules file")
	}
}

func TestSortedTermsIsStable(t *testing.T) {
	rules := RuleSet{
		SensitiveTerms: []WeightedTerm{
			{Term: "zeta", Weight: 1},
			{Term: "alpha", Weight: 1},
			{Term: "mid", Weight: 1},
		},
		ScoreSaturation:       10,
		LocalOnlyThreshold:    0.8,
		MetadataOnlyThreshold: 0.3,
	}
	terms := rules.sortedTerms()
	if terms[0].Term != "alpha" || terms[1].Term != "mid" || terms[2].Term != "zeta" {
		t.Fatalf("terms not sorted: %+v", terms)
	}
	if rules.SensitiveTerms[0].Term != "zeta" {
		t.Fatalf("sortedTerms must not mutate the rule set")
	}
}
