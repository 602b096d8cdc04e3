package vaultsync

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// rulesSchema validates rule files before they are decoded. A file that fails
// validation is a startup error, not a classification error.
const rulesSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "sensitiveTerms": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "term": {"type": "string", "minLength": 1},
          "weight": {"type": "number", "exclusiveMinimum": 0}
        },
        "required": ["term", "weight"],
        "additionalProperties": false
      }
    },
    "clientPreferences": {
      "type": "object",
      "additionalProperties": {
        "type": "string",
        "enum": ["LOCAL_ONLY", "METADATA_ONLY", "FULL_SYNC"]
      }
    },
    "jurisdictions": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "mandatoryLocalRetention": {"type": "boolean"},
          "frameworks": {"type": "array", "items": {"type": "string"}}
        },
        "additionalProperties": false
      }
    },
    "scoreSaturation": {"type": "number", "exclusiveMinimum": 0},
    "localOnlyThreshold": {"type": "number", "minimum": 0, "maximum": 1},
    "metadataOnlyThreshold": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "additionalProperties": false
}`

type WeightedTerm struct {
	Term   string  `yaml:"term" json:"term"`
	Weight float64 `yaml:"weight" json:"weight"`
}

type JurisdictionRule struct {
	MandatoryLocalRetention bool     `yaml:"mandatoryLocalRetention" json:"mandatoryLocalRetention"`
	Frameworks              []string `yaml:"frameworks,omitempty" json:"frameworks,omitempty"`
}

// RuleSet is loaded once at startup and never mutated afterwards. The
// classifier takes it explicitly; there is no module-level rule state.
type RuleSet struct {
	SensitiveTerms        []WeightedTerm              `yaml:"sensitiveTerms"`
	ClientPreferences     map[string]Strategy         `yaml:"clientPreferences"`
	Jurisdictions         map[string]JurisdictionRule `yaml:"jurisdictions"`
	ScoreSaturation       float64                     `yaml:"scoreSaturation"`
	LocalOnlyThreshold    float64                     `yaml:"localOnlyThreshold"`
	MetadataOnlyThreshold float64                     `yaml:"metadataOnlyThreshold"`
}

// DefaultRuleSet carries the built-in term weights. Weight tuning is not
// contractual; only the override priority order and the threshold bands are.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		SensitiveTerms: []WeightedTerm{
			{Term: "attorney-client", Weight: 4},
			{Term: "attorney work product", Weight: 4},
			{Term: "privileged", Weight: 4},
			{Term: "confidential", Weight: 3},
			{Term: "litigation strategy", Weight: 3},
			{Term: "trade secret", Weight: 3},
			{Term: "under seal", Weight: 3},
			{Term: "do not distribute", Weight: 2},
			{Term: "settlement", Weight: 2},
			{Term: "non-disclosure", Weight: 2},
		},
		ClientPreferences: map[string]Strategy{
			"high_security_clients": StrategyLocalOnly,
		},
		Jurisdictions: map[string]JurisdictionRule{
			"belgian":       {MandatoryLocalRetention: false, Frameworks: []string{"GDPR"}},
			"swiss_banking": {MandatoryLocalRetention: true, Frameworks: []string{"FINMA"}},
			"german_bafin":  {MandatoryLocalRetention: true, Frameworks: []string{"BaFin", "GDPR"}},
		},
		ScoreSaturation:       10,
		LocalOnlyThreshold:    0.8,
		MetadataOnlyThreshold: 0.3,
	}
}

// LoadRuleSet reads a YAML rules file, validates it against the embedded
// schema, and merges it over the defaults. An empty path returns the defaults.
func LoadRuleSet(path string) (RuleSet, error) {
	rules := DefaultRuleSet()
	path = strings.TrimSpace(path)
	if path == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, &ConfigurationError{Field: "rules file", Reason: err.Error()}
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return RuleSet{}, &ConfigurationError{Field: "rules file", Reason: err.Error()}
	}
	if err := validateRulesDocument(raw); err != nil {
		return RuleSet{}, &ConfigurationError{Field: "rules file", Reason: err.Error()}
	}
	var loaded RuleSet
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return RuleSet{}, &ConfigurationError{Field: "rules file", Reason: err.Error()}
	}
	if len(loaded.SensitiveTerms) > 0 {
		rules.SensitiveTerms = loaded.SensitiveTerms
	}
	for client, strategy := range loaded.ClientPreferences {
		if rules.ClientPreferences == nil {
			rules.ClientPreferences = map[string]Strategy{}
		}
		rules.ClientPreferences[client] = strategy
	}
	for name, rule := range loaded.Jurisdictions {
		if rules.Jurisdictions == nil {
			rules.Jurisdictions = map[string]JurisdictionRule{}
		}
		rules.Jurisdictions[name] = rule
	}
	if loaded.ScoreSaturation > 0 {
		rules.ScoreSaturation = loaded.ScoreSaturation
	}
	if loaded.LocalOnlyThreshold > 0 {
		rules.LocalOnlyThreshold = loaded.LocalOnlyThreshold
	}
	if loaded.MetadataOnlyThreshold > 0 {
		rules.MetadataOnlyThreshold = loaded.MetadataOnlyThreshold
	}
	if err := rules.validate(); err != nil {
		return RuleSet{}, err
	}
	return rules, nil
}

func validateRulesDocument(raw any) error {
	compiler := jsonschema.NewCompiler()
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(rulesSchema))
	if err != nil {
		return err
	}
	if err := compiler.AddResource("rules.schema.json", schemaDoc); err != nil {
		return err
	}
	schema, err := compiler.Compile("rules.schema.json")
	if err != nil {
		return err
	}
	return schema.Validate(raw)
}

func (r RuleSet) validate() error {
	if r.MetadataOnlyThreshold >= r.LocalOnlyThreshold {
		return &ConfigurationError{
			Field:  "thresholds",
			Reason: fmt.Sprintf("metadataOnlyThreshold %.2f must be below localOnlyThreshold %.2f", r.MetadataOnlyThreshold, r.LocalOnlyThreshold),
		}
	}
	if r.ScoreSaturation <= 0 {
		return &ConfigurationError{Field: "scoreSaturation", Reason: "must be positive"}
	}
	for _, term := range r.SensitiveTerms {
		if strings.TrimSpace(term.Term) == "" || term.Weight <= 0 {
			return &ConfigurationError{Field: "sensitiveTerms", Reason: "terms need non-empty text and positive weight"}
		}
	}
	return nil
}

// sortedTerms returns terms in a stable order so scoring is deterministic
// regardless of rules-file ordering.
func (r RuleSet) sortedTerms() []WeightedTerm {
	terms := append([]WeightedTerm(nil), r.SensitiveTerms...)
	sort.Slice(terms, func(i, j int) bool { return terms[i].Term < terms[j].Term })
	return terms
}
