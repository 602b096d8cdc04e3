package vaultsync

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const maxCountedMatchesPerTerm = 3

// Classifier scores document content and assigns a deployment strategy.
// It holds only immutable state and is safe for concurrent use.
type Classifier struct {
	rules RuleSet
}

func NewClassifier(rules RuleSet) (*Classifier, error) {
	if err := rules.validate(); err != nil {
		return nil, err
	}
	return &Classifier{rules: rules}, nil
}

// Classify never fails open. Any internal error yields a LOCAL_ONLY result
// with zero confidence and a non-nil *ClassificationError the caller must log.
func (c *Classifier) Classify(content string, metadata DocumentMetadata) (ClassificationResult, error) {
	now := time.Now().UTC()

	if err := validateMetadata(c.rules, metadata); err != nil {
		return failClosedResult(now), err
	}

	score, matched := c.patternScore(content)

	strategy := c.thresholdStrategy(score)
	confidence := c.scoreConfidence(score)
	overrideSource := ""

	// Client preference overrides the computed score directly.
	if preferred, ok := c.rules.ClientPreferences[metadata.ClientID]; ok {
		strategy = preferred
		confidence = 1.0
		overrideSource = "client_preference"
	}

	// Regulatory constraints are a hard ceiling: they override the score and
	// any client preference, and are never relaxed by other inputs.
	if rule, ok := c.rules.Jurisdictions[normalizeJurisdiction(metadata.Jurisdiction)]; ok && rule.MandatoryLocalRetention {
		strategy = StrategyLocalOnly
		confidence = 1.0
		overrideSource = "regulatory"
	}

	if strings.TrimSpace(content) == "" && overrideSource == "" {
		strategy = StrategyLocalOnly
		confidence = 0
	}

	result := ClassificationResult{
		Score:              score,
		Strategy:           strategy,
		Confidence:         confidence,
		RequiredEncryption: encryptionForStrategy(strategy),
		RequiredAuditLevel: auditForStrategy(strategy),
		MatchedTerms:       matched,
		OverrideSource:     overrideSource,
		ComputedAt:         now,
	}
	return result, nil
}

// patternScore is a weighted count of sensitive-term matches normalized to
// [0,1]. Matching is case-insensitive; repeat matches of one term saturate.
func (c *Classifier) patternScore(content string) (float64, []string) {
	lowered := strings.ToLower(content)
	raw := 0.0
	var matched []string
	for _, term := range c.rules.sortedTerms() {
		count := strings.Count(lowered, strings.ToLower(term.Term))
		if count == 0 {
			continue
		}
		if count > maxCountedMatchesPerTerm {
			count = maxCountedMatchesPerTerm
		}
		raw += term.Weight * float64(count)
		matched = append(matched, term.Term)
	}
	score := raw / c.rules.ScoreSaturation
	if score > 1 {
		score = 1
	}
	return score, matched
}

func (c *Classifier) thresholdStrategy(score float64) Strategy {
	switch {
	case score >= c.rules.LocalOnlyThreshold:
		return StrategyLocalOnly
	case score >= c.rules.MetadataOnlyThreshold:
		return StrategyMetadataOnly
	default:
		return StrategyFullSync
	}
}

// scoreConfidence grows with the distance from the nearest threshold band
// edge, so borderline scores report low confidence.
func (c *Classifier) scoreConfidence(score float64) float64 {
	distance := math.Min(
		math.Abs(score-c.rules.LocalOnlyThreshold),
		math.Abs(score-c.rules.MetadataOnlyThreshold),
	)
	confidence := 0.5 + distance
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

func validateMetadata(rules RuleSet, metadata DocumentMetadata) error {
	jurisdiction := normalizeJurisdiction(metadata.Jurisdiction)
	if jurisdiction == "" {
		return nil
	}
	if _, ok := rules.Jurisdictions[jurisdiction]; !ok {
		return &ClassificationError{
			Reason: fmt.Sprintf("unrecognized jurisdiction %q", metadata.Jurisdiction),
		}
	}
	return nil
}

// failClosedResult is the only result a failed classification may produce.
func failClosedResult(now time.Time) ClassificationResult {
	return ClassificationResult{
		Score:              1,
		Strategy:           StrategyLocalOnly,
		Confidence:         0,
		RequiredEncryption: encryptionForStrategy(StrategyLocalOnly),
		RequiredAuditLevel: auditForStrategy(StrategyLocalOnly),
		OverrideSource:     "fail_closed",
		ComputedAt:         now,
	}
}

func encryptionForStrategy(strategy Strategy) EncryptionLevel {
	switch strategy {
	case StrategyLocalOnly, StrategyMetadataOnly:
		return EncryptionEnhanced
	default:
		return EncryptionStandard
	}
}

func auditForStrategy(strategy Strategy) AuditLevel {
	switch strategy {
	case StrategyLocalOnly:
		return AuditFull
	case StrategyMetadataOnly:
		return AuditStandard
	default:
		return AuditMinimal
	}
}

func normalizeJurisdiction(j string) string {
	return strings.ToLower(strings.TrimSpace(j))
}
