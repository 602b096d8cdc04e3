package vaultsync

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Strategy decides what, if anything, about a document may reach the cloud store.
type Strategy string

const (
	StrategyLocalOnly    Strategy = "LOCAL_ONLY"
	StrategyMetadataOnly Strategy = "METADATA_ONLY"
	StrategyFullSync     Strategy = "FULL_SYNC"
)

// EncryptionLevel selects the AEAD used for changeset payloads.
type EncryptionLevel string

const (
	EncryptionStandard EncryptionLevel = "aes256gcm"
	EncryptionEnhanced EncryptionLevel = "xchacha20poly1305"
)

// AuditLevel controls how much detail sync audit entries carry.
type AuditLevel string

const (
	AuditMinimal  AuditLevel = "minimal"
	AuditStandard AuditLevel = "standard"
	AuditFull     AuditLevel = "full"
)

type DocumentMetadata struct {
	ClientID     string `json:"clientId"`
	PracticeArea string `json:"practiceArea,omitempty"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
}

// ClassificationResult is immutable once produced. Re-classification appends a
// new result to the document's history, it never mutates an old one.
type ClassificationResult struct {
	Score              float64         `json:"score"`
	Strategy           Strategy        `json:"strategy"`
	Confidence         float64         `json:"confidence"`
	RequiredEncryption EncryptionLevel `json:"requiredEncryption"`
	RequiredAuditLevel AuditLevel      `json:"requiredAuditLevel"`
	MatchedTerms       []string        `json:"matchedTerms,omitempty"`
	OverrideSource     string          `json:"overrideSource,omitempty"`
	ComputedAt         time.Time       `json:"computedAt"`
}

// Document is owned exclusively by the local store. RawContent never leaves it;
// the cloud store holds at most the fields the current strategy permits.
type Document struct {
	ID                    string                 `json:"id"`
	ContentHash           string                 `json:"contentHash"`
	RawContent            string                 `json:"rawContent,omitempty"`
	Metadata              DocumentMetadata       `json:"metadata"`
	Classification        *ClassificationResult  `json:"classification,omitempty"`
	ClassificationHistory []ClassificationResult `json:"classificationHistory,omitempty"`
	LocalVersion          string                 `json:"localVersion"`
	RemoteVersion         string                 `json:"remoteVersion,omitempty"`
	CreatedAt             time.Time              `json:"createdAt"`
	UpdatedAt             time.Time              `json:"updatedAt"`
}

// DocumentChanges carries a single edit submitted for synchronization.
// Zero-value fields mean "unchanged".
type DocumentChanges struct {
	Content  *string           `json:"content,omitempty"`
	Metadata *DocumentMetadata `json:"metadata,omitempty"`
}

func (c DocumentChanges) touchesContent() bool {
	return c.Content != nil
}

// ContentHash returns the sha256 hex digest used for content addressing.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func normalizeDocumentID(id string) string {
	return strings.TrimSpace(id)
}
