package vaultsync

import "time"

// DeploymentMode selects how much of the corpus may become cloud-resident.
type DeploymentMode string

const (
	ModeLocalOnly   DeploymentMode = "LOCAL_ONLY"
	ModeHybridCloud DeploymentMode = "HYBRID_CLOUD"
	ModeCloudOnly   DeploymentMode = "CLOUD_ONLY"
)

// SecurityContext bundles the encryption, audit, and session parameters for a
// deployment mode. Immutable after construction.
type SecurityContext struct {
	Mode                 DeploymentMode  `json:"mode"`
	EncryptionLevel      EncryptionLevel `json:"encryptionLevel"`
	DataResidency        string          `json:"dataResidency"`
	AuditRequirements    []string        `json:"auditRequirements"`
	ComplianceFrameworks []string        `json:"complianceFrameworks"`
	SessionTimeout       time.Duration   `json:"sessionTimeout"`
	MaxFailedAttempts    int             `json:"maxFailedAttempts"`
	LockoutDuration      time.Duration   `json:"lockoutDuration"`
}

// ResolveSecurityContext is a pure function from the mode enum to a fixed
// configuration. Session and lockout parameters tighten as residency loosens.
func ResolveSecurityContext(mode DeploymentMode) (SecurityContext, error) {
	switch mode {
	case ModeLocalOnly:
		return SecurityContext{
			Mode:                 ModeLocalOnly,
			EncryptionLevel:      EncryptionStandard,
			DataResidency:        "on_premises",
			AuditRequirements:    []string{"operation_log"},
			ComplianceFrameworks: []string{"GDPR"},
			SessionTimeout:       8 * time.Hour,
			MaxFailedAttempts:    10,
			LockoutDuration:      5 * time.Minute,
		}, nil
	case ModeHybridCloud:
		return SecurityContext{
			Mode:                 ModeHybridCloud,
			EncryptionLevel:      EncryptionEnhanced,
			DataResidency:        "on_premises_with_cloud_metadata",
			AuditRequirements:    []string{"operation_log", "cloud_transfer_log"},
			ComplianceFrameworks: []string{"GDPR", "ISO27001"},
			SessionTimeout:       2 * time.Hour,
			MaxFailedAttempts:    5,
			LockoutDuration:      15 * time.Minute,
		}, nil
	case ModeCloudOnly:
		return SecurityContext{
			Mode:                 ModeCloudOnly,
			EncryptionLevel:      EncryptionEnhanced,
			DataResidency:        "cloud_resident",
			AuditRequirements:    []string{"operation_log", "cloud_transfer_log", "access_log"},
			ComplianceFrameworks: []string{"GDPR", "ISO27001", "SOC2"},
			SessionTimeout:       30 * time.Minute,
			MaxFailedAttempts:    3,
			LockoutDuration:      time.Hour,
		}, nil
	default:
		return SecurityContext{}, &ConfigurationError{
			Field:  "deployment mode",
			Reason: "must be LOCAL_ONLY, HYBRID_CLOUD, or CLOUD_ONLY",
		}
	}
}

// ParseDeploymentMode maps configuration strings onto the mode enum.
func ParseDeploymentMode(raw string) (DeploymentMode, error) {
	switch DeploymentMode(raw) {
	case ModeLocalOnly, ModeHybridCloud, ModeCloudOnly:
		return DeploymentMode(raw), nil
	case "":
		return ModeLocalOnly, nil
	default:
		return "", &ConfigurationError{Field: "deployment mode", Reason: "unknown mode " + raw}
	}
}
