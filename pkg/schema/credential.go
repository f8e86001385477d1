package schema

import "fmt"

// CredentialKind classifies how a credential's payload is shaped.
type CredentialKind string

const (
	KindSimple     CredentialKind = "simple"     // single scalar value
	KindStructured CredentialKind = "structured" // field-keyed mapping
	KindFile       CredentialKind = "file"       // binary blob
)

// ValidKind reports whether k is a known credential kind.
func ValidKind(k CredentialKind) bool {
	switch k {
	case KindSimple, KindStructured, KindFile:
		return true
	}
	return false
}

// SensitivityTier classifies a credential for export and authorization
// policy strictness. Tiers are ordered: low < medium < high < critical.
type SensitivityTier string

const (
	TierLow      SensitivityTier = "low"
	TierMedium   SensitivityTier = "medium"
	TierHigh     SensitivityTier = "high"
	TierCritical SensitivityTier = "critical"
)

var tierRank = map[SensitivityTier]int{
	TierLow:      0,
	TierMedium:   1,
	TierHigh:     2,
	TierCritical: 3,
}

// ValidTier reports whether t is a known sensitivity tier.
func ValidTier(t SensitivityTier) bool {
	_, ok := tierRank[t]
	return ok
}

// AtLeast reports whether t is at or above the given tier.
func (t SensitivityTier) AtLeast(min SensitivityTier) bool {
	return tierRank[t] >= tierRank[min]
}

// CredentialRef identifies one credential by (namespace, name).
type CredentialRef struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// String returns the canonical "namespace:name" form used in audit
// entries and error keys.
func (r CredentialRef) String() string {
	return fmt.Sprintf("%s:%s", r.Namespace, r.Name)
}
