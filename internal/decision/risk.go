// Package decision holds the return risk and authorization rules. Everything
// here is pure so issuance, authorization and replay verification share it.
package decision

import (
	"math"

	"github.com/davidahmann/arcana/pkg/types"
)

// Risk is tracked in whole points out of 100 so threshold
// comparisons never see float rounding.
const (
	baseRiskBasis          = 10
	highValueRiskBasis     = 30
	notAsDescribedBasis    = 20
	unattestedDeviceBasis  = 15
	highValueCentsCeiling  = 50000
	riskFactorProxyBasis   = 20
	ReasonNotAsDescribed   = "not_as_described"
	ReasonInstantRefund    = "instant_refund_request"
	FactorNewDevice        = "new_device"
	FactorInstantRefund    = "instant_refund_request"
	EvidencePhotoPackaging = "photo_packaging"
	EvidencePhotoItem      = "photo_item"
)

// Request limits for a single line item.
const (
	MaxItemQty    = 10_000
	MaxPriceCents = 100_000_000_000
)

// RiskBasis scores a return request. It is a fixed placeholder model.
func RiskBasis(items []types.ReturnItem, reasonCode, deviceFingerprint, agentID string) int {
	basis := baseRiskBasis
	if TotalCents(items) > highValueCentsCeiling {
		basis += highValueRiskBasis
	}
	if reasonCode == ReasonNotAsDescribed {
		basis += notAsDescribedBasis
	}
	if deviceFingerprint != "" && agentID == "" {
		basis += unattestedDeviceBasis
	}
	return clampBasis(basis)
}

// FactorBasis is the stand-in risk used at authorization time.
func FactorBasis(riskFactors []string) int {
	return clampBasis(len(riskFactors) * riskFactorProxyBasis)
}

// Score converts basis points to the [0,1] score clients see.
func Score(basis int) float64 {
	return float64(basis) / 100
}

// TotalCents sums line totals and saturates at math.MaxInt64. Lines with a
// non-positive qty or price add nothing.
func TotalCents(items []types.ReturnItem) int64 {
	var total int64
	for _, item := range items {
		if item.Qty <= 0 || item.PriceCents <= 0 {
			continue
		}
		qty := int64(item.Qty)
		if item.PriceCents > math.MaxInt64/qty {
			return math.MaxInt64
		}
		line := qty * item.PriceCents
		if total > math.MaxInt64-line {
			return math.MaxInt64
		}
		total += line
	}
	return total
}

func clampBasis(basis int) int {
	if basis < 0 {
		return 0
	}
	if basis > 100 {
		return 100
	}
	return basis
}

// RequiredEvidence maps risk to evidence types. Low risk falls back to the
// policy's own list.
func RequiredEvidence(basis int, policyDefaults []string) []string {
	switch {
	case basis > 60:
		return []string{EvidencePhotoPackaging, EvidencePhotoItem}
	case basis > 30:
		return []string{EvidencePhotoPackaging}
	default:
		return append([]string{}, policyDefaults...)
	}
}

// RiskFactors lists the named signals attached to a token.
func RiskFactors(deviceFirstSeen bool, reasonCode string) []string {
	factors := []string{}
	if deviceFirstSeen {
		factors = append(factors, FactorNewDevice)
	}
	if reasonCode == ReasonInstantRefund {
		factors = append(factors, FactorInstantRefund)
	}
	return factors
}
