package policy

import (
	"github.com/davidahmann/arcana/internal/crypto"
	"github.com/davidahmann/arcana/pkg/types"
)

const (
	DefaultReturnWindowDays = 30
	DefaultRestockFeePct    = 0
)

// Defaults returns the fields used when extraction finds nothing.
func Defaults() types.PolicyFields {
	return types.PolicyFields{
		ReturnWindowDays: DefaultReturnWindowDays,
		RestockFeePct:    DefaultRestockFeePct,
		AllowedChannels:  []string{types.ChannelMailIn, types.ChannelDropOff},
		Evidence:         []string{"photo_packaging"},
		Exclusions:       []string{},
		ItemClasses:      []types.ItemClassRule{},
		GeoRules:         []types.GeoRule{},
	}
}

// Normalize replaces nil lists with empty ones so absent and empty hash alike.
func Normalize(f types.PolicyFields) types.PolicyFields {
	if f.AllowedChannels == nil {
		f.AllowedChannels = []string{}
	}
	if f.Evidence == nil {
		f.Evidence = []string{}
	}
	if f.Exclusions == nil {
		f.Exclusions = []string{}
	}
	if f.ItemClasses == nil {
		f.ItemClasses = []types.ItemClassRule{}
	}
	if f.GeoRules == nil {
		f.GeoRules = []types.GeoRule{}
	}
	return f
}

// ContentHash computes the content address of the seven policy fields.
func ContentHash(f types.PolicyFields) (string, error) {
	return crypto.CanonicalDigest(hashView(Normalize(f)))
}

func hashView(f types.PolicyFields) map[string]any {
	itemClasses := make([]any, 0, len(f.ItemClasses))
	for _, rule := range f.ItemClasses {
		itemClasses = append(itemClasses, map[string]any{
			"class":       rule.Class,
			"window_days": rule.WindowDays,
		})
	}
	geoRules := make([]any, 0, len(f.GeoRules))
	for _, rule := range f.GeoRules {
		geoRules = append(geoRules, map[string]any{
			"country":     rule.Country,
			"window_days": rule.WindowDays,
		})
	}
	return map[string]any{
		"return_window_days": f.ReturnWindowDays,
		"restock_fee_pct":    f.RestockFeePct,
		"allowed_channels":   f.AllowedChannels,
		"evidence":           f.Evidence,
		"exclusions":         f.Exclusions,
		"item_classes":       itemClasses,
		"geo_rules":          geoRules,
	}
}
