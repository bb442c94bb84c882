package policy

import (
	"slices"
	"strings"

	"github.com/davidahmann/arcana/pkg/types"
)

// EffectiveWindowDays applies the geo override for country, then the tightest
// item-class override among items.
func EffectiveWindowDays(f types.PolicyFields, items []types.ReturnItem, country string) int {
	window := f.ReturnWindowDays
	if country != "" {
		for _, rule := range f.GeoRules {
			if strings.EqualFold(rule.Country, country) {
				window = rule.WindowDays
				break
			}
		}
	}

	tightest := 0
	for _, item := range items {
		if item.ItemClass == "" {
			continue
		}
		for _, rule := range f.ItemClasses {
			if rule.Class != item.ItemClass {
				continue
			}
			if tightest == 0 || rule.WindowDays < tightest {
				tightest = rule.WindowDays
			}
		}
	}
	if tightest > 0 {
		window = tightest
	}
	return window
}

// Excluded returns the SKUs or item classes of items that the policy excludes,
// in item order without duplicates.
func Excluded(f types.PolicyFields, items []types.ReturnItem) []string {
	var out []string
	for _, item := range items {
		var hit string
		switch {
		case slices.Contains(f.Exclusions, item.SKU):
			hit = item.SKU
		case item.ItemClass != "" && slices.Contains(f.Exclusions, item.ItemClass):
			hit = item.ItemClass
		default:
			continue
		}
		if !slices.Contains(out, hit) {
			out = append(out, hit)
		}
	}
	return out
}

// ChannelAllowed reports whether channel is one of the policy's return channels.
func ChannelAllowed(f types.PolicyFields, channel string) bool {
	return slices.Contains(f.AllowedChannels, channel)
}
