package policy

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/davidahmann/arcana/pkg/types"
)

// Extractor turns raw policy text into fields and a confidence in [0,1].
type Extractor interface {
	Extract(raw string) (types.PolicyFields, float64)
}

// KeywordExtractor is a best-effort keyword reader. Anything it cannot find
// falls back to Defaults.
type KeywordExtractor struct{}

var (
	windowPattern  = regexp.MustCompile(`(?i)(\d+)\s*(?:-\s*)?days?`)
	restockPattern = regexp.MustCompile(`(?i)(\d{1,3})\s*%\s*(?:restocking|restock)`)
)

var channelKeywords = []struct {
	pattern *regexp.Regexp
	channel string
}{
	{regexp.MustCompile(`(?i)\bmail(?:ed|-in| in|ing)?\b`), types.ChannelMailIn},
	{regexp.MustCompile(`(?i)\bdrop[\s-]?off\b`), types.ChannelDropOff},
	{regexp.MustCompile(`(?i)\bin[\s-]store\b`), types.ChannelInStore},
}

var exclusionKeywords = []struct {
	pattern   *regexp.Regexp
	exclusion string
}{
	{regexp.MustCompile(`(?i)\bfinal\s+sale\b`), "final_sale"},
	{regexp.MustCompile(`(?i)\bgift\s+cards?\b`), "gift_cards"},
	{regexp.MustCompile(`(?i)\bpersonali[sz]ed\b`), "personalized"},
	{regexp.MustCompile(`(?i)\bperishables?\b`), "perishables"},
}

func (KeywordExtractor) Extract(raw string) (types.PolicyFields, float64) {
	fields := Defaults()
	found := 0

	if m := windowPattern.FindStringSubmatch(raw); m != nil {
		if days, err := strconv.Atoi(m[1]); err == nil && days > 0 {
			fields.ReturnWindowDays = days
			found++
		}
	}
	if m := restockPattern.FindStringSubmatch(raw); m != nil {
		if pct, err := strconv.Atoi(m[1]); err == nil && pct <= 100 {
			fields.RestockFeePct = pct
			found++
		}
	}

	var channels []string
	for _, kw := range channelKeywords {
		if kw.pattern.MatchString(raw) {
			channels = append(channels, kw.channel)
		}
	}
	if len(channels) > 0 {
		fields.AllowedChannels = channels
		found++
	}

	if strings.Contains(strings.ToLower(raw), "receipt") {
		fields.Evidence = append(fields.Evidence, "receipt")
		found++
	}

	for _, kw := range exclusionKeywords {
		if kw.pattern.MatchString(raw) {
			fields.Exclusions = append(fields.Exclusions, kw.exclusion)
		}
	}
	if len(fields.Exclusions) > 0 {
		found++
	}

	confidence := 0.2 + 0.16*float64(found)
	if confidence > 1 {
		confidence = 1
	}
	return fields, confidence
}
