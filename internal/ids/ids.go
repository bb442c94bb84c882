// Package ids mints prefixed opaque identifiers.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

const (
	PrefixToken    = "rt"
	PrefixTrace    = "trc"
	PrefixDecision = "dec"
	PrefixEvidence = "evd"
	PrefixReplay   = "rpl"
	PrefixPolicy   = "plc"
	PrefixLabel    = "lbl"
	PrefixAudit    = "aud"
)

// Generator mints an id for a prefix. Services accept one so tests can pin ids.
type Generator func(prefix string) string

// New returns prefix_<32 hex chars> backed by a random UUID.
func New(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id was minted for prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}
