package logging

import "fmt"

// maskPrefixLen is how many leading characters of an identifier survive
// masking. Enough to correlate log lines, not enough to replay a credential.
const maskPrefixLen = 6

// MaskIdentifier returns a log-safe form of an identifier. API-key
// identifiers are credentials; only a short prefix and the total length are
// ever logged.
//
//	MaskIdentifier("sk-proj-abcdef123456") == "sk-pro…(20)"
func MaskIdentifier(identifier string) string {
	if len(identifier) <= maskPrefixLen {
		return fmt.Sprintf("%s…(%d)", identifier, len(identifier))
	}
	return fmt.Sprintf("%s…(%d)", identifier[:maskPrefixLen], len(identifier))
}
