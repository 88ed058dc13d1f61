// Package masking scrubs credential material from tool output before it
// reaches the LLM provider, the event stream, or blob storage. Audit
// targets routinely contain live secrets (.env files, CI configs,
// committed keys); the scanners read them, the model must not.
package masking

// Masker is the interface for code-based maskers that need structural
// awareness beyond regex matching.
type Masker interface {
	// Name returns the unique identifier for this masker.
	Name() string

	// AppliesTo performs a lightweight check on whether this masker
	// should process the data. Should be fast (string contains, not parsing).
	AppliesTo(data string) bool

	// Mask applies masking logic and returns the masked result.
	// Must be defensive: return original data on parse/processing errors.
	Mask(data string) string
}
