package masking

// Service applies code-based maskers first, then the regex patterns.
// Safe for concurrent use once constructed.
type Service struct {
	maskers  []Masker
	patterns []CompiledPattern
}

// NewService builds a service with the built-in patterns plus any
// extra code-based maskers.
func NewService(maskers ...Masker) *Service {
	return &Service{
		maskers:  maskers,
		patterns: builtinPatterns,
	}
}

// Mask scrubs credential material from the string.
func (s *Service) Mask(data string) string {
	for _, m := range s.maskers {
		if m.AppliesTo(data) {
			data = m.Mask(data)
		}
	}
	for i := range s.patterns {
		p := &s.patterns[i]
		data = p.Regex.ReplaceAllString(data, p.Replacement)
	}
	return data
}

// MaskMap scrubs every string value in the map in place and returns it.
func (s *Service) MaskMap(output map[string]any) map[string]any {
	for key, value := range output {
		if str, ok := value.(string); ok {
			output[key] = s.Mask(str)
		}
	}
	return output
}
