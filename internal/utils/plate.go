package utils

import (
	"regexp"
	"strings"
)

var (
	noiseChars = regexp.MustCompile(`[^A-Z0-9]`)

	// State code, RTO district, series, running number.
	plateFormat = regexp.MustCompile(`^[A-Z]{2}[0-9]{1,2}[A-Z]{1,3}[0-9]{3,4}$`)
)

// NormalizePlate canonicalizes raw OCR or operator input into a plate
// identifier: uppercased, with whitespace, separators and any other noise
// characters removed. Returns "" when nothing usable remains.
func NormalizePlate(raw string) string {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	return noiseChars.ReplaceAllString(upper, "")
}

// ValidPlate reports whether a normalized plate matches the registration
// number format. OCR output that fails this check is discarded upstream.
func ValidPlate(normalized string) bool {
	return plateFormat.MatchString(normalized)
}
