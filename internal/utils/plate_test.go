package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePlate(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"MH-12-AB1234", "MH12AB1234"},
		{" ka 05 xy 9999 ", "KA05XY9999"},
		{"dl.8c.af.5031", "DL8CAF5031"},
		{"MH12 AB-1234\n", "MH12AB1234"},
		{"!!??", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePlate(tt.raw), "raw %q", tt.raw)
	}
}

func TestValidPlate(t *testing.T) {
	valid := []string{"MH12AB1234", "KA05XY9999", "DL8CAF5031", "TN22A123"}
	for _, plate := range valid {
		assert.True(t, ValidPlate(plate), "plate %q", plate)
	}

	invalid := []string{
		"",
		"MH12AB1234X", // trailing letter
		"1234567890",  // digits only
		"ABCDEFGH",    // letters only
		"M12AB1234",   // single-letter state code
		"EXIT",        // signage text the OCR sometimes reads
	}
	for _, plate := range invalid {
		assert.False(t, ValidPlate(plate), "plate %q", plate)
	}
}
