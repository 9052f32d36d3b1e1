package utils

import "testing"

func TestNormalizeFacilityName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Sunrise Manor, LLC", "sunrise manor"},
		{"The Oaks at Shaker Heights, Inc.", "oaks at shaker heights"},
		{"  SUNRISE   manor  ", "sunrise manor"},
		{"St. Mary's Care Center", "st marys care center"},
		{"Maple & Vine Nursing Co", "maple and vine nursing"},
		{"Résidence Élan", "residence elan"},
		{"Acme Holdings LLC Inc", "acme holdings"},
		{"The", "the"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeFacilityName(tc.in); got != tc.want {
			t.Fatalf("NormalizeFacilityName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeLocality(t *testing.T) {
	if got := NormalizeLocality("  Shaker   Heights "); got != "shaker heights" {
		t.Fatalf("got %q", got)
	}
	if NormalizeLocality("Shaker Hts") == NormalizeLocality("Shaker Heights") {
		t.Fatalf("abbreviations must not be expanded")
	}
}
