package dssync

import (
	"log"
	"strings"
	"time"

	"github.com/biter777/countries"
	"github.com/ttacon/libphonenumber"
)

// NormalizeCell prepares one dossier champ value for a Grist cell. Phone and
// country champs are recognized by their label; RFC 3339 timestamps collapse
// to a plain date; everything else passes through unchanged.
func NormalizeCell(label, value string) string {
	if value == "" {
		return ""
	}
	switch {
	case looksLikePhoneLabel(label):
		return NormalizePhone(value)
	case looksLikeCountryLabel(label):
		return NormalizeCountry(value)
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC().Format("2006-01-02")
	}
	return value
}

// NormalizePhone formats a phone number in E.164, defaulting to the French
// region. Unparsable numbers are kept raw with a warning.
func NormalizePhone(value string) string {
	num, err := libphonenumber.Parse(value, "FR")
	if err != nil {
		log.Printf("Warning: failed to parse phone number %q: %v (keeping raw value)", value, err)
		return value
	}
	return libphonenumber.Format(num, libphonenumber.E164)
}

// NormalizeCountry maps a country name or ISO code to its canonical English
// name. Unknown values are kept raw.
func NormalizeCountry(value string) string {
	c := countries.ByName(value) // matches on Alpha-2 / Alpha-3 / Name
	if c == countries.Unknown {
		return value
	}
	return c.String()
}

func looksLikePhoneLabel(label string) bool {
	l := strings.ToLower(label)
	return strings.Contains(l, "téléphone") ||
		strings.Contains(l, "telephone") ||
		strings.Contains(l, "phone")
}

func looksLikeCountryLabel(label string) bool {
	l := strings.ToLower(label)
	return l == "pays" || l == "country" ||
		strings.Contains(l, "pays de ") ||
		strings.HasSuffix(l, " pays")
}
