package features

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// Known category spellings, keyed by case-folded input.
var (
	bodyTypes = map[string]string{
		"sedan":     "Sedan",
		"suv":       "SUV",
		"pickup":    "Pickup",
		"coupe":     "Coupe",
		"hatchback": "Hatchback",
	}

	transmissions = map[string]string{
		"manual":    "Manual",
		"automatic": "Automatic",
		"cvt":       "Automatic", // continuously variable
		"dct":       "Automatic", // dual clutch
	}

	fuelTypes = map[string]string{
		"petrol":   "Petrol",
		"diesel":   "Diesel",
		"hybrid":   "Hybrid",
		"electric": "Electric",
		"cng":      "Petrol",
	}

	truthyTokens = map[string]bool{
		"yes":  true,
		"y":    true,
		"true": true,
		"1":    true,
	}
)

// ResolveBodyType maps a body type spelling onto the trained vocabulary,
// falling back to title case for unknown values.
func ResolveBodyType(s string) string {
	return resolve(bodyTypes, s)
}

// ResolveTransmission collapses semi-automatic variants into "Automatic".
func ResolveTransmission(s string) string {
	return resolve(transmissions, s)
}

// ResolveFuelType maps compressed natural gas onto "Petrol".
func ResolveFuelType(s string) string {
	return resolve(fuelTypes, s)
}

// ResolveColor title-cases a free-form color.
func ResolveColor(s string) string {
	return TitleCase(s)
}

// ResolveInteriors is total: truthy tokens give "Yes", anything else "No".
func ResolveInteriors(s string) string {
	if truthyTokens[fold(s)] {
		return "Yes"
	}
	return "No"
}

// TitleCase upper-cases every cased rune that follows an uncased one and
// lower-cases the rest, so "metallic_grey" becomes "Metallic_Grey" and
// "o'neil" becomes "O'Neil".
func TitleCase(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))

	prevCased := false
	for _, r := range s {
		cased := unicode.IsUpper(r) || unicode.IsLower(r) || unicode.IsTitle(r)
		switch {
		case cased && prevCased:
			b.WriteRune(unicode.ToLower(r))
		case cased:
			b.WriteRune(unicode.ToTitle(r))
		default:
			b.WriteRune(r)
		}
		prevCased = cased
	}
	return b.String()
}

// fold returns the lookup key for a category spelling.
func fold(s string) string {
	// Casers are stateful, so one is built per call.
	return cases.Fold().String(strings.TrimSpace(s))
}

func resolve(table map[string]string, s string) string {
	if v, ok := table[fold(s)]; ok {
		return v
	}
	return TitleCase(s)
}
