package features

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// aliases maps every canonical field to the key the frontend form sends.
// Order matters: it is the order offending fields are reported in.
var aliases = []struct {
	field string
	alias string
}{
	{FieldBodyType, "bodyType"},
	{FieldTransmission, "transmission"},
	{FieldFuelType, "fuelType"},
	{FieldColor, "color"},
	{FieldHorsepower, "horsepower"},
	{FieldTopSpeed, "topSpeed"},
	{FieldCustomisableInteriors, "customInteriors"},
	{FieldMileageKmpl, "mileage"},
	{FieldPriceINR, "price"},
}

// AliasOf returns the frontend key accepted for a canonical field.
func AliasOf(field string) string {
	for _, a := range aliases {
		if a.field == field {
			return a.alias
		}
	}
	return ""
}

// ValidationError lists every field that was missing or could not be converted.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "Missing or invalid fields: " + strings.Join(e.Fields, ", ")
}

// Normalize resolves aliases, canonicalizes categories, coerces numerics and
// checks completeness. It never defaults a missing field.
func Normalize(raw RawInput) (Record, error) {
	var (
		rec     Record
		invalid []string
	)

	category := func(field string, resolveFn func(string) string) string {
		v, _ := raw.lookup(field)
		s, ok := scalarText(v)
		if !ok {
			invalid = append(invalid, field)
			return ""
		}
		out := resolveFn(s)
		if out == "" {
			invalid = append(invalid, field)
		}
		return out
	}

	// Interiors only fail when absent or null.
	interiors := func() string {
		v, _ := raw.lookup(FieldCustomisableInteriors)
		if v == nil {
			invalid = append(invalid, FieldCustomisableInteriors)
			return ""
		}
		s, _ := scalarText(v)
		return ResolveInteriors(s)
	}

	number := func(field string) float64 {
		v, _ := raw.lookup(field)
		f, ok := toFloat(v)
		if !ok {
			invalid = append(invalid, field)
			return 0
		}
		return f
	}

	rec.BodyType = category(FieldBodyType, ResolveBodyType)
	rec.Transmission = category(FieldTransmission, ResolveTransmission)
	rec.FuelType = category(FieldFuelType, ResolveFuelType)
	rec.Color = category(FieldColor, ResolveColor)
	rec.Horsepower = number(FieldHorsepower)
	rec.TopSpeed = number(FieldTopSpeed)
	rec.CustomisableInteriors = interiors()
	rec.MileageKmpl = number(FieldMileageKmpl)
	rec.PriceINR = number(FieldPriceINR)

	if len(invalid) > 0 {
		return Record{}, &ValidationError{Fields: invalid}
	}
	return rec, nil
}

// lookup prefers the canonical key and falls back to the alias. Presence
// decides, so a canonical key holding null does not fall back.
func (r RawInput) lookup(field string) (any, bool) {
	if v, ok := r[field]; ok {
		return v, true
	}
	if v, ok := r[AliasOf(field)]; ok {
		return v, true
	}
	return nil, false
}

// scalarText renders a JSON scalar as text. Objects, arrays and null are rejected.
func scalarText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// toFloat converts numbers, numeric strings and booleans; non-finite values are invalid.
func toFloat(v any) (float64, bool) {
	var (
		f   float64
		err error
	)
	switch t := v.(type) {
	case json.Number:
		f, err = strconv.ParseFloat(t.String(), 64)
	case float64:
		f = t
	case int:
		f = float64(t)
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(t), 64)
	case bool:
		if t {
			f = 1
		}
	default:
		return 0, false
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
