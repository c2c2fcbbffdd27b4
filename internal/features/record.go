// Package features turns loosely structured caller input into the canonical
// record the car profitability model was trained on.
//
// Callers may use either the frontend key convention (bodyType, topSpeed, ...)
// or the canonical column names (Body_Type, Top_Speed, ...). Normalize resolves
// both, canonicalizes category spellings and rejects incomplete input.
package features

import (
	"encoding/json"
)

// Canonical field names, in the order the preprocessor was fit with.
const (
	FieldBodyType              = "Body_Type"
	FieldTransmission          = "Transmission"
	FieldFuelType              = "Fuel_Type"
	FieldColor                 = "Color"
	FieldHorsepower            = "Horsepower"
	FieldTopSpeed              = "Top_Speed"
	FieldCustomisableInteriors = "Customisable_Interiors"
	FieldMileageKmpl           = "Mileage_kmpl"
	FieldPriceINR              = "Price_INR"
)

// RawInput is an arbitrary caller-supplied mapping of keys to values.
type RawInput map[string]any

// Record is the validated schema the prediction pipeline requires.
// A Record returned by Normalize has every field set.
type Record struct {
	BodyType              string  `json:"Body_Type"`
	Transmission          string  `json:"Transmission"`
	FuelType              string  `json:"Fuel_Type"`
	Color                 string  `json:"Color"`
	Horsepower            float64 `json:"Horsepower"`
	TopSpeed              float64 `json:"Top_Speed"`
	CustomisableInteriors string  `json:"Customisable_Interiors"`
	MileageKmpl           float64 `json:"Mileage_kmpl"`
	PriceINR              float64 `json:"Price_INR"`
}

// Column describes one column of the tabular row fed to the preprocessor.
type Column struct {
	Name    string
	Numeric bool
}

// Columns is the fitted column order.
var Columns = []Column{
	{Name: FieldBodyType},
	{Name: FieldTransmission},
	{Name: FieldFuelType},
	{Name: FieldColor},
	{Name: FieldHorsepower, Numeric: true},
	{Name: FieldTopSpeed, Numeric: true},
	{Name: FieldCustomisableInteriors},
	{Name: FieldMileageKmpl, Numeric: true},
	{Name: FieldPriceINR, Numeric: true},
}

// Value is a single cell of a Row. Text is set for categorical columns,
// Number for numeric ones.
type Value struct {
	Column  string
	Text    string
	Number  float64
	Numeric bool
}

// Row is a Record laid out as one tabular row in fitted column order.
type Row []Value

// Row coerces the record into the preprocessor's row shape.
func (r Record) Row() Row {
	return Row{
		{Column: FieldBodyType, Text: r.BodyType},
		{Column: FieldTransmission, Text: r.Transmission},
		{Column: FieldFuelType, Text: r.FuelType},
		{Column: FieldColor, Text: r.Color},
		{Column: FieldHorsepower, Number: r.Horsepower, Numeric: true},
		{Column: FieldTopSpeed, Number: r.TopSpeed, Numeric: true},
		{Column: FieldCustomisableInteriors, Text: r.CustomisableInteriors},
		{Column: FieldMileageKmpl, Number: r.MileageKmpl, Numeric: true},
		{Column: FieldPriceINR, Number: r.PriceINR, Numeric: true},
	}
}

// Lookup returns the cell for the named column.
func (r Row) Lookup(column string) (Value, bool) {
	for _, v := range r {
		if v.Column == column {
			return v, true
		}
	}
	return Value{}, false
}

// MarshalJSON encodes the row as a column -> value object.
func (r Row) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r))
	for _, v := range r {
		if v.Numeric {
			m[v.Column] = v.Number
		} else {
			m[v.Column] = v.Text
		}
	}
	return json.Marshal(m)
}
