package allowance

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Text is a form value as the editor typed it. It decodes from a JSON
// string, number or null so clients may send either representation.
type Text string

// UnmarshalJSON implements json.Unmarshaler
func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	// Numbers, booleans and anything else are kept verbatim and left to ParseNumber.
	*t = Text(b)
	return nil
}

// FormInputs is the working (unsaved) state of the amount form
type FormInputs struct {
	TransportMultiplier      Text `json:"transport_multiplier"`
	LocalTransportAllowance  Text `json:"local_transport_allowance"`
	MealAllowance            Text `json:"meal_allowance"`
	MealMultiplier           Text `json:"meal_multiplier"`
	MealPercentage           Text `json:"meal_percentage"`
	PocketAllowance          Text `json:"pocket_allowance"`
	PocketMultiplier         Text `json:"pocket_multiplier"`
	LocalTransportMultiplier Text `json:"local_transport_multiplier"`
	LocalTransportPercentage Text `json:"local_transport_percentage"`
}

// FormPatch carries a partial form update. Nil fields are left untouched.
type FormPatch struct {
	TransportMultiplier      *Text `json:"transport_multiplier,omitempty"`
	LocalTransportAllowance  *Text `json:"local_transport_allowance,omitempty"`
	MealAllowance            *Text `json:"meal_allowance,omitempty"`
	MealMultiplier           *Text `json:"meal_multiplier,omitempty"`
	MealPercentage           *Text `json:"meal_percentage,omitempty"`
	PocketAllowance          *Text `json:"pocket_allowance,omitempty"`
	PocketMultiplier         *Text `json:"pocket_multiplier,omitempty"`
	LocalTransportMultiplier *Text `json:"local_transport_multiplier,omitempty"`
	LocalTransportPercentage *Text `json:"local_transport_percentage,omitempty"`
}

// Apply returns a copy of f with the patch fields applied
func (p FormPatch) Apply(f FormInputs) FormInputs {
	set := func(dst *Text, src *Text) {
		if src != nil {
			*dst = *src
		}
	}
	set(&f.TransportMultiplier, p.TransportMultiplier)
	set(&f.LocalTransportAllowance, p.LocalTransportAllowance)
	set(&f.MealAllowance, p.MealAllowance)
	set(&f.MealMultiplier, p.MealMultiplier)
	set(&f.MealPercentage, p.MealPercentage)
	set(&f.PocketAllowance, p.PocketAllowance)
	set(&f.PocketMultiplier, p.PocketMultiplier)
	set(&f.LocalTransportMultiplier, p.LocalTransportMultiplier)
	set(&f.LocalTransportPercentage, p.LocalTransportPercentage)
	return f
}

// Normalize parses every field, substituting defaults for blank or invalid text
func (f FormInputs) Normalize() TripAllowanceInputs {
	return TripAllowanceInputs{
		TransportMultiplier:      ParseNumber(string(f.TransportMultiplier), DefaultMultiplier),
		LocalTransportAllowance:  ParseNumber(string(f.LocalTransportAllowance), DefaultAmount),
		MealAllowance:            ParseNumber(string(f.MealAllowance), DefaultAmount),
		MealMultiplier:           ParseNumber(string(f.MealMultiplier), DefaultMultiplier),
		MealPercentage:           NormalizePercentage(string(f.MealPercentage)),
		PocketAllowance:          ParseNumber(string(f.PocketAllowance), DefaultAmount),
		PocketMultiplier:         ParseNumber(string(f.PocketMultiplier), DefaultMultiplier),
		LocalTransportMultiplier: ParseNumber(string(f.LocalTransportMultiplier), DefaultMultiplier),
		LocalTransportPercentage: NormalizePercentage(string(f.LocalTransportPercentage)),
	}
}

// TripAllowanceInputs holds the normalized allowance factors of a trip
type TripAllowanceInputs struct {
	TransportMultiplier      float64 `json:"transport_multiplier"`
	LocalTransportAllowance  float64 `json:"local_transport_allowance"`
	MealAllowance            float64 `json:"meal_allowance"`
	MealMultiplier           float64 `json:"meal_multiplier"`
	MealPercentage           float64 `json:"meal_percentage"`
	PocketAllowance          float64 `json:"pocket_allowance"`
	PocketMultiplier         float64 `json:"pocket_multiplier"`
	LocalTransportMultiplier float64 `json:"local_transport_multiplier"`
	LocalTransportPercentage float64 `json:"local_transport_percentage"`
}

// Normalized re-applies the defaulting and percentage rules. It is a no-op
// for values produced by FormInputs.Normalize.
func (in TripAllowanceInputs) Normalized() TripAllowanceInputs {
	return TripAllowanceInputs{
		TransportMultiplier:      finiteOr(in.TransportMultiplier, DefaultMultiplier),
		LocalTransportAllowance:  finiteOr(in.LocalTransportAllowance, DefaultAmount),
		MealAllowance:            finiteOr(in.MealAllowance, DefaultAmount),
		MealMultiplier:           finiteOr(in.MealMultiplier, DefaultMultiplier),
		MealPercentage:           normalizeFraction(finiteOr(in.MealPercentage, 0)),
		PocketAllowance:          finiteOr(in.PocketAllowance, DefaultAmount),
		PocketMultiplier:         finiteOr(in.PocketMultiplier, DefaultMultiplier),
		LocalTransportMultiplier: finiteOr(in.LocalTransportMultiplier, DefaultMultiplier),
		LocalTransportPercentage: normalizeFraction(finiteOr(in.LocalTransportPercentage, 0)),
	}
}

// Form renders the inputs back into editable text
func (in TripAllowanceInputs) Form() FormInputs {
	return FormInputs{
		TransportMultiplier:      formatText(in.TransportMultiplier),
		LocalTransportAllowance:  formatText(in.LocalTransportAllowance),
		MealAllowance:            formatText(in.MealAllowance),
		MealMultiplier:           formatText(in.MealMultiplier),
		MealPercentage:           formatText(in.MealPercentage),
		PocketAllowance:          formatText(in.PocketAllowance),
		PocketMultiplier:         formatText(in.PocketMultiplier),
		LocalTransportMultiplier: formatText(in.LocalTransportMultiplier),
		LocalTransportPercentage: formatText(in.LocalTransportPercentage),
	}
}

func finiteOr(v, def float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}

func formatText(v float64) Text {
	return Text(strconv.FormatFloat(v, 'f', -1, 64))
}
