package allowance

import (
	"encoding/json"
	"strconv"
	"time"
)

// Keys of the persisted amount sub-record
const (
	KeyTransportMultiplier      = "transport_multiplier"
	KeyLocalTransportAllowance  = "local_transport_allowance"
	KeyMealAllowance            = "meal_allowance"
	KeyMealMultiplier           = "meal_multiplier"
	KeyMealPercentage           = "meal_percentage"
	KeyPocketAllowance          = "pocket_allowance"
	KeyPocketMultiplier         = "pocket_multiplier"
	KeyLocalTransportMultiplier = "local_transport_multiplier"
	KeyLocalTransportPercentage = "local_transport_percentage"

	KeyTotalTransportAllowance = "total_transport_allowance"
	KeyTotalMealAllowance      = "total_meal_allowance"
	KeyTotalPocketAllowance    = "total_pocket_allowance"
	KeyTotalLocalTransport     = "total_local_transport"
	KeyTotalApprovedAmount     = "total_approved_amount"

	KeyFxBase   = "fx_base"
	KeyFxQuote  = "fx_quote"
	KeyFxMid    = "fx_mid"
	KeyFxDate   = "fx_date"
	KeyFxSource = "fx_source"

	KeyCreatedAt = "created_at"
	KeyCreatedBy = "created_by"
	KeyUpdatedAt = "updated_at"
	KeyUpdatedBy = "updated_by"
)

// AmountRecord is the amount sub-record of a trip document
type AmountRecord struct {
	Inputs    TripAllowanceInputs `json:"inputs"`
	Totals    Breakdown           `json:"totals"`
	Fx        FxSnapshot          `json:"fx"`
	CreatedAt *time.Time          `json:"created_at,omitempty"`
	CreatedBy string              `json:"created_by,omitempty"`
	UpdatedAt *time.Time          `json:"updated_at,omitempty"`
	UpdatedBy string              `json:"updated_by,omitempty"`
}

// NewAmountRecord computes and rounds the totals for persisting
func NewAmountRecord(inputs TripAllowanceInputs, fx FxSnapshot) AmountRecord {
	inputs = inputs.Normalized()
	return AmountRecord{
		Inputs: inputs,
		Totals: ComputeBreakdown(inputs).Rounded(),
		Fx:     fx,
	}
}

// ToMap renders the record in its stored shape. Totals are whole numbers.
// Audit timestamps are left to the caller since stores stamp them.
func (r AmountRecord) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		KeyTransportMultiplier:      r.Inputs.TransportMultiplier,
		KeyLocalTransportAllowance:  r.Inputs.LocalTransportAllowance,
		KeyMealAllowance:            r.Inputs.MealAllowance,
		KeyMealMultiplier:           r.Inputs.MealMultiplier,
		KeyMealPercentage:           r.Inputs.MealPercentage,
		KeyPocketAllowance:          r.Inputs.PocketAllowance,
		KeyPocketMultiplier:         r.Inputs.PocketMultiplier,
		KeyLocalTransportMultiplier: r.Inputs.LocalTransportMultiplier,
		KeyLocalTransportPercentage: r.Inputs.LocalTransportPercentage,

		KeyTotalTransportAllowance: int64(r.Totals.TotalTransportAllowance),
		KeyTotalMealAllowance:      int64(r.Totals.TotalMealAllowance),
		KeyTotalPocketAllowance:    int64(r.Totals.TotalPocketAllowance),
		KeyTotalLocalTransport:     int64(r.Totals.TotalLocalTransport),
		KeyTotalApprovedAmount:     int64(r.Totals.TotalApprovedAmount),

		KeyFxBase:   r.Fx.Base,
		KeyFxQuote:  r.Fx.Quote,
		KeyFxMid:    r.Fx.Mid,
		KeyFxDate:   r.Fx.AsOf,
		KeyFxSource: r.Fx.Source,
	}
	if r.CreatedBy != "" {
		m[KeyCreatedBy] = r.CreatedBy
	}
	if r.UpdatedBy != "" {
		m[KeyUpdatedBy] = r.UpdatedBy
	}
	return m
}

// AmountRecordFromMap decodes a stored amount map. Stored values may be
// float64 (JSON), int64 (Firestore) or text; missing inputs take defaults.
func AmountRecordFromMap(m map[string]interface{}) AmountRecord {
	r := AmountRecord{
		Inputs: FormInputsFromMap(m).Normalize(),
		Totals: Breakdown{
			TotalTransportAllowance: numberField(m, KeyTotalTransportAllowance, 0),
			TotalMealAllowance:      numberField(m, KeyTotalMealAllowance, 0),
			TotalPocketAllowance:    numberField(m, KeyTotalPocketAllowance, 0),
			TotalLocalTransport:     numberField(m, KeyTotalLocalTransport, 0),
			TotalApprovedAmount:     numberField(m, KeyTotalApprovedAmount, 0),
		},
		Fx: FxSnapshotFromMap(m),
	}
	r.CreatedAt = timeField(m, KeyCreatedAt)
	r.UpdatedAt = timeField(m, KeyUpdatedAt)
	r.CreatedBy, _ = m[KeyCreatedBy].(string)
	r.UpdatedBy, _ = m[KeyUpdatedBy].(string)
	return r
}

// FormInputsFromMap loads the stored inputs into form text. Absent keys
// stay blank so the form defaults apply.
func FormInputsFromMap(m map[string]interface{}) FormInputs {
	return FormInputs{
		TransportMultiplier:      textField(m, KeyTransportMultiplier),
		LocalTransportAllowance:  textField(m, KeyLocalTransportAllowance),
		MealAllowance:            textField(m, KeyMealAllowance),
		MealMultiplier:           textField(m, KeyMealMultiplier),
		MealPercentage:           textField(m, KeyMealPercentage),
		PocketAllowance:          textField(m, KeyPocketAllowance),
		PocketMultiplier:         textField(m, KeyPocketMultiplier),
		LocalTransportMultiplier: textField(m, KeyLocalTransportMultiplier),
		LocalTransportPercentage: textField(m, KeyLocalTransportPercentage),
	}
}

// FxSnapshotFromMap reads the stored fx_* fields. A snapshot without a
// positive mid-rate is reported as zero.
func FxSnapshotFromMap(m map[string]interface{}) FxSnapshot {
	s := FxSnapshot{
		Mid: numberField(m, KeyFxMid, 0),
	}
	s.Base, _ = m[KeyFxBase].(string)
	s.Quote, _ = m[KeyFxQuote].(string)
	s.AsOf, _ = m[KeyFxDate].(string)
	s.Source, _ = m[KeyFxSource].(string)
	return s
}

func textField(m map[string]interface{}, key string) Text {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return Text(v)
	case float64:
		return formatText(v)
	case float32:
		return formatText(float64(v))
	case int64:
		return Text(strconv.FormatInt(v, 10))
	case int:
		return Text(strconv.Itoa(v))
	case json.Number:
		return Text(v.String())
	default:
		return ""
	}
}

func numberField(m map[string]interface{}, key string, def float64) float64 {
	return ParseNumber(string(textField(m, key)), def)
}

func timeField(m map[string]interface{}, key string) *time.Time {
	switch v := m[key].(type) {
	case time.Time:
		return &v
	case *time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return &t
		}
	}
	return nil
}
