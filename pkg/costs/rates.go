package costs

// Rate prices one resource class in micro-dollars per unit in each
// direction. Units are whatever the resource meters (tokens, bytes, calls).
type Rate struct {
	InputMicros  int64 `yaml:"input_micros" json:"input_micros"`
	OutputMicros int64 `yaml:"output_micros" json:"output_micros"`
}

// RateTable is the pricing snapshot used to derive Entry.CostMicros at write
// time. Lookups never fail: unknown resources fall back to the default rate.
type RateTable struct {
	Rates   map[string]Rate
	Default Rate
}

// NewRateTable builds a table; a nil rates map is allowed.
func NewRateTable(rates map[string]Rate, def Rate) RateTable {
	if rates == nil {
		rates = make(map[string]Rate)
	}
	return RateTable{Rates: rates, Default: def}
}

// Cost computes the deterministic cost of an operation in micro-dollars.
func (t RateTable) Cost(resource string, unitsIn, unitsOut int64) int64 {
	r, ok := t.Rates[resource]
	if !ok {
		r = t.Default
	}
	return unitsIn*r.InputMicros + unitsOut*r.OutputMicros
}
