package risk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// LCR and exit half-life are legitimately +Inf (zero net outflows, zero
// volume), but encoding/json rejects IEEE infinities. They round-trip
// through the stored run metadata as the string "inf".
const infJSON = "inf"

func encodeInf(v float64) any {
	if math.IsInf(v, 1) {
		return infJSON
	}
	return v
}

func decodeInf(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		if s != infJSON {
			return 0, fmt.Errorf("risk: unexpected metric value %q", s)
		}
		return math.Inf(1), nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (m Metrics) MarshalJSON() ([]byte, error) {
	type alias Metrics
	return json.Marshal(struct {
		alias
		LCR              any `json:"lcr"`
		AvgHalfLifeHours any `json:"avg_half_life_hours"`
	}{
		alias:            alias(m),
		LCR:              encodeInf(m.LCR),
		AvgHalfLifeHours: encodeInf(m.AvgHalfLifeHours),
	})
}

func (m *Metrics) UnmarshalJSON(data []byte) error {
	type alias Metrics
	aux := struct {
		*alias
		LCR              json.RawMessage `json:"lcr"`
		AvgHalfLifeHours json.RawMessage `json:"avg_half_life_hours"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if m.LCR, err = decodeInf(aux.LCR); err != nil {
		return err
	}
	m.AvgHalfLifeHours, err = decodeInf(aux.AvgHalfLifeHours)
	return err
}

func (h PositionHalfLife) MarshalJSON() ([]byte, error) {
	type alias PositionHalfLife
	return json.Marshal(struct {
		alias
		Hours any `json:"hours"`
	}{alias: alias(h), Hours: encodeInf(h.Hours)})
}

func (h *PositionHalfLife) UnmarshalJSON(data []byte) error {
	type alias PositionHalfLife
	aux := struct {
		*alias
		Hours json.RawMessage `json:"hours"`
	}{alias: (*alias)(h)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	h.Hours, err = decodeInf(aux.Hours)
	return err
}
