package meta

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// SeriesPoint is one dated value of an insights series.
type SeriesPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

type insightsResponse struct {
	Data []insightItem `json:"data"`
}

type insightItem struct {
	Name       string         `json:"name"`
	Period     string         `json:"period"`
	Values     []insightValue `json:"values"`
	TotalValue *totalValue    `json:"total_value"`
}

type insightValue struct {
	Value   json.RawMessage `json:"value"`
	EndTime string          `json:"end_time"`
}

type totalValue struct {
	Value      json.RawMessage `json:"value"`
	Breakdowns []struct {
		DimensionKeys []string `json:"dimension_keys"`
		Results       []struct {
			DimensionValues []string        `json:"dimension_values"`
			Value           json.RawMessage `json:"value"`
		} `json:"results"`
	} `json:"breakdowns"`
}

func (r insightsResponse) find(name string) *insightItem {
	for i := range r.Data {
		if r.Data[i].Name == name {
			return &r.Data[i]
		}
	}
	return nil
}

// total prefers the provider's total_value and otherwise sums the series.
func (it *insightItem) total() (float64, bool) {
	if it == nil {
		return 0, false
	}
	if it.TotalValue != nil {
		if v, ok := coerceNumber(it.TotalValue.Value); ok {
			return v, true
		}
	}
	var sum float64
	found := false
	for _, v := range it.Values {
		if n, ok := coerceNumber(v.Value); ok {
			sum += n
			found = true
		}
	}
	return sum, found
}

func (it *insightItem) series() []SeriesPoint {
	if it == nil {
		return nil
	}
	var out []SeriesPoint
	for _, v := range it.Values {
		n, ok := coerceNumber(v.Value)
		if !ok || len(v.EndTime) < 10 {
			continue
		}
		out = append(out, SeriesPoint{Date: v.EndTime[:10], Value: n})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// dimensions folds breakdown results (or object-valued series entries) into
// a map keyed by lowercased dimension value.
func (it *insightItem) dimensions() map[string]float64 {
	out := map[string]float64{}
	if it == nil {
		return out
	}
	if it.TotalValue != nil {
		for _, b := range it.TotalValue.Breakdowns {
			for _, r := range b.Results {
				n, ok := coerceNumber(r.Value)
				if !ok {
					continue
				}
				key := strings.ToLower(strings.Join(r.DimensionValues, "."))
				out[key] += n
			}
		}
	}
	for _, v := range it.Values {
		var obj map[string]json.RawMessage
		if json.Unmarshal(v.Value, &obj) == nil {
			for k, raw := range obj {
				if n, ok := coerceNumber(raw); ok {
					out[strings.ToLower(k)] += n
				}
			}
			continue
		}
		if n, ok := coerceNumber(v.Value); ok {
			out["total"] += n
		}
	}
	return out
}

// coerceNumber accepts numbers, numeric strings (decimal comma allowed),
// booleans, and objects whose members are summed.
func coerceNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return f, true
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", "."), 64)
		return v, err == nil
	}
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		if b {
			return 1, true
		}
		return 0, true
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) == nil {
		var sum float64
		found := false
		for _, inner := range obj {
			if n, ok := coerceNumber(inner); ok {
				sum += n
				found = true
			}
		}
		return sum, found
	}
	return 0, false
}

func ptr(v float64) *float64 { return &v }

func addPtr(dst **float64, v *float64) {
	if v == nil {
		return
	}
	if *dst == nil {
		*dst = ptr(0)
	}
	**dst += *v
}
