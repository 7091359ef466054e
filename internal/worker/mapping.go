package worker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/voltscope/api/internal/model"
)

// MapExtraction transforms the raw extraction payload into the analysis
// schema. It is a pure transform and deliberately lenient: vision models
// drift between numbers, numeric strings and missing keys, so absent or
// unreadable optional values map to nil, never to an error. The only
// failure is a payload that is not a JSON object at all.
func MapExtraction(raw json.RawMessage) (model.BatteryAnalysis, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return model.BatteryAnalysis{}, fmt.Errorf("extraction payload is not a JSON object: %w", err)
	}

	analysis := model.BatteryAnalysis{
		DeviceID:        asString(pick(fields, "device_id", "deviceId", "device")),
		PackVoltageV:    asFloat(pick(fields, "pack_voltage_v", "voltage", "pack_voltage")),
		CurrentA:        asFloat(pick(fields, "current_a", "current")),
		SOCPercent:      asFloat(pick(fields, "soc_percent", "soc", "state_of_charge")),
		CellVoltagesV:   asFloatSlice(pick(fields, "cell_voltages_v", "cell_voltages", "cells")),
		TempsC:          asFloatSlice(pick(fields, "temperatures_c", "temperatures", "temps")),
		SourceTimestamp: asString(pick(fields, "timestamp", "time", "datetime")),
	}
	if cc := asFloat(pick(fields, "cycle_count", "cycles")); cc != nil {
		n := int(*cc)
		analysis.CycleCount = &n
	}

	return analysis, nil
}

func pick(fields map[string]any, names ...string) any {
	for _, name := range names {
		if v, ok := fields[name]; ok && v != nil {
			return v
		}
	}
	return nil
}

func asString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func asFloat(v any) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(n, "V"), "A"))
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return &f
		}
	}
	return nil
}

func asFloatSlice(v any) []float64 {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		if f := asFloat(item); f != nil {
			out = append(out, *f)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
