package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// BatteryAnalysis holds the telemetry read off a BMS display plus the
// values derived from it. Readings the extraction could not find are nil,
// never zero.
type BatteryAnalysis struct {
	DeviceID      string    `json:"deviceId,omitempty"`
	PackVoltageV  *float64  `json:"packVoltageV,omitempty"`
	CurrentA      *float64  `json:"currentA,omitempty"`
	SOCPercent    *float64  `json:"socPercent,omitempty"`
	CellVoltagesV []float64 `json:"cellVoltagesV,omitempty"`
	TempsC        []float64 `json:"tempsC,omitempty"`
	CycleCount    *int      `json:"cycleCount,omitempty"`

	// Derived fields
	PowerW        *float64 `json:"powerW,omitempty"`
	CellDeltaV    *float64 `json:"cellDeltaV,omitempty"`
	OperatingMode string   `json:"operatingMode,omitempty"`
	Alerts        []string `json:"alerts,omitempty"`

	// SourceTimestamp is the timestamp string as read from the image, kept
	// verbatim for timestamp resolution.
	SourceTimestamp string `json:"sourceTimestamp,omitempty"`
}

// IdentityKey derives the content identity of an analysis: a normalized
// vector of the semantically significant readings. Two captures of the same
// display state produce the same key regardless of file bytes.
func (a *BatteryAnalysis) IdentityKey() string {
	var parts []string
	parts = append(parts, "dev="+strings.ToLower(strings.TrimSpace(a.DeviceID)))
	parts = append(parts, "v="+roundedField(a.PackVoltageV, 1))
	parts = append(parts, "i="+roundedField(a.CurrentA, 1))
	parts = append(parts, "soc="+roundedField(a.SOCPercent, 0))

	cells := make([]string, 0, len(a.CellVoltagesV))
	for _, cv := range a.CellVoltagesV {
		cells = append(cells, fmt.Sprintf("%.2f", cv))
	}
	sort.Strings(cells)
	parts = append(parts, "cells="+strings.Join(cells, ","))

	return strings.Join(parts, "|")
}

func roundedField(v *float64, decimals int) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%.*f", decimals, *v)
}

// WeatherConditions is the best-effort weather annotation attached to a
// record when the matched system has known coordinates.
type WeatherConditions struct {
	TemperatureC      float64 `json:"temperatureC"`
	CloudCoverPct     float64 `json:"cloudCoverPct"`
	SunshineDurationS float64 `json:"sunshineDurationS"`
	WeatherCode       int     `json:"weatherCode"`
}

// AnalysisRecord is the durable output of a completed job. At most one
// record exists per (fileName, analysisKey) pair.
type AnalysisRecord struct {
	ID          string             `json:"id"`
	Timestamp   time.Time          `json:"timestamp"`
	SystemID    *string            `json:"systemId,omitempty"`
	Analysis    BatteryAnalysis    `json:"analysis"`
	Weather     *WeatherConditions `json:"weather,omitempty"`
	FileName    string             `json:"fileName"`
	AnalysisKey string             `json:"analysisKey"`
	SnapshotKey string             `json:"snapshotKey,omitempty"` // object storage key of the archived source image
	CreatedAt   time.Time          `json:"createdAt"`
}

// System is a registered battery installation that records link to when the
// extracted device id matches.
type System struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"deviceId"`
	Name      string    `json:"name,omitempty"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
