package worker

import (
	"fmt"
	"math"

	"github.com/voltscope/api/internal/model"
)

// Thresholds for derived status and alerts, tuned for LiFePO4 packs.
const (
	standbyCurrentBandA = 0.5
	cellImbalanceV      = 0.05
	cellOverVoltageV    = 3.65
	cellUnderVoltageV   = 2.80
	overTempC           = 45.0
	underTempC          = 0.0
	lowSOCPercent       = 10.0
	fullSOCPercent      = 99.5
)

// Alert labels
const (
	AlertCellImbalance    = "cell_imbalance"
	AlertCellOverVoltage  = "cell_over_voltage"
	AlertCellUnderVoltage = "cell_under_voltage"
	AlertOverTemperature  = "over_temperature"
	AlertUnderTemperature = "under_temperature"
)

// Enrich computes the derived fields of an analysis in place: power, cell
// delta, operating mode and alerts. Pure function, no I/O.
func Enrich(a *model.BatteryAnalysis) {
	if a.PackVoltageV != nil && a.CurrentA != nil {
		p := *a.PackVoltageV * *a.CurrentA
		a.PowerW = &p
	}
	if len(a.CellVoltagesV) >= 2 {
		d := cellDelta(a.CellVoltagesV)
		a.CellDeltaV = &d
	}
	a.OperatingMode = DeriveOperatingMode(a)
	a.Alerts = DeriveAlerts(a)
}

// DeriveOperatingMode labels what the pack is doing. Positive current is
// charge, negative is discharge, and anything inside the standby band is
// idle measurement noise.
func DeriveOperatingMode(a *model.BatteryAnalysis) string {
	if a.CurrentA == nil {
		return "unknown"
	}

	var mode string
	switch {
	case *a.CurrentA > standbyCurrentBandA:
		mode = "charging"
	case *a.CurrentA < -standbyCurrentBandA:
		mode = "discharging"
	default:
		mode = "standby"
	}

	if a.SOCPercent != nil {
		if mode == "charging" && *a.SOCPercent >= fullSOCPercent {
			return "standby (full)"
		}
		if *a.SOCPercent <= lowSOCPercent && mode != "charging" {
			return fmt.Sprintf("%s (low battery)", mode)
		}
	}
	return mode
}

// DeriveAlerts returns threshold violations in a stable order.
func DeriveAlerts(a *model.BatteryAnalysis) []string {
	var alerts []string

	if len(a.CellVoltagesV) >= 2 && cellDelta(a.CellVoltagesV) > cellImbalanceV {
		alerts = append(alerts, AlertCellImbalance)
	}
	if maxOf(a.CellVoltagesV) > cellOverVoltageV {
		alerts = append(alerts, AlertCellOverVoltage)
	}
	if len(a.CellVoltagesV) > 0 && minOf(a.CellVoltagesV) < cellUnderVoltageV {
		alerts = append(alerts, AlertCellUnderVoltage)
	}
	if maxOf(a.TempsC) > overTempC {
		alerts = append(alerts, AlertOverTemperature)
	}
	if len(a.TempsC) > 0 && minOf(a.TempsC) < underTempC {
		alerts = append(alerts, AlertUnderTemperature)
	}

	return alerts
}

func cellDelta(cells []float64) float64 {
	return maxOf(cells) - minOf(cells)
}

func maxOf(vals []float64) float64 {
	if len(vals) == 0 {
		return math.Inf(-1)
	}
	max := vals[0]
	for _, v := range vals[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

func minOf(vals []float64) float64 {
	if len(vals) == 0 {
		return math.Inf(1)
	}
	min := vals[0]
	for _, v := range vals[1:] {
		if v < min {
			min = v
		}
	}
	return min
}
