package tools

import (
	"context"
	"encoding/json"
	"errors"
	"math"

	"github.com/distatus/battery"
)

// ErrBatteryUnsupported is returned when the device exposes no battery.
var ErrBatteryUnsupported = errors.New("battery level unsupported")

// BatteryResult is the successful battery tool payload.
type BatteryResult struct {
	Success      bool    `json:"success"`
	BatteryLevel float64 `json:"batteryLevel"`
}

// LevelFunc reports the battery charge as a fraction in [0, 1].
type LevelFunc func(ctx context.Context) (float64, error)

// BatteryTool answers getBatteryLevel.
type BatteryTool struct {
	level LevelFunc
}

// NewBatteryTool creates the battery tool. A nil level reads the system batteries.
func NewBatteryTool(level LevelFunc) *BatteryTool {
	if level == nil {
		level = SystemBatteryLevel
	}
	return &BatteryTool{level: level}
}

func (t *BatteryTool) Name() string { return "getBatteryLevel" }

func (t *BatteryTool) Description() string {
	return "Gets the device battery level as decimal point percentage."
}

func (t *BatteryTool) Parameters() map[string]any { return nil }

func (t *BatteryTool) Call(ctx context.Context, _ json.RawMessage) (any, error) {
	level, err := t.level(ctx)
	if err != nil {
		return nil, &Error{Message: "Device does not support retrieving the battery level.", Err: err}
	}
	return BatteryResult{Success: true, BatteryLevel: level}, nil
}

// SystemBatteryLevel averages the charge of every battery the OS reports.
func SystemBatteryLevel(_ context.Context) (float64, error) {
	batteries, err := battery.GetAll()
	if len(batteries) == 0 {
		if err != nil {
			return 0, errors.Join(ErrBatteryUnsupported, err)
		}
		return 0, ErrBatteryUnsupported
	}

	var current, full float64
	for _, b := range batteries {
		if b == nil || b.Full <= 0 {
			continue
		}
		current += b.Current
		full += b.Full
	}
	if full <= 0 {
		return 0, ErrBatteryUnsupported
	}
	level := math.Min(current/full, 1)
	return math.Round(level*100) / 100, nil
}
