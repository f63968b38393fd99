// Package calibration maps between the 0-100 percent scale, the device's
// native command values and its self-reported raw positions.
//
// All mappings round half away from zero and none of them clamp: an
// out-of-range percent yields an out-of-range command, as the devices expect.
package calibration

import (
	"errors"
	"fmt"
	"math"
)

// Default command range observed on the wired shade controllers.
const (
	DefaultMin = 73
	DefaultMax = 100
)

// rawPerPercent is how many raw position units make up one percent.
const rawPerPercent = 10.0

var ErrInvalidRange = errors.New("invalid calibration range: max must be greater than min")

// Range is the (min, max) native command range.
type Range struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Default returns the factory calibration.
func Default() Range {
	return Range{Min: DefaultMin, Max: DefaultMax}
}

// New validates and returns a calibration range.
func New(min, max int) (Range, error) {
	if max <= min {
		return Range{}, fmt.Errorf("%w (min=%d, max=%d)", ErrInvalidRange, min, max)
	}
	return Range{Min: min, Max: max}, nil
}

// PercentToCommand returns round(min + p*(max-min)/100).
func (r Range) PercentToCommand(p int) int {
	span := float64(r.Max - r.Min)
	return round(float64(r.Min) + float64(p)*span/100)
}

// CommandToPercent returns round((c-min)*100/(max-min)).
func (r Range) CommandToPercent(c int) int {
	span := float64(r.Max - r.Min)
	return round(float64(c-r.Min) * 100 / span)
}

// RawToPercent returns round(raw/10). It does not depend on the range.
func RawToPercent(raw int) int {
	return round(float64(raw) / rawPerPercent)
}

func round(v float64) int {
	return int(math.Round(v))
}
