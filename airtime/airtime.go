// Package airtime estimates a LoRa frame's time on air, the input to
// mac.Layer's duty-cycle gate. The formula is Semtech's
// (https://www.semtech.com/uploads/documents/LoraDesignGuide_STD.pdf),
// reduced here to integer millisecond arithmetic: this estimate is
// recomputed on every transmission (spec.md §5's duty-cycle gate), and
// §5 rules out floating point in that path.
package airtime

import "fmt"

// CodingRate is the LoRa forward-error-correction rate, 4/5 through 4/8.
type CodingRate int

// Coding rates this stack's region plan can select.
const (
	CodingRate45 CodingRate = 1
	CodingRate46 CodingRate = 2
	CodingRate47 CodingRate = 3
	CodingRate48 CodingRate = 4
)

// Frame describes the LoRa modulation parameters of one transmission.
type Frame struct {
	PayloadSize             int
	SpreadingFactor         int
	BandwidthKHz            int
	PreambleSymbols         int
	CodingRate              CodingRate
	HeaderEnabled           bool
	LowDataRateOptimization bool
}

// OnAirMs returns f's time on air, rounded up to the next whole
// millisecond so duty-cycle accounting never under-counts a partial
// millisecond of airtime.
func (f Frame) OnAirMs() (uint32, error) {
	symbolNs, err := symbolDurationNs(f.SpreadingFactor, f.BandwidthKHz)
	if err != nil {
		return 0, err
	}
	preambleNs := preambleDurationNs(symbolNs, f.PreambleSymbols)

	payloadSymbols, err := payloadSymbolCount(f.PayloadSize, f.SpreadingFactor, f.CodingRate, f.HeaderEnabled, f.LowDataRateOptimization)
	if err != nil {
		return 0, err
	}

	totalNs := preambleNs + payloadSymbols*symbolNs
	return uint32(ceilDiv(totalNs, 1_000_000)), nil
}

// symbolDurationNs returns one LoRa symbol's duration in nanoseconds:
// 2^SF / BW(Hz) seconds, rearranged to stay in integers given bandwidth
// in kHz.
func symbolDurationNs(sf, bandwidthKHz int) (int, error) {
	if bandwidthKHz <= 0 {
		return 0, fmt.Errorf("airtime: bandwidth must be positive, got %d", bandwidthKHz)
	}
	return (1 << uint(sf)) * 1_000_000 / bandwidthKHz, nil
}

// preambleDurationNs returns the preamble's duration given the
// configured number of preamble symbols, per the Semtech formula's
// (4.25 + preambleSymbols) · symbolDuration term.
func preambleDurationNs(symbolNs, preambleSymbols int) int {
	return (100*preambleSymbols + 425) * symbolNs / 100
}

// payloadSymbolCount returns the number of symbols the payload and
// optional header occupy, following the Semtech formula's ceiling
// division exactly but entirely in integers: the teacher's
// implementation reached for math.Ceil/math.Max over float64 here,
// which this stack's no-floating-point-in-hot-paths rule for
// duty-cycle accounting (recomputed on every transmit) does not allow.
func payloadSymbolCount(payloadSize, sf int, codingRate CodingRate, headerEnabled, lowDataRateOptimization bool) (int, error) {
	if codingRate < CodingRate45 || codingRate > CodingRate48 {
		return 0, fmt.Errorf("airtime: coding rate must be 1-4, got %d", codingRate)
	}

	de := 0
	if lowDataRateOptimization {
		de = 1
	}
	h := 0
	if !headerEnabled {
		h = 1
	}

	numerator := 8*payloadSize - 4*sf + 28 + 16 - 20*h
	denominator := 4 * (sf - 2*de)
	if denominator <= 0 {
		return 0, fmt.Errorf("airtime: spreading factor %d incompatible with low-data-rate optimization", sf)
	}

	extra := 0
	if numerator > 0 {
		extra = ceilDiv(numerator, denominator) * int(codingRate+4)
	}
	return 8 + extra, nil
}

// ceilDiv returns the ceiling of a/b without floating-point division,
// for non-negative a and positive b.
func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
