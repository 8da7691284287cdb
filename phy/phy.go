// Package phy adapts MAC/Class-level transmit and receive requests,
// expressed in band.DataRate and channel terms, onto the radio.Radio
// port's frequency/SF/BW/power vocabulary. It is the only package that
// knows both band and radio (spec.md §4.1/§4.4 boundary).
package phy

import (
	"github.com/embedlora/lorawan-device/band"
	"github.com/embedlora/lorawan-device/radio"
)

// Adapter drives a radio.Radio using band-level parameters.
type Adapter struct {
	Radio radio.Radio
}

// New wraps r.
func New(r radio.Radio) *Adapter {
	return &Adapter{Radio: r}
}

// Transmit configures the radio for freqHz/dr/txPowerDBm and sends
// payload.
func (a *Adapter) Transmit(freqHz uint32, dr band.DataRate, txPowerDBm int8, payload []byte) error {
	sf, bw, err := dr.SpreadFactorBandwidth()
	if err != nil {
		return err
	}
	cfg := radio.TXConfig{
		FrequencyHz:  freqHz,
		PowerDBm:     txPowerDBm,
		SpreadFactor: sf,
		BandwidthKHz: bw,
		CodingRate:   radio.CodingRate45,
	}
	if err := a.Radio.ConfigureTX(cfg); err != nil {
		return err
	}
	return a.Radio.Transmit(payload)
}

// OpenReceive configures the radio to listen on freqHz/dr for up to
// timeoutMs milliseconds.
func (a *Adapter) OpenReceive(freqHz uint32, dr band.DataRate, timeoutMs uint32) error {
	sf, bw, err := dr.SpreadFactorBandwidth()
	if err != nil {
		return err
	}
	cfg := radio.RXConfig{
		FrequencyHz:  freqHz,
		SpreadFactor: sf,
		BandwidthKHz: bw,
		CodingRate:   radio.CodingRate45,
		TimeoutMs:    timeoutMs,
	}
	return a.Radio.ConfigureRX(cfg)
}

// Receive reads a frame into buf, returning the number of bytes read.
// A return of (0, nil) means nothing arrived within the configured
// window, which callers treat as "no downlink"; any error is treated
// as a radio failure.
func (a *Adapter) Receive(buf []byte) (int, error) {
	return a.Radio.Receive(buf)
}

// LinkQuality reports the RSSI/SNR of the last received packet.
func (a *Adapter) LinkQuality() (rssi int16, snr float32, err error) {
	rssi, err = a.Radio.RSSI()
	if err != nil {
		return 0, 0, err
	}
	snr, err = a.Radio.SNR()
	return rssi, snr, err
}

// Idle puts the radio into standby between windows.
func (a *Adapter) Idle() error {
	return a.Radio.Standby()
}

// Sleep puts the radio into its lowest-power state.
func (a *Adapter) Sleep() error {
	return a.Radio.Sleep()
}
