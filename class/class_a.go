// Package class implements the Class A, B and C device state machines
// on top of mac.Layer and phy.Adapter: RX1/RX2 window sequencing,
// beacon tracking and ping-slot scheduling, and continuous-receive
// power policies (spec.md §4.5-§4.7).
package class

import (
	"github.com/embedlora/lorawan-device/band"
	"github.com/embedlora/lorawan-device/clock"
	"github.com/embedlora/lorawan-device/mac"
	"github.com/embedlora/lorawan-device/phy"
	"github.com/sirupsen/logrus"
)

// AState is a ClassA receive-window state.
type AState int

// ClassA states.
const (
	AIdle AState = iota
	AWaitingRX1
	AInRX1
	AWaitingRX2
	AInRX2
)

// ClassA implements the mandatory RX1-then-RX2 window sequence every
// LoRaWAN device follows after an uplink.
type ClassA struct {
	MAC   *mac.Layer
	PHY   *phy.Adapter
	Plan  band.Plan
	Clock clock.Clock
	Log   *logrus.Entry

	state      AState
	uplinkChan int
	uplinkDR   band.DataRate
}

// NewClassA builds a ClassA driver over the given layers.
func NewClassA(m *mac.Layer, p *phy.Adapter, plan band.Plan, c clock.Clock) *ClassA {
	return &ClassA{MAC: m, PHY: p, Plan: plan, Clock: c, state: AIdle, Log: logrus.WithField("component", "class_a")}
}

// State reports the current receive-window state.
func (a *ClassA) State() AState { return a.state }

// Send transmits an uplink and blocks through both receive windows,
// returning the first valid downlink frame received, if any. A nil
// frame with nil error means both windows passed with nothing
// received, the common case for an unconfirmed uplink. Confirmed
// uplinks retry on ascending data rate, up to the session's negotiated
// NbTrans attempts, until a downlink carrying the ACK bit arrives
// (spec.md §4.4).
func (a *ClassA) Send(fPort uint8, payload []byte, confirmed bool) (*mac.Frame, error) {
	chIdx, ch, err := a.Plan.NextUplinkChannel()
	if err != nil {
		return nil, err
	}
	a.uplinkChan = chIdx

	startDR := a.MAC.Session.CurrentDR
	if startDR < ch.MinDR {
		startDR = ch.MinDR
	}
	if startDR > ch.MaxDR {
		startDR = ch.MaxDR
	}
	a.uplinkDR = startDR

	maxSize, err := a.Plan.MaxPayloadSize(a.uplinkDR)
	if err != nil {
		return nil, err
	}
	if len(payload) > maxSize {
		return nil, &mac.Error{Kind: mac.ErrInvalidLength, Msg: "payload exceeds max size for data rate"}
	}

	raw, err := a.MAC.PrepareUplink(fPort, payload, confirmed, false)
	if err != nil {
		return nil, err
	}

	txPowerDBm, err := a.Plan.TXPowerDBm(int(a.MAC.Session.CurrentTXPowerIndex))
	if err != nil {
		txPowerDBm = a.Plan.Defaults().MaxEIRPdBm
	}

	attempts := 1
	if confirmed {
		attempts = int(a.MAC.Session.NbTrans)
		if attempts < 1 {
			attempts = 1
		}
	}

	defaults := a.Plan.Defaults()
	rx1DelayMs := a.MAC.Session.RX1DelayMs
	if rx1DelayMs == 0 {
		rx1DelayMs = defaults.ReceiveDelay1Ms
	}
	rx2DelayMs := rx1DelayMs + (defaults.ReceiveDelay2Ms - defaults.ReceiveDelay1Ms)

	dr := a.uplinkDR
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && dr < ch.MaxDR {
			dr++
		}
		a.uplinkDR = dr

		sf, bw, err := dr.SpreadFactorBandwidth()
		if err != nil {
			return nil, err
		}
		if !a.MAC.CanTransmit(len(raw), sf, int(bw), a.Clock.NowMs()) {
			return nil, &mac.Error{Kind: mac.ErrDutyCycle, Msg: "duty cycle budget exhausted"}
		}

		a.state = AWaitingRX1
		if err := a.PHY.Transmit(ch.FrequencyHz, dr, txPowerDBm, raw); err != nil {
			a.state = AIdle
			return nil, &mac.Error{Kind: mac.ErrRadio, Msg: "transmit failed", Err: err}
		}
		a.MAC.RecordTransmit(len(raw), sf, int(bw), a.Clock.NowMs())

		a.Clock.DelayMs(rx1DelayMs)
		a.state = AInRX1
		frame, ok, err := a.openWindow1()
		if err != nil {
			a.state = AIdle
			return nil, err
		}
		if ok {
			a.state = AIdle
			if !confirmed || frame.FHDR.FCtrl.ACK() {
				return frame, nil
			}
			continue
		}

		a.Clock.DelayMs(rx2DelayMs - rx1DelayMs)
		a.state = AInRX2
		frame, ok, err = a.openWindow2()
		a.state = AIdle
		if err != nil {
			return nil, err
		}
		if ok {
			if !confirmed || frame.FHDR.FCtrl.ACK() {
				return frame, nil
			}
			continue
		}
	}

	if confirmed {
		return nil, &mac.Error{Kind: mac.ErrTimeout, Msg: "confirmed uplink not acknowledged after retry budget"}
	}
	return nil, nil
}

func (a *ClassA) openWindow1() (*mac.Frame, bool, error) {
	freq, dr, err := a.Plan.RX1(a.uplinkChan, a.uplinkDR)
	if err != nil {
		return nil, false, err
	}
	return a.receiveOn(freq, dr, 500)
}

func (a *ClassA) openWindow2() (*mac.Frame, bool, error) {
	freq, dr := a.Plan.RX2()
	return a.receiveOn(freq, dr, 500)
}

// receiveOn opens a single timed receive window and, if a packet
// arrives, parses it as a MAC frame. Radio.Receive returns (0, nil) on
// a clean timeout (spec.md's Radio port contract), which this reports
// as ok == false rather than an error.
func (a *ClassA) receiveOn(freqHz uint32, dr band.DataRate, timeoutMs uint32) (*mac.Frame, bool, error) {
	if err := a.PHY.OpenReceive(freqHz, dr, timeoutMs); err != nil {
		return nil, false, &mac.Error{Kind: mac.ErrRadio, Msg: "configuring receive window", Err: err}
	}
	buf := make([]byte, mac.MaxFrameSize)
	n, err := a.PHY.Receive(buf)
	if err != nil {
		return nil, false, &mac.Error{Kind: mac.ErrRadio, Msg: "receiving", Err: err}
	}
	if n == 0 {
		return nil, false, nil
	}
	if _, snr, err := a.PHY.LinkQuality(); err == nil {
		a.MAC.RecordLinkQuality(snr)
	}
	frame, err := a.MAC.HandleDownlink(buf[:n])
	if err != nil {
		a.Log.WithError(err).Warn("dropping invalid downlink")
		return nil, false, nil
	}
	return &frame, true, nil
}
