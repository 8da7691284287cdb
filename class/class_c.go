package class

import (
	"github.com/embedlora/lorawan-device/band"
	"github.com/embedlora/lorawan-device/clock"
	"github.com/embedlora/lorawan-device/mac"
	"github.com/embedlora/lorawan-device/phy"
	"github.com/sirupsen/logrus"
)

// CState is a ClassC receive sub-state.
type CState int

// ClassC sub-states.
const (
	CRX2Active CState = iota
	CRX1Active
	CSuspended
)

// PowerState names the Class C power policy (spec.md's naming, which
// diverges from the Active/Sleep/DeepSleep names some LoRaWAN stacks
// use: Active/PowerSaving/Critical describes intent, not hardware
// sleep depth).
type PowerState int

// Class C power states.
const (
	PowerActive PowerState = iota
	PowerSaving
	PowerCritical
)

// maxRadioRetries bounds how many consecutive radio errors ClassC
// tolerates before propagating the failure (spec.md §4.7/§7).
const maxRadioRetries = 3

// Battery-level thresholds driving the PowerState transitions
// update_battery applies (spec.md §4.7). Battery level follows the
// DevStatusAns encoding: 0 (external power) through 254, 255 meaning
// "cannot measure".
const (
	lowBatteryThreshold      = 50
	criticalBatteryThreshold = 10
)

// Class C's PowerSaving duty cycle: one receive window opened every
// dutyCyclePeriodMs, each held open for dutyCycleWindowMs.
const (
	dutyCycleWindowMs = 1_000
	dutyCyclePeriodMs = 10_000
)

// ClassC implements continuous RX2 reception between uplinks, with a
// bounded radio-error retry policy and a power-state hook higher
// layers use to trade receive duty for battery life.
type ClassC struct {
	MAC   *mac.Layer
	PHY   *phy.Adapter
	Plan  band.Plan
	Clock clock.Clock
	Log   *logrus.Entry

	state        CState
	Power        PowerState
	retryCount   int
	lastPollMs   uint32
	everPolledDC bool
}

// NewClassC builds a ClassC driver, starting in continuous RX2.
func NewClassC(m *mac.Layer, p *phy.Adapter, plan band.Plan, c clock.Clock) *ClassC {
	return &ClassC{MAC: m, PHY: p, Plan: plan, Clock: c, state: CRX2Active, Power: PowerActive, Log: logrus.WithField("component", "class_c")}
}

// State reports the current receive sub-state.
func (c *ClassC) State() CState { return c.state }

// EnterContinuousRX2 (re)configures the radio for continuous reception
// on RX2, as required whenever ClassC is not actively transmitting or
// in a temporary RX1 window after an uplink.
func (c *ClassC) EnterContinuousRX2() error {
	freq, dr := c.Plan.RX2()
	if err := c.PHY.OpenReceive(freq, dr, 0); err != nil {
		return c.onRadioError(err)
	}
	c.state = CRX2Active
	c.retryCount = 0
	return nil
}

// Poll checks for one downlink frame without blocking the caller
// longer than is needed for a single Radio.Receive call under
// whatever timeout the radio was configured with; a continuously
// configured RX2 (TimeoutMs 0) blocks until a packet arrives.
func (c *ClassC) Poll() (*mac.Frame, error) {
	if c.state == CSuspended {
		return nil, nil
	}
	if c.Power == PowerSaving {
		return c.pollDutyCycled()
	}
	buf := make([]byte, mac.MaxFrameSize)
	n, err := c.PHY.Receive(buf)
	if err != nil {
		if rerr := c.onRadioError(err); rerr != nil {
			return nil, rerr
		}
		return nil, nil
	}
	c.retryCount = 0
	if n == 0 {
		return nil, nil
	}
	if _, snr, err := c.PHY.LinkQuality(); err == nil {
		c.MAC.RecordLinkQuality(snr)
	}
	frame, err := c.MAC.HandleDownlink(buf[:n])
	if err != nil {
		c.Log.WithError(err).Warn("dropping invalid downlink")
		return nil, nil
	}
	return &frame, nil
}

// pollDutyCycled implements PowerSaving's duty-cycled reception: a
// single, short receive window opened no more often than every
// dutyCyclePeriodMs, rather than RX2 held open continuously.
func (c *ClassC) pollDutyCycled() (*mac.Frame, error) {
	now := c.Clock.NowMs()
	if c.everPolledDC && clock.ElapsedMs(c.lastPollMs, now) < dutyCyclePeriodMs {
		return nil, nil
	}
	c.everPolledDC = true
	c.lastPollMs = now

	freq, dr := c.Plan.RX2()
	if err := c.PHY.OpenReceive(freq, dr, dutyCycleWindowMs); err != nil {
		return nil, c.onRadioError(err)
	}
	buf := make([]byte, mac.MaxFrameSize)
	n, err := c.PHY.Receive(buf)
	if err != nil {
		if rerr := c.onRadioError(err); rerr != nil {
			return nil, rerr
		}
		return nil, nil
	}
	c.retryCount = 0
	if n == 0 {
		return nil, nil
	}
	if _, snr, err := c.PHY.LinkQuality(); err == nil {
		c.MAC.RecordLinkQuality(snr)
	}
	frame, err := c.MAC.HandleDownlink(buf[:n])
	if err != nil {
		c.Log.WithError(err).Warn("dropping invalid downlink")
		return nil, nil
	}
	return &frame, nil
}

// onRadioError applies the bounded-retry recovery policy: up to
// maxRadioRetries consecutive radio errors are counted, logged and
// absorbed, so the next Poll tries Receive again with the radio left
// as it is (the radio is not reset or reconfigured here); the next
// failure beyond that is propagated to the caller.
func (c *ClassC) onRadioError(err error) error {
	c.retryCount++
	if c.retryCount > maxRadioRetries {
		return &mac.Error{Kind: mac.ErrRadio, Msg: "exceeded Class C radio retry budget", Err: err}
	}
	c.Log.WithError(err).Warn("recoverable radio error, retrying continuous RX2")
	return nil
}

// SuspendForUplink switches out of continuous RX2 so the radio is free
// to transmit, entering RX1Active for the duration of the post-uplink
// RX1/RX2 sequence before returning to continuous RX2.
func (c *ClassC) SuspendForUplink() {
	c.state = CRX1Active
}

// ResumeContinuousRX2 returns to the reception mode the current power
// policy calls for, after an uplink's own RX1/RX2 sequence completes:
// continuous RX2 when Active, duty-cycled polling when PowerSaving (no
// radio reconfiguration needed; the next Poll opens its own window),
// and RX off when Critical.
func (c *ClassC) ResumeContinuousRX2() error {
	switch c.Power {
	case PowerCritical:
		c.state = CSuspended
		return nil
	case PowerSaving:
		c.state = CRX2Active
		return nil
	default:
		return c.EnterContinuousRX2()
	}
}

// SetPower overrides the power policy directly. UpdateBattery is the
// normal entry point; this exists for callers that want to force a
// policy outside the battery-threshold rule (e.g. a diagnostic
// downlink commanding low-power mode).
func (c *ClassC) SetPower(p PowerState) {
	c.Power = p
	if p == PowerCritical {
		c.state = CSuspended
	}
}

// UpdateBattery reports the device's battery level (the DevStatusAns
// encoding: 0 = external power, 1-254 = relative level, 255 = cannot
// measure) and drives the Active/PowerSaving/Critical power-policy
// transition spec.md §4.7 requires ("transitions are driven by
// explicit update_battery(level)"). The policy never silently stops
// RX while the device is reachable: Critical is the only state that
// suspends reception, and only because the battery level crossed the
// critical threshold, not on a timer.
func (c *ClassC) UpdateBattery(level uint8) error {
	switch {
	case level != 255 && level <= criticalBatteryThreshold:
		c.Power = PowerCritical
		c.state = CSuspended
		return nil
	case level != 255 && level <= lowBatteryThreshold:
		if c.Power != PowerSaving {
			c.everPolledDC = false
		}
		c.Power = PowerSaving
		if c.state == CSuspended {
			c.state = CRX2Active
		}
		return nil
	default:
		wasCritical := c.Power == PowerCritical
		c.Power = PowerActive
		if c.state == CSuspended || wasCritical {
			return c.EnterContinuousRX2()
		}
		return nil
	}
}
