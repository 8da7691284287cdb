// Package device is the top-level façade a firmware application links
// against: it owns the DeviceConfig, wires together mac.Layer,
// phy.Adapter and the active class.Active driver, and exposes
// Join/Send/Receive/Process as the small surface spec.md §6 describes
// (everything else is an internal wiring detail).
package device

import (
	"fmt"

	"github.com/embedlora/lorawan-device/band"
	"github.com/embedlora/lorawan-device/class"
	"github.com/embedlora/lorawan-device/clock"
	"github.com/embedlora/lorawan-device/crypto"
	"github.com/embedlora/lorawan-device/mac"
	"github.com/embedlora/lorawan-device/phy"
	"github.com/embedlora/lorawan-device/radio"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DeviceConfig is the canonical, immutable-after-construction
// configuration record a Device is built from. Earlier designs scattered
// these fields across several inconsistent structs; this stack keeps
// exactly one (spec.md REDESIGN FLAGS).
type DeviceConfig struct {
	AppEUI mac.EUI64
	DevEUI mac.EUI64
	AppKey crypto.AESKey

	// PingPeriod is the Class B ping-slot period in slots (a power of
	// two in [32, 4096]). Zero defaults to 32, the most frequent
	// (lowest-latency) legal period.
	PingPeriod uint16
}

// Session is a snapshot of a Device's current MAC session state,
// tagged with a CorrelationID so log lines across a join/activation
// can be tied back to the session that produced them.
type Session struct {
	mac.SessionState
	CorrelationID uuid.UUID
}

// Error is the error type Device methods return.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("device: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Device is the device façade.
type Device struct {
	Config DeviceConfig

	Plan  band.Plan
	MAC   *mac.Layer
	PHY   *phy.Adapter
	Clock clock.Clock

	Persistence Persistence

	active        class.Active
	correlationID uuid.UUID
	log           *logrus.Entry
}

// New constructs a Device wired for US915, over the given radio and
// clock, starting in Class A. Callers join or activate before sending.
func New(cfg DeviceConfig, r radio.Radio, c clock.Clock) *Device {
	plan := band.NewUS915()
	m := mac.NewLayer(plan, cfg.AppEUI, cfg.DevEUI, cfg.AppKey)
	p := phy.New(r)

	d := &Device{
		Config: cfg,
		Plan:   plan,
		MAC:    m,
		PHY:    p,
		Clock:  c,
		log:    logrus.WithField("dev_eui", cfg.DevEUI.String()),
	}
	d.active = class.NewActiveA(class.NewClassA(m, p, plan, c))
	return d
}

// JoinOTAA runs the OTAA join procedure to completion: build and
// transmit a JoinRequest, open the join-accept receive windows and, on
// success, install the resulting session. It blocks for up to the
// region's JoinAcceptDelay2.
func (d *Device) JoinOTAA() error {
	raw, devNonce, err := d.MAC.BuildJoinRequest()
	if err != nil {
		return &Error{Op: "join_otaa", Err: err}
	}

	_, ch, err := d.Plan.NextJoinChannel()
	if err != nil {
		return &Error{Op: "join_otaa", Err: err}
	}
	defaults := d.Plan.Defaults()
	if err := d.PHY.Transmit(ch.FrequencyHz, ch.MinDR, defaults.MaxEIRPdBm, raw); err != nil {
		return &Error{Op: "join_otaa", Err: err}
	}

	d.Clock.DelayMs(defaults.JoinAcceptDelay1)
	if accepted, err := d.tryReceiveJoinAccept(ch.FrequencyHz, ch.MinDR, devNonce); err != nil {
		return &Error{Op: "join_otaa", Err: err}
	} else if accepted {
		d.correlationID = uuid.New()
		d.persist()
		return nil
	}

	d.Clock.DelayMs(defaults.JoinAcceptDelay2 - defaults.JoinAcceptDelay1)
	freq2, dr2 := d.Plan.RX2()
	if accepted, err := d.tryReceiveJoinAccept(freq2, dr2, devNonce); err != nil {
		return &Error{Op: "join_otaa", Err: err}
	} else if accepted {
		d.correlationID = uuid.New()
		d.persist()
		return nil
	}

	return &Error{Op: "join_otaa", Err: fmt.Errorf("no join-accept received in either window")}
}

func (d *Device) tryReceiveJoinAccept(freqHz uint32, dr band.DataRate, devNonce uint16) (bool, error) {
	if err := d.PHY.OpenReceive(freqHz, dr, 3000); err != nil {
		return false, err
	}
	buf := make([]byte, mac.MaxFrameSize)
	n, err := d.PHY.Receive(buf)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := d.MAC.HandleJoinAccept(buf[:n], devNonce); err != nil {
		d.log.WithError(err).Warn("discarding invalid join-accept")
		return false, nil
	}
	return true, nil
}

// ActivateABP installs a pre-provisioned session directly.
func (d *Device) ActivateABP(devAddr mac.DevAddr, nwkSKey, appSKey crypto.AESKey) {
	d.MAC.ActivateABP(devAddr, nwkSKey, appSKey)
	d.correlationID = uuid.New()
	d.persist()
}

// RestoreSession loads a previously persisted session from
// d.Persistence, if one is configured and present, skipping OTAA/ABP.
// Returns false if there was nothing to restore.
func (d *Device) RestoreSession() (bool, error) {
	if d.Persistence == nil {
		return false, nil
	}
	state, ok, err := d.Persistence.Load()
	if err != nil {
		return false, &Error{Op: "restore_session", Err: err}
	}
	if !ok || !state.Joined {
		return false, nil
	}
	d.MAC.Session = state
	d.correlationID = uuid.New()
	return true, nil
}

func (d *Device) persist() {
	if d.Persistence == nil {
		return
	}
	if err := d.Persistence.Save(d.MAC.Session); err != nil {
		d.log.WithError(err).Warn("failed to persist session state")
	}
}

// SendData transmits an application payload on fPort through the
// currently active class, returning any downlink frame the network
// piggy-backed in response.
func (d *Device) SendData(fPort uint8, payload []byte, confirmed bool) (*mac.Frame, error) {
	if !d.MAC.Session.Joined {
		return nil, &Error{Op: "send_data", Err: fmt.Errorf("device has not joined or been activated")}
	}

	defer d.persist()

	switch d.active.Which {
	case class.ClassBActive:
		frame, err := d.active.B.Uplink.Send(fPort, payload, confirmed)
		return frame, wrapClassErr("send_data", err)
	case class.ClassCActive:
		d.active.C.SuspendForUplink()
		defer d.active.C.ResumeContinuousRX2()
		a := class.NewClassA(d.MAC, d.PHY, d.Plan, d.Clock)
		frame, err := a.Send(fPort, payload, confirmed)
		return frame, wrapClassErr("send_data", err)
	default:
		frame, err := d.active.A.Send(fPort, payload, confirmed)
		return frame, wrapClassErr("send_data", err)
	}
}

// Receive polls for a downlink without transmitting first; meaningful
// only in Class B (ping slots) and Class C (continuous RX2). Class A
// has no out-of-band receive path, since it only listens in the RX1/RX2
// windows following an uplink.
func (d *Device) Receive() (*mac.Frame, error) {
	switch d.active.Which {
	case class.ClassCActive:
		frame, err := d.active.C.Poll()
		return frame, wrapClassErr("receive", err)
	case class.ClassBActive:
		freq, dr := d.Plan.RX2()
		frame, err := d.active.B.Scheduler.OpenNextSlot(freq, dr)
		return frame, wrapClassErr("receive", err)
	default:
		return nil, nil
	}
}

// Process drives scheduled background work: Class B beacon
// tracking/ping-slot advancement and Class C's continuous-RX2
// maintenance. Class A has no background work; Process is a no-op.
func (d *Device) Process() error {
	switch d.active.Which {
	case class.ClassBActive:
		tracker := d.active.B.Tracker
		switch tracker.State() {
		case class.BLost:
			tracker.Start()
			return nil
		case class.BSynchronized:
			if tracker.DueForWindow(d.Clock.NowMs()) {
				return wrapClassErr("process", tracker.CheckWindow())
			}
			return nil
		default:
			return wrapClassErr("process", tracker.ScanOnce())
		}
	case class.ClassCActive:
		if d.active.C.State() == class.CSuspended {
			return nil
		}
		_, err := d.active.C.Poll()
		return wrapClassErr("process", err)
	default:
		return nil
	}
}

// SetClass switches the active device class, tearing down whatever
// class-specific state (beacon tracker, ping scheduler, RX windows)
// the previous class owned (spec.md's Lifecycles note: class state is
// "destroyed on class switch").
func (d *Device) SetClass(target class.ActiveClass) error {
	switch target {
	case class.ClassAActive:
		d.active = class.NewActiveA(class.NewClassA(d.MAC, d.PHY, d.Plan, d.Clock))
	case class.ClassBActive:
		uplink := class.NewClassA(d.MAC, d.PHY, d.Plan, d.Clock)
		tracker := class.NewBeaconTracker(d.Plan, d.PHY, d.Clock)
		tracker.Start()

		pingPeriod := d.Config.PingPeriod
		if pingPeriod == 0 {
			pingPeriod = 32
		}
		scheduler := &class.PingSlotScheduler{
			MAC:        d.MAC,
			PHY:        d.PHY,
			Plan:       d.Plan,
			Tracker:    tracker,
			Clock:      d.Clock,
			DevAddr:    d.MAC.Session.DevAddr,
			NwkSKey:    d.MAC.Session.NwkSKey,
			PingPeriod: pingPeriod,
		}
		d.active = class.NewActiveB(uplink, tracker, scheduler)
	case class.ClassCActive:
		c := class.NewClassC(d.MAC, d.PHY, d.Plan, d.Clock)
		if err := c.EnterContinuousRX2(); err != nil {
			return &Error{Op: "set_class", Err: err}
		}
		d.active = class.NewActiveC(c)
	default:
		return &Error{Op: "set_class", Err: fmt.Errorf("unknown class %v", target)}
	}
	return nil
}

// UpdateBattery reports the device's battery level (DevStatusAns
// encoding: 0 = external power, 1-254 = relative level, 255 = cannot
// measure), recording it on the session so DevStatusAns answers reflect
// it regardless of active class, and feeding the active class's power
// policy. Only Class C acts on it directly (spec.md §4.7's
// Active/PowerSaving/Critical policy); on Class A/B it is otherwise a
// no-op, since their RX windows are already bounded to the
// post-uplink/ping-slot schedule rather than continuous.
func (d *Device) UpdateBattery(level uint8) error {
	d.MAC.Session.BatteryLevel = level
	if d.active.Which != class.ClassCActive {
		return nil
	}
	return wrapClassErr("update_battery", d.active.C.UpdateBattery(level))
}

// SessionState returns a correlation-tagged snapshot of the current
// MAC session.
func (d *Device) SessionState() Session {
	return Session{SessionState: d.MAC.Session, CorrelationID: d.correlationID}
}

func wrapClassErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
