package class

import (
	"github.com/embedlora/lorawan-device/band"
	"github.com/embedlora/lorawan-device/clock"
	"github.com/embedlora/lorawan-device/crypto"
	"github.com/embedlora/lorawan-device/mac"
	"github.com/embedlora/lorawan-device/phy"
	"github.com/sirupsen/logrus"
)

// BeaconPeriodMs is the fixed 128 s network beacon interval.
const BeaconPeriodMs uint32 = 128_000

// BeaconGuardMs is the window opened either side of a predicted beacon
// during WarmStart (spec.md §4.6).
const BeaconGuardMs uint32 = 3_000

// SlotLenMs is the duration of one Class B ping slot.
const SlotLenMs uint32 = 30

// BState is a beacon-tracker state.
type BState int

// Beacon tracker states.
const (
	BIdle BState = iota
	BColdStart
	BWarmStart
	BSearching
	BSynchronized
	BLost
)

// BeaconFrame is the parsed US915 beacon payload: Time(4 BE) ‖
// CRC(2 BE) ‖ GwSpec(1) ‖ Info(7).
type BeaconFrame struct {
	Time   uint32
	CRC    uint16
	GwSpec byte
	Info   [7]byte
}

// ParseBeaconFrame decodes a raw beacon payload, reporting ok=false if
// the CRC does not match or Info is all-zero (spec.md's validity
// check: "CRC and non-zero Info").
func ParseBeaconFrame(raw []byte) (BeaconFrame, bool) {
	if len(raw) < 14 {
		return BeaconFrame{}, false
	}
	var bf BeaconFrame
	bf.Time = uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	bf.CRC = uint16(raw[4])<<8 | uint16(raw[5])
	bf.GwSpec = raw[6]
	copy(bf.Info[:], raw[7:14])

	if crc16CCITT(raw[0:4]) != bf.CRC {
		return bf, false
	}
	nonZero := false
	for _, b := range bf.Info {
		if b != 0 {
			nonZero = true
			break
		}
	}
	return bf, nonZero
}

// crc16CCITT matches the Semtech beacon CRC definition used across the
// reference gateway/network-server stack.
func crc16CCITT(data []byte) uint16 {
	var crc uint16 = 0
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// BeaconTracker implements the Idle → (ColdStart|WarmStart) →
// Searching → Synchronized ⇄ Lost beacon lifecycle.
type BeaconTracker struct {
	Plan  band.Plan
	PHY   *phy.Adapter
	Clock clock.Clock
	Log   *logrus.Entry

	state         BState
	lastBeaconAt  uint32 // local ms clock reading when the last valid beacon was received
	lastBeaconTime uint32 // network Time field of the last valid beacon
	missed        int
	driftPPM      float64
	coldScanIdx   int
}

// NewBeaconTracker builds a tracker in the Idle state.
func NewBeaconTracker(plan band.Plan, p *phy.Adapter, c clock.Clock) *BeaconTracker {
	return &BeaconTracker{Plan: plan, PHY: p, Clock: c, state: BIdle, coldScanIdx: -1, Log: logrus.WithField("component", "class_b")}
}

// State reports the tracker's current state.
func (t *BeaconTracker) State() BState { return t.state }

// Start begins a cold-start scan across every beacon channel.
func (t *BeaconTracker) Start() {
	t.state = BColdStart
	t.coldScanIdx = -1
	t.missed = 0
}

// ScanOnce drives one iteration of ColdStart or Searching: it opens a
// single beacon channel's receive window and processes whatever
// arrives. Callers loop this until State() reaches Synchronized.
func (t *BeaconTracker) ScanOnce() error {
	t.coldScanIdx = (t.coldScanIdx + 1) % t.Plan.NumBeaconChannels()
	ch, err := t.Plan.BeaconChannel(t.coldScanIdx)
	if err != nil {
		return err
	}
	if err := t.PHY.OpenReceive(ch.FrequencyHz, ch.MinDR, BeaconPeriodMs); err != nil {
		return err
	}
	buf := make([]byte, 32)
	n, err := t.PHY.Receive(buf)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	bf, ok := ParseBeaconFrame(buf[:n])
	if !ok {
		t.Log.Warn("discarding invalid beacon frame")
		return nil
	}
	t.onBeacon(bf)
	return nil
}

// PredictedNextBeaconMs returns the local clock reading WarmStart
// expects the next beacon at, using the last observed beacon plus the
// fixed period and the current drift correction.
func (t *BeaconTracker) PredictedNextBeaconMs() uint32 {
	corrected := float64(BeaconPeriodMs) * (1 + t.driftPPM/1e6)
	return t.lastBeaconAt + uint32(corrected)
}

// onBeacon records a validly received beacon, updates the drift
// estimate and transitions to Synchronized.
func (t *BeaconTracker) onBeacon(bf BeaconFrame) {
	now := t.Clock.NowMs()
	if t.state == BSynchronized || t.state == BWarmStart {
		expected := t.PredictedNextBeaconMs()
		observed := now
		delta := clock.ElapsedMs(expected, observed)
		// A single-sample jump larger than the guard window is noise,
		// not real drift (spec.md §4.6); ignore it for the EMA but still
		// resynchronize the absolute beacon time.
		if delta <= BeaconGuardMs || delta >= ^uint32(0)-BeaconGuardMs {
			sample := float64(int32(delta)) / float64(BeaconPeriodMs) * 1e6
			t.driftPPM = t.driftPPM*7/8 + sample/8
		}
	}
	t.lastBeaconAt = now
	t.lastBeaconTime = bf.Time
	t.missed = 0
	t.state = BSynchronized
}

// MissedBeacon records a missed beacon window; three consecutive
// misses force a transition to Lost (spec.md invariant).
func (t *BeaconTracker) MissedBeacon() {
	t.missed++
	if t.missed >= 3 {
		t.state = BLost
	}
}

// DueForWindow reports whether nowMs has reached the predicted next
// beacon window, the narrow per-period check CheckWindow drives once
// Synchronized.
func (t *BeaconTracker) DueForWindow(nowMs uint32) bool {
	return clock.ElapsedMs(t.PredictedNextBeaconMs(), nowMs) < BeaconPeriodMs
}

// CheckWindow opens a narrow window (2·BeaconGuard) around the
// predicted beacon time on the last-known beacon channel and records a
// hit or a miss. Callers drive this once per period while Synchronized
// (spec.md §4.6: "a narrow window every 128 s"), rather than the full
// multi-channel scan ScanOnce performs during ColdStart/Searching.
func (t *BeaconTracker) CheckWindow() error {
	ch, err := t.Plan.BeaconChannel(t.coldScanIdx)
	if err != nil {
		return err
	}
	if err := t.PHY.OpenReceive(ch.FrequencyHz, ch.MinDR, 2*BeaconGuardMs); err != nil {
		return err
	}
	buf := make([]byte, 32)
	n, err := t.PHY.Receive(buf)
	if err != nil {
		return err
	}
	if n == 0 {
		t.MissedBeacon()
		return nil
	}
	bf, ok := ParseBeaconFrame(buf[:n])
	if !ok {
		t.Log.Warn("discarding invalid beacon frame")
		t.MissedBeacon()
		return nil
	}
	t.onBeacon(bf)
	return nil
}

// LastBeaconTime and LastBeaconAt expose the synchronized time base
// the ping-slot scheduler derives offsets from.
func (t *BeaconTracker) LastBeaconTime() uint32 { return t.lastBeaconTime }
func (t *BeaconTracker) LastBeaconAt() uint32    { return t.lastBeaconAt }

// PingSlotOffset computes the first ping-slot offset within a beacon
// period for devAddr at beaconTime, using the LoRaWAN normative
// AES-based pseudo-random computation (spec.md REDESIGN FLAGS: this
// replaces a `dev_addr * beacon_time % period` shortcut that is not
// spec-compliant). pingPeriod is the number of slots between pings
// (32..4096, a power of two); the returned offset is a slot index in
// [0, pingPeriod).
func PingSlotOffset(nwkSKey crypto.AESKey, devAddr [4]byte, beaconTime uint32, pingPeriod uint16) (uint16, error) {
	var block [16]byte
	block[0] = byte(beaconTime)
	block[1] = byte(beaconTime >> 8)
	block[2] = byte(beaconTime >> 16)
	block[3] = byte(beaconTime >> 24)
	copy(block[4:8], devAddr[:])

	rand, err := crypto.EncryptBlock(nwkSKey, block)
	if err != nil {
		return 0, err
	}
	r := uint16(rand[0]) | uint16(rand[1])<<8
	return r % pingPeriod, nil
}

// PingSlotScheduler derives the sequence of ping-slot openings within
// a beacon period once the tracker is Synchronized.
type PingSlotScheduler struct {
	MAC     *mac.Layer
	PHY     *phy.Adapter
	Plan    band.Plan
	Tracker *BeaconTracker
	Clock   clock.Clock

	DevAddr    [4]byte
	NwkSKey    crypto.AESKey
	PingPeriod uint16 // slot count, power of two in [32, 4096]

	// periodBeaconAt/slotIndex track progress through the current
	// beacon period's slot schedule: slot k opens at
	// offset + k*PingPeriod*SlotLen (spec.md §4.6). A new beacon
	// (periodBeaconAt changes) resets slotIndex to 0.
	periodBeaconAt uint32
	slotIndex      int
	started        bool
}

// NumSlotsPerPeriod is how many ping slots fall within one beacon
// period at the configured PingPeriod.
func (s *PingSlotScheduler) NumSlotsPerPeriod() int {
	return int(BeaconPeriodMs / SlotLenMs / uint32(s.PingPeriod))
}

// OpenNextSlot computes and opens the next ping slot relative to the
// tracker's last beacon, returning any downlink frame received during
// it. It must only be called while the tracker is Synchronized.
// Repeated calls within the same beacon period advance through every
// slot the period holds (k = 0, 1, 2, ... up to NumSlotsPerPeriod()-1,
// each at offset + k*PingPeriod*SlotLen) rather than re-opening the
// first slot; a new beacon resets the schedule to k = 0.
func (s *PingSlotScheduler) OpenNextSlot(freqHz uint32, dr band.DataRate) (*mac.Frame, error) {
	if s.Tracker.State() != BSynchronized {
		return nil, &mac.Error{Kind: mac.ErrInvalidConfig, Msg: "ping slots require a synchronized beacon tracker"}
	}

	beaconAt := s.Tracker.LastBeaconAt()
	if !s.started || beaconAt != s.periodBeaconAt {
		s.periodBeaconAt = beaconAt
		s.slotIndex = 0
		s.started = true
	}

	offset, err := PingSlotOffset(s.NwkSKey, s.DevAddr, s.Tracker.LastBeaconTime(), s.PingPeriod)
	if err != nil {
		return nil, err
	}
	slotAtMs := beaconAt + uint32(offset)*SlotLenMs + uint32(s.slotIndex)*uint32(s.PingPeriod)*SlotLenMs

	numSlots := s.NumSlotsPerPeriod()
	if numSlots < 1 {
		numSlots = 1
	}
	s.slotIndex++
	if s.slotIndex >= numSlots {
		// Past the last slot of this period; hold at the final index so a
		// caller polling too eagerly keeps re-deriving it rather than
		// wrapping into the next period's slot 0 before a new beacon
		// actually arrives.
		s.slotIndex = numSlots - 1
	}

	now := s.Clock.NowMs()
	if wait := clock.ElapsedMs(now, slotAtMs); wait > 0 && wait < BeaconPeriodMs {
		s.Clock.DelayMs(wait)
	}

	if err := s.PHY.OpenReceive(freqHz, dr, SlotLenMs*2); err != nil {
		return nil, &mac.Error{Kind: mac.ErrRadio, Msg: "configuring ping-slot window", Err: err}
	}
	buf := make([]byte, mac.MaxFrameSize)
	n, err := s.PHY.Receive(buf)
	if err != nil {
		return nil, &mac.Error{Kind: mac.ErrRadio, Msg: "receiving ping slot", Err: err}
	}
	if n == 0 {
		return nil, nil
	}
	if _, snr, err := s.PHY.LinkQuality(); err == nil {
		s.MAC.RecordLinkQuality(snr)
	}
	frame, err := s.MAC.HandleDownlink(buf[:n])
	if err != nil {
		return nil, nil
	}
	return &frame, nil
}
