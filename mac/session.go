package mac

import (
	"github.com/embedlora/lorawan-device/band"
	"github.com/embedlora/lorawan-device/crypto"
)

// SessionState is the single canonical record of everything a joined
// device needs to build and parse frames. Earlier designs kept this
// split across several inconsistent structs; this stack keeps exactly
// one (spec.md REDESIGN FLAGS).
type SessionState struct {
	DevAddr DevAddr
	NwkSKey crypto.AESKey
	AppSKey crypto.AESKey

	FCntUp   uint32
	FCntDown uint32

	// RX1DROffset/RX2DataRate/RX2Frequency record the RX parameters
	// (after a join: DLSettings from the JoinAccept and the region's
	// default RX2 frequency; afterwards: accepted RXParamSetupReqs), so
	// they are persisted with the session. Only
	// RXParamSetupReq values are also applied to the region Plan;
	// neither the JoinAccept values nor a session loaded by
	// Device.RestoreSession are pushed back into the Plan.
	RX1DROffset  uint8
	RX2DataRate  uint8
	RX2Frequency uint32

	// RX1DelayMs overrides the region's default RECEIVE_DELAY1, set by
	// the last accepted RXTimingSetupReq. Zero means "no override yet",
	// in which case the region default applies.
	RX1DelayMs uint32

	// DutyCycleLimit is 1/(2^n), 0 meaning unrestricted, set by the
	// last accepted DutyCycleReq.
	DutyCycleLimit uint8

	// CurrentDR/CurrentTXPowerIndex are the ADR-negotiated uplink data
	// rate and TX-power index, set by the last accepted LinkADRReq.
	// CurrentDR's zero value (DR0) and CurrentTXPowerIndex's zero value
	// (index 0, max EIRP) are both valid, so a freshly joined session
	// with no ADR history already carries sane defaults.
	CurrentDR           band.DataRate
	CurrentTXPowerIndex uint8

	// NbTrans is the confirmed-uplink retransmission budget the last
	// accepted LinkADRReq set (0 in the wire payload means "leave
	// unchanged"); zero here means "not yet negotiated", treated as 1
	// attempt.
	NbTrans uint8

	// PendingDownlinkAck is set when a confirmed downlink has been
	// received and not yet acknowledged by an uplink's FCtrl.ACK bit.
	PendingDownlinkAck bool

	// BatteryLevel is the last value reported to update_battery, in the
	// DevStatusAns encoding (0 = external power, 1-254 = relative level,
	// 255 = cannot measure). A session that has never been told its
	// battery level reports 255, not Go's zero value, since 0 means
	// something specific on the wire.
	BatteryLevel uint8

	Joined bool
}

// IsZero reports whether s is the unpopulated zero value (not yet
// joined or activated).
func (s SessionState) IsZero() bool {
	return !s.Joined && s.DevAddr == DevAddr{} && s.FCntUp == 0 && s.FCntDown == 0
}
