// Package band implements the regional channel-plan concerns a
// LoRaWAN end-device needs: channel selection, sub-band masking, RX1/RX2
// parameter derivation and data-rate bookkeeping. US915 is the sole
// normative implementation in this stack (spec.md §1 Non-goals: other
// regions are out of scope at the normative level), but Plan is kept
// generic so another region could implement it.
package band

import "fmt"

// DataRate identifies a LoRaWAN data-rate index. The numeric value is
// the on-the-wire DR index.
type DataRate uint8

// US915 uplink and downlink data rates (1.0.3 regional parameters).
const (
	DR0 DataRate = 0 // SF10BW125
	DR1 DataRate = 1 // SF9BW125
	DR2 DataRate = 2 // SF8BW125
	DR3 DataRate = 3 // SF7BW125
	DR4 DataRate = 4 // SF8BW500

	DR8  DataRate = 8  // SF12BW500 (downlink only)
	DR9  DataRate = 9  // SF11BW500
	DR10 DataRate = 10 // SF10BW500
	DR11 DataRate = 11 // SF9BW500
	DR12 DataRate = 12 // SF8BW500
	DR13 DataRate = 13 // SF7BW500
)

// SpreadFactorBandwidth returns the (spreading factor, bandwidth-in-kHz)
// pair a DataRate maps to.
func (dr DataRate) SpreadFactorBandwidth() (sf uint8, bwKHz uint32, err error) {
	switch dr {
	case DR0:
		return 10, 125, nil
	case DR1:
		return 9, 125, nil
	case DR2:
		return 8, 125, nil
	case DR3:
		return 7, 125, nil
	case DR4:
		return 8, 500, nil
	case DR8:
		return 12, 500, nil
	case DR9:
		return 11, 500, nil
	case DR10:
		return 10, 500, nil
	case DR11:
		return 9, 500, nil
	case DR12:
		return 8, 500, nil
	case DR13:
		return 7, 500, nil
	default:
		return 0, 0, fmt.Errorf("band: %d is not a valid US915 data rate", dr)
	}
}

// Direction of a Channel.
type Direction uint8

// Channel directions.
const (
	Uplink Direction = iota
	Downlink
)

// Channel is one entry in the region's channel table.
type Channel struct {
	FrequencyHz uint32
	MinDR       DataRate
	MaxDR       DataRate
	Enabled     bool
	Direction   Direction
}

// Plan is the channel-plan contract the MAC layer drives. US915 is the
// only implementation in this stack.
type Plan interface {
	// NextUplinkChannel round-robins over the enabled uplink channels,
	// visiting every enabled channel once before repeating (for
	// duty-cycle fairness). Returns an error if none are enabled.
	NextUplinkChannel() (int, Channel, error)

	// NextJoinChannel round-robins over the 125 kHz channel set with
	// an independent cursor from NextUplinkChannel, used only for
	// JoinRequest transmissions.
	NextJoinChannel() (int, Channel, error)

	// RX1 returns the RX1 frequency and data rate for an uplink sent
	// on uplinkChannel at uplinkDR.
	RX1(uplinkChannel int, uplinkDR DataRate) (freqHz uint32, dr DataRate, err error)

	// RX2 returns the current RX2 frequency and data rate (mutable via
	// ApplyRXParamSetup).
	RX2() (freqHz uint32, dr DataRate)

	// BeaconChannel returns the beacon channel for the given
	// round-robin index (Class B cold-start scan).
	BeaconChannel(index int) (Channel, error)
	NumBeaconChannels() int

	// SetSubBand restricts the enabled uplink channels to sub-band n
	// (0..7): 8 adjacent 125 kHz channels plus 1 500 kHz channel.
	SetSubBand(n int) error

	// MaxPayloadSize returns the maximum application payload size in
	// bytes for the given data rate.
	MaxPayloadSize(dr DataRate) (int, error)

	IsValidFrequency(hz uint32) bool
	IsValidDataRate(dr DataRate) bool
	IsValidTXPower(index int) bool

	// TXPowerDBm maps a region TX-power index (0..14, validated by
	// IsValidTXPower) to the dBm value a PHY adapter transmits at, the
	// mapping a LinkADRReq's TXPower field negotiates uplinks against
	// (spec.md §4.3/§4.4).
	TXPowerDBm(index int) (int8, error)

	// ApplyNewChannel implements NewChannelReq: adds or reconfigures an
	// uplink channel. Returns (freqOK, drRangeOK); state only mutates
	// for sub-fields that validate.
	ApplyNewChannel(chIndex int, freqHz uint32, minDR, maxDR DataRate) (freqOK, drRangeOK bool)

	// ApplyDlChannel implements DlChannelReq: sets the frequency of
	// downlink (RX1) channel chIndex. chExists is false, and nothing
	// changes, when chIndex is outside the downlink channel table.
	ApplyDlChannel(chIndex int, freqHz uint32) (freqOK, chExists bool)

	// ApplyRXParamSetup implements RXParamSetupReq.
	ApplyRXParamSetup(rx1DROffset uint8, rx2DR DataRate, rx2Freq uint32) (offsetOK, drOK, freqOK bool)

	// ApplyChannelMask implements one ChMask/ChMaskCntl pair from a
	// LinkADRReq, toggling uplink channels on or off. ChMaskCntl 6
	// turns every 125 kHz channel on and applies the 16-bit mask to the
	// 500 kHz channels; ChMaskCntl 0-4 applies the mask directly to
	// channels ChMaskCntl*16..+16. Returns false if ChMaskCntl names a
	// channel range or reserved value this plan doesn't recognise.
	ApplyChannelMask(mask uint16, chMaskCntl uint8) bool

	// EnabledUplinkChannelCount reports how many uplink channels are
	// currently enabled (used by the sub-band invariant test).
	EnabledUplinkChannelCount() int

	// Defaults returns the region's fixed timing defaults.
	Defaults() Defaults
}

// Defaults are the region's fixed timing parameters.
type Defaults struct {
	RX2FrequencyHz   uint32
	RX2DataRate      DataRate
	ReceiveDelay1Ms  uint32
	ReceiveDelay2Ms  uint32
	JoinAcceptDelay1 uint32
	JoinAcceptDelay2 uint32
	MaxEIRPdBm       int8
}
