package mac

import "fmt"

// CID identifies a MAC command. Req and Ans share the same numeric
// value; direction (uplink vs downlink) disambiguates which payload
// shape applies.
type CID byte

// MAC command identifiers this stack implements (LoRaWAN 1.0.3 §5,
// plus the Class B beacon/ping-slot commands).
const (
	CIDLinkCheck     CID = 0x02
	CIDLinkADR       CID = 0x03
	CIDDutyCycle     CID = 0x04
	CIDRXParamSetup  CID = 0x05
	CIDDevStatus     CID = 0x06
	CIDNewChannel    CID = 0x07
	CIDRXTimingSetup CID = 0x08
	CIDTXParamSetup  CID = 0x09
	CIDDlChannel     CID = 0x0A
	CIDPingSlotInfo  CID = 0x10
	CIDBeaconTiming  CID = 0x12
	CIDBeaconFreq    CID = 0x13
)

// Command is one parsed MAC command, direction-tagged by which field
// is populated. Exactly one Req or Ans field is meaningful per CID;
// the rest are zero. This flat-struct approach (rather than an
// interface per command) keeps the command list allocation-free.
type Command struct {
	CID CID

	LinkCheckAns     *LinkCheckAnsPayload
	LinkADRReq       *LinkADRReqPayload
	LinkADRAns       *LinkADRAnsPayload
	DutyCycleReq     *DutyCycleReqPayload
	RXParamSetupReq  *RXParamSetupReqPayload
	RXParamSetupAns  *RXParamSetupAnsPayload
	DevStatusReq     *struct{}
	DevStatusAns     *DevStatusAnsPayload
	NewChannelReq    *NewChannelReqPayload
	NewChannelAns    *NewChannelAnsPayload
	RXTimingSetupReq *RXTimingSetupReqPayload
	TXParamSetupReq  *TXParamSetupReqPayload
	DlChannelReq     *DlChannelReqPayload
	DlChannelAns     *DlChannelAnsPayload
	PingSlotInfoReq  *PingSlotInfoReqPayload
	BeaconTimingAns  *BeaconTimingAnsPayload
	BeaconFreqReq    *BeaconFreqReqPayload
	BeaconFreqAns    *BeaconFreqAnsPayload
}

// cidPayloadSize is the fixed wire size of each downlink (network to
// device) command payload this stack parses, keyed by CID. A size of
// 0 means the command carries no payload.
var cidPayloadSize = map[CID]int{
	CIDLinkCheck:     2,
	CIDLinkADR:       4,
	CIDDutyCycle:     1,
	CIDRXParamSetup:  4,
	CIDDevStatus:     0,
	CIDNewChannel:    5,
	CIDRXTimingSetup: 1,
	CIDTXParamSetup:  1,
	CIDDlChannel:     4,
	CIDBeaconTiming:  3,
	CIDBeaconFreq:    3,
}

// ParseCommands decodes a sequence of MAC commands from a downlink
// FOpts field or port-0 FRMPayload. An unrecognised CID terminates
// parsing for the remainder of the buffer: the commands already
// decoded are still returned, since a single malformed or unknown
// command must not void an otherwise-valid frame (spec.md §4.4).
func ParseCommands(data []byte) ([]Command, error) {
	var cmds []Command
	for len(data) > 0 {
		if len(cmds) >= MaxPendingCommands {
			return cmds, nil
		}
		cid := CID(data[0])
		size, known := cidPayloadSize[cid]
		if !known {
			return cmds, nil
		}
		if len(data) < 1+size {
			return cmds, newErr(ErrInvalidLength, fmt.Sprintf("truncated payload for CID 0x%02x", byte(cid)))
		}
		payload := data[1 : 1+size]
		cmd, err := decodeCommand(cid, payload)
		if err != nil {
			return cmds, err
		}
		cmds = append(cmds, cmd)
		data = data[1+size:]
	}
	return cmds, nil
}

func decodeCommand(cid CID, data []byte) (Command, error) {
	switch cid {
	case CIDLinkCheck:
		var p LinkCheckAnsPayload
		return Command{CID: cid, LinkCheckAns: &p}, p.unmarshalBinary(data)
	case CIDLinkADR:
		var p LinkADRReqPayload
		return Command{CID: cid, LinkADRReq: &p}, p.unmarshalBinary(data)
	case CIDDutyCycle:
		var p DutyCycleReqPayload
		return Command{CID: cid, DutyCycleReq: &p}, p.unmarshalBinary(data)
	case CIDRXParamSetup:
		var p RXParamSetupReqPayload
		return Command{CID: cid, RXParamSetupReq: &p}, p.unmarshalBinary(data)
	case CIDDevStatus:
		return Command{CID: cid, DevStatusReq: &struct{}{}}, nil
	case CIDNewChannel:
		var p NewChannelReqPayload
		return Command{CID: cid, NewChannelReq: &p}, p.unmarshalBinary(data)
	case CIDRXTimingSetup:
		var p RXTimingSetupReqPayload
		return Command{CID: cid, RXTimingSetupReq: &p}, p.unmarshalBinary(data)
	case CIDTXParamSetup:
		var p TXParamSetupReqPayload
		return Command{CID: cid, TXParamSetupReq: &p}, p.unmarshalBinary(data)
	case CIDDlChannel:
		var p DlChannelReqPayload
		return Command{CID: cid, DlChannelReq: &p}, p.unmarshalBinary(data)
	case CIDBeaconTiming:
		var p BeaconTimingAnsPayload
		return Command{CID: cid, BeaconTimingAns: &p}, p.unmarshalBinary(data)
	case CIDBeaconFreq:
		var p BeaconFreqReqPayload
		return Command{CID: cid, BeaconFreqReq: &p}, p.unmarshalBinary(data)
	default:
		return Command{}, newErr(ErrUnknownCommand, fmt.Sprintf("CID 0x%02x", byte(cid)))
	}
}

// LinkCheckAnsPayload is the network's answer to LinkCheckReq.
type LinkCheckAnsPayload struct {
	MarginDB uint8
	GwCount  uint8
}

func (p *LinkCheckAnsPayload) unmarshalBinary(data []byte) error {
	if len(data) != 2 {
		return newErr(ErrInvalidLength, "LinkCheckAns expects 2 bytes")
	}
	p.MarginDB = data[0]
	p.GwCount = data[1]
	return nil
}

// LinkADRReqPayload requests a data rate, TX power and channel mask
// change.
type LinkADRReqPayload struct {
	DataRate   uint8
	TXPower    uint8
	ChMask     uint16
	ChMaskCntl uint8
	NbTrans    uint8
}

func (p *LinkADRReqPayload) unmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return newErr(ErrInvalidLength, "LinkADRReq expects 4 bytes")
	}
	p.DataRate = data[0] >> 4
	p.TXPower = data[0] & 0x0F
	p.ChMask = uint16(data[1]) | uint16(data[2])<<8
	p.ChMaskCntl = (data[3] >> 4) & 0x07
	p.NbTrans = data[3] & 0x0F
	return nil
}

// LinkADRAnsPayload is the device's per-field acknowledgement of a
// LinkADRReq. Per spec.md's Open Question resolution, each bit
// reflects the actual validation outcome for that sub-field, never an
// optimistic all-accept.
type LinkADRAnsPayload struct {
	ChannelMaskACK bool
	DataRateACK    bool
	PowerACK       bool
}

func (p LinkADRAnsPayload) marshalBinary() []byte {
	var b byte
	if p.ChannelMaskACK {
		b |= 1 << 0
	}
	if p.DataRateACK {
		b |= 1 << 1
	}
	if p.PowerACK {
		b |= 1 << 2
	}
	return []byte{b}
}

// DutyCycleReqPayload sets the maximum aggregated duty cycle.
type DutyCycleReqPayload struct {
	MaxDCyclePlusOne uint8 // duty cycle = 1 / (2^MaxDCyclePlusOne), 0 = no limit
}

func (p *DutyCycleReqPayload) unmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return newErr(ErrInvalidLength, "DutyCycleReq expects 1 byte")
	}
	p.MaxDCyclePlusOne = data[0] & 0x0F
	return nil
}

// RXParamSetupReqPayload reconfigures RX1 offset and RX2.
type RXParamSetupReqPayload struct {
	RX1DROffset uint8
	RX2DataRate uint8
	Frequency   uint32 // Hz, decoded from the 24-bit/100Hz wire value
}

func (p *RXParamSetupReqPayload) unmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return newErr(ErrInvalidLength, "RXParamSetupReq expects 4 bytes")
	}
	p.RX1DROffset = (data[0] >> 4) & 0x07
	p.RX2DataRate = data[0] & 0x0F
	p.Frequency = decodeFreq24(data[1:4])
	return nil
}

// RXParamSetupAnsPayload is the device's per-field acknowledgement.
type RXParamSetupAnsPayload struct {
	ChannelACK     bool
	RX2DataRateACK bool
	RX1DROffsetACK bool
}

func (p RXParamSetupAnsPayload) marshalBinary() []byte {
	var b byte
	if p.ChannelACK {
		b |= 1 << 0
	}
	if p.RX2DataRateACK {
		b |= 1 << 1
	}
	if p.RX1DROffsetACK {
		b |= 1 << 2
	}
	return []byte{b}
}

// DevStatusAnsPayload reports battery level and last-downlink SNR.
type DevStatusAnsPayload struct {
	Battery uint8
	Margin  int8
}

func (p DevStatusAnsPayload) marshalBinary() []byte {
	return []byte{p.Battery, byte(p.Margin) & 0x3F}
}

// NewChannelReqPayload adds or modifies an uplink channel.
type NewChannelReqPayload struct {
	ChIndex   uint8
	Frequency uint32
	MinDR     uint8
	MaxDR     uint8
}

func (p *NewChannelReqPayload) unmarshalBinary(data []byte) error {
	if len(data) != 5 {
		return newErr(ErrInvalidLength, "NewChannelReq expects 5 bytes")
	}
	p.ChIndex = data[0]
	p.Frequency = decodeFreq24(data[1:4])
	p.MinDR = data[4] & 0x0F
	p.MaxDR = data[4] >> 4
	return nil
}

// NewChannelAnsPayload is the device's per-field acknowledgement.
type NewChannelAnsPayload struct {
	DataRateRangeOK bool
	ChannelFreqOK   bool
}

func (p NewChannelAnsPayload) marshalBinary() []byte {
	var b byte
	if p.ChannelFreqOK {
		b |= 1 << 0
	}
	if p.DataRateRangeOK {
		b |= 1 << 1
	}
	return []byte{b}
}

// RXTimingSetupReqPayload sets the RECEIVE_DELAY1 value.
type RXTimingSetupReqPayload struct {
	Delay uint8 // seconds, 0 is treated as 1 per spec
}

func (p *RXTimingSetupReqPayload) unmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return newErr(ErrInvalidLength, "RXTimingSetupReq expects 1 byte")
	}
	p.Delay = data[0] & 0x0F
	return nil
}

// TXParamSetupReqPayload sets downlink/uplink dwell time and max EIRP.
// US915 does not enforce dwell-time limits, so the device answers this
// command but the fields are otherwise inert (spec.md §4.3).
type TXParamSetupReqPayload struct {
	DownlinkDwellTime bool
	UplinkDwellTime   bool
	MaxEIRP           uint8
}

func (p *TXParamSetupReqPayload) unmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return newErr(ErrInvalidLength, "TXParamSetupReq expects 1 byte")
	}
	p.MaxEIRP = data[0] & 0x0F
	p.UplinkDwellTime = data[0]&(1<<4) != 0
	p.DownlinkDwellTime = data[0]&(1<<5) != 0
	return nil
}

// DlChannelReqPayload sets the downlink frequency paired with an
// existing uplink channel.
type DlChannelReqPayload struct {
	ChIndex   uint8
	Frequency uint32
}

func (p *DlChannelReqPayload) unmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return newErr(ErrInvalidLength, "DlChannelReq expects 4 bytes")
	}
	p.ChIndex = data[0]
	p.Frequency = decodeFreq24(data[1:4])
	return nil
}

// DlChannelAnsPayload is the device's per-field acknowledgement.
type DlChannelAnsPayload struct {
	ChannelFreqOK bool
	UplinkFreqOK  bool
}

func (p DlChannelAnsPayload) marshalBinary() []byte {
	var b byte
	if p.ChannelFreqOK {
		b |= 1 << 0
	}
	if p.UplinkFreqOK {
		b |= 1 << 1
	}
	return []byte{b}
}

// PingSlotInfoReqPayload announces the device's ping-slot periodicity
// (Class B).
type PingSlotInfoReqPayload struct {
	Periodicity uint8 // ping slots every 2^Periodicity seconds
}

func (p PingSlotInfoReqPayload) marshalBinary() []byte {
	return []byte{p.Periodicity & 0x07}
}

func (p *PingSlotInfoReqPayload) unmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return newErr(ErrInvalidLength, "PingSlotInfoReq expects 1 byte")
	}
	p.Periodicity = data[0] & 0x07
	return nil
}

// BeaconTimingAnsPayload tells the device how long until the next
// beacon during Class B cold-start (superseded in practice by
// BeaconFreq/DeviceTime but still accepted here for completeness).
type BeaconTimingAnsPayload struct {
	DelaySlots uint16
	ChannelIdx uint8
}

func (p *BeaconTimingAnsPayload) unmarshalBinary(data []byte) error {
	if len(data) != 3 {
		return newErr(ErrInvalidLength, "BeaconTimingAns expects 3 bytes")
	}
	p.DelaySlots = uint16(data[0]) | uint16(data[1])<<8
	p.ChannelIdx = data[2]
	return nil
}

// BeaconFreqReqPayload overrides the beacon channel frequency.
type BeaconFreqReqPayload struct {
	Frequency uint32
}

func (p *BeaconFreqReqPayload) unmarshalBinary(data []byte) error {
	if len(data) != 3 {
		return newErr(ErrInvalidLength, "BeaconFreqReq expects 3 bytes")
	}
	p.Frequency = decodeFreq24(data)
	return nil
}

// BeaconFreqAnsPayload is the device's acknowledgement.
type BeaconFreqAnsPayload struct {
	FrequencyOK bool
}

func (p BeaconFreqAnsPayload) marshalBinary() []byte {
	var b byte
	if p.FrequencyOK {
		b |= 1 << 0
	}
	return []byte{b}
}

// EncodeAnswers serialises a list of outgoing commands (CID followed
// by its fixed-size payload, if any) for inclusion in FOpts or a
// port-0 FRMPayload.
func EncodeAnswers(cmds []Command) []byte {
	var out []byte
	for _, c := range cmds {
		out = append(out, byte(c.CID))
		switch {
		case c.LinkADRAns != nil:
			out = append(out, c.LinkADRAns.marshalBinary()...)
		case c.RXParamSetupAns != nil:
			out = append(out, c.RXParamSetupAns.marshalBinary()...)
		case c.DevStatusAns != nil:
			out = append(out, c.DevStatusAns.marshalBinary()...)
		case c.NewChannelAns != nil:
			out = append(out, c.NewChannelAns.marshalBinary()...)
		case c.DlChannelAns != nil:
			out = append(out, c.DlChannelAns.marshalBinary()...)
		case c.PingSlotInfoReq != nil:
			out = append(out, c.PingSlotInfoReq.marshalBinary()...)
		case c.BeaconFreqAns != nil:
			out = append(out, c.BeaconFreqAns.marshalBinary()...)
		}
	}
	return out
}

// decodeFreq24 decodes a little-endian 24-bit frequency field carried
// as multiples of 100 Hz, the wire encoding LoRaWAN uses for every MAC
// command frequency field.
func decodeFreq24(data []byte) uint32 {
	v := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16
	return v * 100
}

// encodeFreq24 is the inverse of decodeFreq24.
func encodeFreq24(hz uint32) [3]byte {
	v := hz / 100
	return [3]byte{byte(v), byte(v >> 8), byte(v >> 16)}
}
