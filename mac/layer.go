package mac

import (
	"github.com/embedlora/lorawan-device/airtime"
	"github.com/embedlora/lorawan-device/band"
	"github.com/embedlora/lorawan-device/crypto"
	"github.com/sirupsen/logrus"
)

// Layer is the MAC-layer orchestrator: it owns the current session,
// drives the region's channel Plan in response to MAC commands, and
// gates transmissions against the accumulated duty cycle. It does not
// itself touch a radio.Radio; Class state machines (package class)
// call into Layer to build/parse frames and separately drive the PHY
// adapter for the actual transmit/receive timing (spec.md §4.4/§4.5).
type Layer struct {
	Plan band.Plan

	AppEUI EUI64
	DevEUI EUI64
	AppKey crypto.AESKey

	Session SessionState

	// LastSNR is the signed SNR margin, in dB, of the most recent
	// successfully received downlink, reported verbatim by
	// DevStatusAns (spec.md §4.4). Zero until the first downlink
	// arrives.
	LastSNR int8

	devNonceCounter uint16
	pendingAnswers  []Command
	pendingOutgoing []Command // device-initiated requests, e.g. LinkCheckReq

	dutyBudget dutyCycleTracker

	Log *logrus.Entry
}

// NewLayer constructs a Layer for a device identified by appEUI/devEUI
// with AppKey appKey, driving the given region Plan.
func NewLayer(plan band.Plan, appEUI, devEUI EUI64, appKey crypto.AESKey) *Layer {
	return &Layer{
		Plan:   plan,
		AppEUI: appEUI,
		DevEUI: devEUI,
		AppKey: appKey,
		Log:    logrus.WithField("component", "mac"),
	}
}

// BuildJoinRequest constructs and MICs a JoinRequest, returning the raw
// frame and the DevNonce used (callers must not reuse a DevNonce within
// a session's lifetime; this stack uses a monotonically increasing
// counter rather than a random source, which is enough to satisfy the
// non-repetition requirement without a hardware RNG dependency).
func (l *Layer) BuildJoinRequest() ([]byte, uint16, error) {
	nonce := l.devNonceCounter
	l.devNonceCounter++

	raw, err := JoinRequest{AppEUI: l.AppEUI, DevEUI: l.DevEUI, DevNonce: nonce}.Build(l.AppKey)
	if err != nil {
		return nil, 0, err
	}
	return raw, nonce, nil
}

// HandleJoinAccept parses a JoinAccept frame built in response to the
// DevNonce returned by BuildJoinRequest and installs a fresh session.
func (l *Layer) HandleJoinAccept(raw []byte, devNonce uint16) error {
	ja, nwkSKey, appSKey, err := ParseJoinAccept(raw, l.AppKey, devNonce)
	if err != nil {
		return err
	}

	l.Session = SessionState{
		DevAddr:      ja.DevAddr,
		NwkSKey:      nwkSKey,
		AppSKey:      appSKey,
		FCntUp:       0,
		FCntDown:     0,
		RX1DROffset:  ja.RX1DROffset(),
		RX2DataRate:  ja.RX2DataRate(),
		RX2Frequency: l.Plan.Defaults().RX2FrequencyHz,
		BatteryLevel: 255,
		Joined:       true,
	}
	l.pendingAnswers = nil
	l.Log.WithField("dev_addr", ja.DevAddr.String()).Info("joined network")
	return nil
}

// ActivateABP installs a session directly, bypassing OTAA.
func (l *Layer) ActivateABP(devAddr DevAddr, nwkSKey, appSKey crypto.AESKey) {
	l.Session = SessionState{
		DevAddr:      devAddr,
		NwkSKey:      nwkSKey,
		AppSKey:      appSKey,
		BatteryLevel: 255,
		Joined:       true,
	}
	l.pendingAnswers = nil
}

// PrepareUplink builds the next uplink frame for fPort/payload,
// piggy-backing any queued MAC-command answers in FOpts and
// incrementing FCntUp. confirmed selects MTypeConfirmedDataUp.
func (l *Layer) PrepareUplink(fPort uint8, payload []byte, confirmed bool, adr bool) ([]byte, error) {
	if !l.Session.Joined {
		return nil, newErr(ErrNotJoined, "no active session")
	}
	if fPort == 0 || fPort > MaxApplicationPort {
		return nil, newErr(ErrInvalidPort, "fPort outside the valid application range [1,223]")
	}

	outgoing := append(append([]Command{}, l.pendingAnswers...), l.pendingOutgoing...)
	fopts := EncodeAnswers(outgoing)
	sentOutgoing := true
	if len(fopts) > 15 {
		// FOpts overflowed; the remainder must travel as a port-0
		// FRMPayload instead, but that would displace the caller's
		// application payload on this frame. Defer the overflow to the
		// next uplink rather than corrupt this one.
		fopts = fopts[:0]
		sentOutgoing = false
	}

	mtype := MTypeUnconfirmedDataUp
	if confirmed {
		mtype = MTypeConfirmedDataUp
	}

	ack := l.Session.PendingDownlinkAck
	fctrl := NewFCtrl(adr, false, ack, uint8(len(fopts)))
	port := fPort
	frame := Frame{
		MHDR: NewMHDR(mtype),
		FHDR: FHDR{
			DevAddr: l.Session.DevAddr,
			FCtrl:   fctrl,
			FOpts:   fopts,
		},
		FPort:   &port,
		Payload: payload,
	}

	raw, err := Build(frame, l.Session.DevAddr, l.Session.FCntUp, crypto.Up, l.Session.NwkSKey, l.Session.AppSKey)
	if err != nil {
		return nil, err
	}
	l.Session.FCntUp++
	if sentOutgoing {
		l.pendingAnswers = nil
		l.pendingOutgoing = nil
	}
	l.Session.PendingDownlinkAck = false
	return raw, nil
}

// HandleDownlink parses a downlink frame, reconstructing FCntDown
// against the session's rolling window, applies any MAC commands it
// carries and queues the corresponding answers for the next uplink.
func (l *Layer) HandleDownlink(raw []byte) (Frame, error) {
	if !l.Session.Joined {
		return Frame{}, newErr(ErrNotJoined, "no active session")
	}
	if len(raw) < 8 {
		return Frame{}, newErr(ErrInvalidLength, "frame too short to inspect FCnt")
	}
	wireFCnt := uint16(raw[6]) | uint16(raw[7])<<8
	fcntFull := ReconstructFCnt(l.Session.FCntDown, wireFCnt)
	if fcntFull < l.Session.FCntDown {
		return Frame{}, newErr(ErrInvalidFrame, "frame counter replay")
	}

	frame, err := Parse(raw, crypto.Down, fcntFull, l.Session.NwkSKey, l.Session.AppSKey)
	if err != nil {
		return Frame{}, err
	}
	l.Session.FCntDown = fcntFull + 1

	if frame.MHDR.MType() == MTypeConfirmedDataDown {
		l.Session.PendingDownlinkAck = true
	}

	var cmdStream []byte
	cmdStream = append(cmdStream, frame.FHDR.FOpts...)
	if frame.FPort != nil && *frame.FPort == 0 {
		cmdStream = append(cmdStream, frame.Payload...)
	}
	if len(cmdStream) > 0 {
		cmds, err := ParseCommands(cmdStream)
		if err != nil {
			l.Log.WithError(err).Warn("failed to parse MAC commands")
		}
		for _, c := range cmds {
			l.applyCommand(c)
		}
	}

	return frame, nil
}

// applyCommand validates and applies a single downlink MAC command
// against the region Plan, queuing the matching answer. Every answer
// bit reflects the real per-field validation outcome.
func (l *Layer) applyCommand(c Command) {
	if len(l.pendingAnswers) >= MaxPendingCommands {
		return
	}
	switch c.CID {
	case CIDLinkADR:
		req := c.LinkADRReq
		drOK := l.Plan.IsValidDataRate(band.DataRate(req.DataRate))
		powerOK := l.Plan.IsValidTXPower(int(req.TXPower))
		chMaskOK := l.Plan.ApplyChannelMask(req.ChMask, req.ChMaskCntl)
		if drOK {
			l.Session.CurrentDR = band.DataRate(req.DataRate)
		}
		if powerOK {
			l.Session.CurrentTXPowerIndex = req.TXPower
		}
		if req.NbTrans > 0 {
			l.Session.NbTrans = req.NbTrans
		}
		l.pendingAnswers = append(l.pendingAnswers, Command{
			CID: CIDLinkADR,
			LinkADRAns: &LinkADRAnsPayload{
				ChannelMaskACK: chMaskOK,
				DataRateACK:    drOK,
				PowerACK:       powerOK,
			},
		})

	case CIDDutyCycle:
		l.Session.DutyCycleLimit = c.DutyCycleReq.MaxDCyclePlusOne
		l.dutyBudget.setLimit(c.DutyCycleReq.MaxDCyclePlusOne)
		l.pendingAnswers = append(l.pendingAnswers, Command{CID: CIDDutyCycle})

	case CIDRXParamSetup:
		req := c.RXParamSetupReq
		offsetOK, drOK, freqOK := l.Plan.ApplyRXParamSetup(req.RX1DROffset, band.DataRate(req.RX2DataRate), req.Frequency)
		if offsetOK {
			l.Session.RX1DROffset = req.RX1DROffset
		}
		if drOK {
			l.Session.RX2DataRate = req.RX2DataRate
		}
		if freqOK {
			l.Session.RX2Frequency = req.Frequency
		}
		l.pendingAnswers = append(l.pendingAnswers, Command{
			CID: CIDRXParamSetup,
			RXParamSetupAns: &RXParamSetupAnsPayload{
				ChannelACK:     freqOK,
				RX2DataRateACK: drOK,
				RX1DROffsetACK: offsetOK,
			},
		})

	case CIDDevStatus:
		l.pendingAnswers = append(l.pendingAnswers, Command{
			CID: CIDDevStatus,
			DevStatusAns: &DevStatusAnsPayload{
				Battery: l.Session.BatteryLevel,
				Margin:  l.LastSNR,
			},
		})

	case CIDNewChannel:
		req := c.NewChannelReq
		freqOK, drRangeOK := l.Plan.ApplyNewChannel(int(req.ChIndex), req.Frequency, band.DataRate(req.MinDR), band.DataRate(req.MaxDR))
		l.pendingAnswers = append(l.pendingAnswers, Command{
			CID: CIDNewChannel,
			NewChannelAns: &NewChannelAnsPayload{
				ChannelFreqOK:   freqOK,
				DataRateRangeOK: drRangeOK,
			},
		})

	case CIDRXTimingSetup:
		delaySec := c.RXTimingSetupReq.Delay
		if delaySec == 0 {
			delaySec = 1
		}
		l.Session.RX1DelayMs = uint32(delaySec) * 1000
		l.pendingAnswers = append(l.pendingAnswers, Command{CID: CIDRXTimingSetup})

	case CIDTXParamSetup:
		// US915 ignores dwell-time/EIRP limits at the normative level
		// (spec.md §4.3); accepted unconditionally with a bare-CID answer.
		l.pendingAnswers = append(l.pendingAnswers, Command{CID: CIDTXParamSetup})

	case CIDDlChannel:
		req := c.DlChannelReq
		freqOK, chExists := l.Plan.ApplyDlChannel(int(req.ChIndex), req.Frequency)
		l.pendingAnswers = append(l.pendingAnswers, Command{
			CID: CIDDlChannel,
			DlChannelAns: &DlChannelAnsPayload{
				ChannelFreqOK: freqOK,
				UplinkFreqOK:  chExists,
			},
		})

	case CIDBeaconFreq:
		freqOK := l.Plan.IsValidFrequency(c.BeaconFreqReq.Frequency)
		l.pendingAnswers = append(l.pendingAnswers, Command{
			CID:           CIDBeaconFreq,
			BeaconFreqAns: &BeaconFreqAnsPayload{FrequencyOK: freqOK},
		})
	}
}

// EnqueueLinkCheckReq queues a device-initiated LinkCheckReq to ride
// out on the next uplink's FOpts.
func (l *Layer) EnqueueLinkCheckReq() {
	l.pendingOutgoing = append(l.pendingOutgoing, Command{CID: CIDLinkCheck})
}

// RecordLinkQuality reports the SNR, in dB, of a just-received
// downlink, for DevStatusAns's Margin field. The wire field is a
// signed 6 bit value (spec.md §4.4), so snrDB is clamped to [-32, 31]
// before it is stored.
func (l *Layer) RecordLinkQuality(snrDB float32) {
	v := int32(snrDB)
	switch {
	case v > 31:
		v = 31
	case v < -32:
		v = -32
	}
	l.LastSNR = int8(v)
}

// CanTransmit reports whether a frame of payloadSize bytes at the
// given spreading factor/bandwidth would fit within the device's
// accumulated duty-cycle budget, as of nowMs (clock.Clock.NowMs()).
func (l *Layer) CanTransmit(payloadSize int, sf uint8, bwKHz int, nowMs uint32) bool {
	onAirMs, err := airtimeMs(payloadSize, sf, bwKHz)
	if err != nil {
		return false
	}
	return l.dutyBudget.allow(nowMs, onAirMs)
}

// RecordTransmit accounts for a completed transmission's airtime
// against the duty-cycle budget.
func (l *Layer) RecordTransmit(payloadSize int, sf uint8, bwKHz int, nowMs uint32) {
	onAirMs, err := airtimeMs(payloadSize, sf, bwKHz)
	if err != nil {
		return
	}
	l.dutyBudget.record(nowMs, onAirMs)
}

func airtimeMs(payloadSize int, sf uint8, bwKHz int) (uint32, error) {
	f := airtime.Frame{
		PayloadSize:             payloadSize,
		SpreadingFactor:         int(sf),
		BandwidthKHz:            bwKHz,
		PreambleSymbols:         8,
		CodingRate:              airtime.CodingRate45,
		HeaderEnabled:           true,
		LowDataRateOptimization: sf >= 11,
	}
	return f.OnAirMs()
}
