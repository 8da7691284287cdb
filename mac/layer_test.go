package mac

import (
	"testing"

	"github.com/embedlora/lorawan-device/band"
	"github.com/embedlora/lorawan-device/crypto"
	. "github.com/smartystreets/goconvey/convey"
)

func activatedLayer() *Layer {
	plan := band.NewUS915()
	l := NewLayer(plan, EUI64{1}, EUI64{2}, crypto.AESKey{})
	nwkSKey, appSKey := testKeys()
	l.ActivateABP(DevAddr{9, 9, 9, 9}, nwkSKey, appSKey)
	return l
}

func TestPrepareUplinkIncrementsFCnt(t *testing.T) {
	Convey("Given an activated layer", t, func() {
		l := activatedLayer()

		Convey("PrepareUplink builds a frame and increments FCntUp", func() {
			raw, err := l.PrepareUplink(5, []byte("hi"), false, false)
			So(err, ShouldBeNil)
			So(raw, ShouldNotBeEmpty)
			So(l.Session.FCntUp, ShouldEqual, uint32(1))
		})

		Convey("PrepareUplink before joining fails", func() {
			empty := &Layer{Plan: l.Plan}
			_, err := empty.PrepareUplink(1, nil, false, false)
			So(err, ShouldNotBeNil)
		})

		Convey("PrepareUplink rejects fPort 0, reserved for MAC commands", func() {
			_, err := l.PrepareUplink(0, []byte("hi"), false, false)
			So(err, ShouldNotBeNil)
			So(err.(*Error).Kind, ShouldEqual, ErrInvalidPort)
		})

		Convey("PrepareUplink rejects fPort 224, reserved for diagnostics", func() {
			_, err := l.PrepareUplink(224, []byte("hi"), false, false)
			So(err, ShouldNotBeNil)
			So(err.(*Error).Kind, ShouldEqual, ErrInvalidPort)
		})

		Convey("PrepareUplink accepts the boundary port 223", func() {
			_, err := l.PrepareUplink(223, []byte("hi"), false, false)
			So(err, ShouldBeNil)
		})
	})
}

func TestHandleDownlinkAppliesLinkADR(t *testing.T) {
	Convey("Given an activated layer and a downlink carrying a LinkADRReq", t, func() {
		l := activatedLayer()

		fopts := []byte{byte(CIDLinkADR), 0x32, 0xFF, 0x00, 0x10} // DR3 TXPower2, ChMask 0x00FF, ChMaskCntl 1
		down := Frame{
			MHDR: NewMHDR(MTypeUnconfirmedDataDown),
			FHDR: FHDR{
				DevAddr: l.Session.DevAddr,
				FCtrl:   NewFCtrl(false, false, false, uint8(len(fopts))),
				FOpts:   fopts,
			},
		}
		raw, err := Build(down, l.Session.DevAddr, 0, crypto.Down, l.Session.NwkSKey, l.Session.AppSKey)
		So(err, ShouldBeNil)

		Convey("HandleDownlink applies the command and queues a LinkADRAns", func() {
			_, err := l.HandleDownlink(raw)
			So(err, ShouldBeNil)
			So(l.Session.FCntDown, ShouldEqual, uint32(1))
			So(l.pendingAnswers, ShouldHaveLength, 1)
			ans := l.pendingAnswers[0].LinkADRAns
			So(ans, ShouldNotBeNil)
			So(ans.DataRateACK, ShouldBeTrue)
			So(ans.PowerACK, ShouldBeTrue)
			So(ans.ChannelMaskACK, ShouldBeTrue)

			Convey("The next uplink carries the queued answer in FOpts", func() {
				next, err := l.PrepareUplink(1, []byte("x"), false, false)
				So(err, ShouldBeNil)
				So(next, ShouldNotBeEmpty)
				So(l.pendingAnswers, ShouldBeEmpty)
			})
		})
	})

	Convey("Given an activated layer, a replayed frame counter is rejected", t, func() {
		l := activatedLayer()
		frame := Frame{MHDR: NewMHDR(MTypeUnconfirmedDataDown), FHDR: FHDR{DevAddr: l.Session.DevAddr}}
		raw, err := Build(frame, l.Session.DevAddr, 5, crypto.Down, l.Session.NwkSKey, l.Session.AppSKey)
		So(err, ShouldBeNil)

		_, err = l.HandleDownlink(raw)
		So(err, ShouldBeNil)
		So(l.Session.FCntDown, ShouldEqual, uint32(6))

		Convey("A second frame with the same wire counter is a replay", func() {
			_, err := l.HandleDownlink(raw)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestHandleDownlinkPersistsLinkADR(t *testing.T) {
	Convey("Given an activated layer and a downlink carrying a LinkADRReq", t, func() {
		l := activatedLayer()

		fopts := []byte{byte(CIDLinkADR), 0x32, 0xFF, 0x00, 0x03} // DR3 TXPower2, ChMask 0x00FF, NbTrans 3
		down := Frame{
			MHDR: NewMHDR(MTypeUnconfirmedDataDown),
			FHDR: FHDR{
				DevAddr: l.Session.DevAddr,
				FCtrl:   NewFCtrl(false, false, false, uint8(len(fopts))),
				FOpts:   fopts,
			},
		}
		raw, err := Build(down, l.Session.DevAddr, 0, crypto.Down, l.Session.NwkSKey, l.Session.AppSKey)
		So(err, ShouldBeNil)

		Convey("HandleDownlink writes the negotiated values into Session", func() {
			_, err := l.HandleDownlink(raw)
			So(err, ShouldBeNil)
			So(l.Session.CurrentDR, ShouldEqual, band.DataRate(3))
			So(l.Session.CurrentTXPowerIndex, ShouldEqual, uint8(2))
			So(l.Session.NbTrans, ShouldEqual, uint8(3))
		})
	})
}

func TestHandleDownlinkAppliesRXTimingSetup(t *testing.T) {
	Convey("Given an activated layer and a downlink carrying an RXTimingSetupReq", t, func() {
		l := activatedLayer()

		fopts := []byte{byte(CIDRXTimingSetup), 0x03} // Delay=3s
		down := Frame{
			MHDR: NewMHDR(MTypeUnconfirmedDataDown),
			FHDR: FHDR{
				DevAddr: l.Session.DevAddr,
				FCtrl:   NewFCtrl(false, false, false, uint8(len(fopts))),
				FOpts:   fopts,
			},
		}
		raw, err := Build(down, l.Session.DevAddr, 0, crypto.Down, l.Session.NwkSKey, l.Session.AppSKey)
		So(err, ShouldBeNil)

		Convey("HandleDownlink stores the RX1 delay and queues a bare RXTimingSetupAns", func() {
			_, err := l.HandleDownlink(raw)
			So(err, ShouldBeNil)
			So(l.Session.RX1DelayMs, ShouldEqual, uint32(3000))
			So(l.pendingAnswers, ShouldHaveLength, 1)
			So(l.pendingAnswers[0].CID, ShouldEqual, CIDRXTimingSetup)

			Convey("The next uplink carries the bare-CID answer in FOpts", func() {
				next, err := l.PrepareUplink(1, []byte("x"), false, false)
				So(err, ShouldBeNil)
				So(next, ShouldNotBeEmpty)
				So(l.pendingAnswers, ShouldBeEmpty)
			})
		})
	})
}

func TestConfirmedDownlinkSetsAckBitOnNextUplink(t *testing.T) {
	Convey("Given an activated layer and a confirmed downlink", t, func() {
		l := activatedLayer()
		down := Frame{MHDR: NewMHDR(MTypeConfirmedDataDown), FHDR: FHDR{DevAddr: l.Session.DevAddr}}
		raw, err := Build(down, l.Session.DevAddr, 0, crypto.Down, l.Session.NwkSKey, l.Session.AppSKey)
		So(err, ShouldBeNil)

		_, err = l.HandleDownlink(raw)
		So(err, ShouldBeNil)
		So(l.Session.PendingDownlinkAck, ShouldBeTrue)

		Convey("PrepareUplink sets FCtrl's ACK bit and clears the pending flag", func() {
			raw, err := l.PrepareUplink(1, []byte("x"), false, false)
			So(err, ShouldBeNil)
			So(l.Session.PendingDownlinkAck, ShouldBeFalse)

			parsed, err := Parse(raw, crypto.Up, 0, l.Session.NwkSKey, l.Session.AppSKey)
			So(err, ShouldBeNil)
			So(parsed.FHDR.FCtrl.ACK(), ShouldBeTrue)
		})
	})
}

func TestEnqueueLinkCheckReqRidesNextUplink(t *testing.T) {
	Convey("Given an activated layer with a queued LinkCheckReq", t, func() {
		l := activatedLayer()
		l.EnqueueLinkCheckReq()

		Convey("PrepareUplink piggybacks it in FOpts and clears the queue", func() {
			raw, err := l.PrepareUplink(1, []byte("x"), false, false)
			So(err, ShouldBeNil)

			parsed, err := Parse(raw, crypto.Up, 0, l.Session.NwkSKey, l.Session.AppSKey)
			So(err, ShouldBeNil)
			So(parsed.FHDR.FOpts, ShouldResemble, []byte{byte(CIDLinkCheck)})
			So(l.pendingOutgoing, ShouldBeEmpty)
		})
	})
}

func TestDevStatusAnsReflectsRealBatteryAndSNR(t *testing.T) {
	Convey("Given an activated layer that has recorded a battery level and downlink SNR", t, func() {
		l := activatedLayer()
		l.Session.BatteryLevel = 130
		l.RecordLinkQuality(7.5)

		fopts := []byte{byte(CIDDevStatus)}
		down := Frame{
			MHDR: NewMHDR(MTypeUnconfirmedDataDown),
			FHDR: FHDR{
				DevAddr: l.Session.DevAddr,
				FCtrl:   NewFCtrl(false, false, false, uint8(len(fopts))),
				FOpts:   fopts,
			},
		}
		raw, err := Build(down, l.Session.DevAddr, 0, crypto.Down, l.Session.NwkSKey, l.Session.AppSKey)
		So(err, ShouldBeNil)

		Convey("HandleDownlink queues a DevStatusAns carrying the real values, not constants", func() {
			_, err := l.HandleDownlink(raw)
			So(err, ShouldBeNil)
			So(l.pendingAnswers, ShouldHaveLength, 1)
			ans := l.pendingAnswers[0].DevStatusAns
			So(ans, ShouldNotBeNil)
			So(ans.Battery, ShouldEqual, uint8(130))
			So(ans.Margin, ShouldEqual, int8(7))
		})
	})

	Convey("Given a freshly activated layer that has never reported a battery level", t, func() {
		l := activatedLayer()

		Convey("Its session defaults to 255 (cannot measure), not the zero value", func() {
			So(l.Session.BatteryLevel, ShouldEqual, uint8(255))
		})
	})
}

func TestRecordLinkQualityClampsToWireRange(t *testing.T) {
	Convey("Given a layer", t, func() {
		l := activatedLayer()

		Convey("An SNR above the 6-bit signed range clamps to 31", func() {
			l.RecordLinkQuality(100)
			So(l.LastSNR, ShouldEqual, int8(31))
		})

		Convey("An SNR below the range clamps to -32", func() {
			l.RecordLinkQuality(-100)
			So(l.LastSNR, ShouldEqual, int8(-32))
		})
	})
}

func TestDutyCycleGating(t *testing.T) {
	Convey("Given a layer with a tight duty-cycle limit", t, func() {
		l := activatedLayer()
		l.dutyBudget.setLimit(10) // 1/1024 of the hour window

		Convey("CanTransmit allows a small frame, then denies once the budget is spent", func() {
			So(l.CanTransmit(20, 7, 125, 0), ShouldBeTrue)
			l.RecordTransmit(20, 7, 125, 0)

			// Repeatedly recording the same airtime will eventually exhaust
			// the tiny 1/1024 budget within the same one-hour window.
			exhausted := false
			now := uint32(0)
			for i := 0; i < 100; i++ {
				if !l.CanTransmit(20, 7, 125, now) {
					exhausted = true
					break
				}
				l.RecordTransmit(20, 7, 125, now)
			}
			So(exhausted, ShouldBeTrue)
		})
	})
}
