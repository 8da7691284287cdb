package class

import (
	"testing"

	"github.com/embedlora/lorawan-device/band"
	"github.com/embedlora/lorawan-device/clock"
	"github.com/embedlora/lorawan-device/crypto"
	"github.com/embedlora/lorawan-device/mac"
	"github.com/embedlora/lorawan-device/phy"
	"github.com/embedlora/lorawan-device/radio"
	. "github.com/smartystreets/goconvey/convey"
)

func joinedLayer() *mac.Layer {
	plan := band.NewUS915()
	l := mac.NewLayer(plan, mac.EUI64{1}, mac.EUI64{2}, crypto.AESKey{})
	var nwkSKey, appSKey crypto.AESKey
	for i := range nwkSKey {
		nwkSKey[i] = byte(i)
		appSKey[i] = byte(0x80 + i)
	}
	l.ActivateABP(mac.DevAddr{0x01, 0x02, 0x03, 0x04}, nwkSKey, appSKey)
	return l
}

func TestClassASend(t *testing.T) {
	Convey("Given a joined session with no downlink queued", t, func() {
		l := joinedLayer()
		r := radio.NewLoopback()
		p := phy.New(r)
		c := clock.NewMock(0)
		a := NewClassA(l, p, l.Plan, c)

		Convey("Send transmits and returns nil,nil after both windows time out", func() {
			frame, err := a.Send(1, []byte("hi"), false)
			So(err, ShouldBeNil)
			So(frame, ShouldBeNil)
			So(a.State(), ShouldEqual, AIdle)
			So(len(r.Sent), ShouldEqual, 1)
		})

		Convey("An oversized payload for the uplink data rate is rejected", func() {
			big := make([]byte, 300)
			_, err := a.Send(1, big, false)
			So(err, ShouldNotBeNil)
		})

		Convey("fPort 0 is rejected as reserved for MAC commands", func() {
			_, err := a.Send(0, []byte("hi"), false)
			So(err, ShouldNotBeNil)
			So(err.(*mac.Error).Kind, ShouldEqual, mac.ErrInvalidPort)
		})

		Convey("fPort 224 is rejected as reserved for diagnostics", func() {
			_, err := a.Send(224, []byte("hi"), false)
			So(err, ShouldNotBeNil)
			So(err.(*mac.Error).Kind, ShouldEqual, mac.ErrInvalidPort)
		})
	})

	Convey("Given a joined session with a downlink queued in RX1", t, func() {
		l := joinedLayer()
		r := radio.NewLoopback()
		p := phy.New(r)
		c := clock.NewMock(0)
		a := NewClassA(l, p, l.Plan, c)

		// Build a valid downlink frame addressed to this session, for
		// the radio to hand back on its first Receive call.
		down := mac.Frame{
			MHDR: mac.NewMHDR(mac.MTypeUnconfirmedDataDown),
			FHDR: mac.FHDR{DevAddr: l.Session.DevAddr, FCtrl: mac.NewFCtrl(false, false, false, 0)},
		}
		raw, err := mac.Build(down, l.Session.DevAddr, 0, crypto.Down, l.Session.NwkSKey, l.Session.AppSKey)
		So(err, ShouldBeNil)
		r.QueueReceive(raw)

		Convey("Send returns the parsed downlink frame from RX1", func() {
			frame, err := a.Send(1, []byte("hi"), false)
			So(err, ShouldBeNil)
			So(frame, ShouldNotBeNil)
			So(frame.FHDR.DevAddr, ShouldResemble, l.Session.DevAddr)
		})

		Convey("Send records the radio's SNR on the MAC layer for DevStatusAns", func() {
			r.SetLastPacketMetrics(-90, 9.5)
			_, err := a.Send(1, []byte("hi"), false)
			So(err, ShouldBeNil)
			So(l.LastSNR, ShouldEqual, int8(9))
		})
	})
}

func TestClassAConfirmedRetry(t *testing.T) {
	Convey("Given a joined session with NbTrans 3 and no ACK until the third downlink", t, func() {
		l := joinedLayer()
		l.Session.NbTrans = 3
		r := radio.NewLoopback()
		p := phy.New(r)
		c := clock.NewMock(0)
		a := NewClassA(l, p, l.Plan, c)

		for i, ack := range []bool{false, false, true} {
			down := mac.Frame{
				MHDR: mac.NewMHDR(mac.MTypeUnconfirmedDataDown),
				FHDR: mac.FHDR{DevAddr: l.Session.DevAddr, FCtrl: mac.NewFCtrl(false, false, ack, 0)},
			}
			raw, err := mac.Build(down, l.Session.DevAddr, uint32(i), crypto.Down, l.Session.NwkSKey, l.Session.AppSKey)
			So(err, ShouldBeNil)
			r.QueueReceive(raw)
		}

		Convey("Send retries on ascending data rate until the ACK bit arrives", func() {
			frame, err := a.Send(1, []byte("hi"), true)
			So(err, ShouldBeNil)
			So(frame, ShouldNotBeNil)
			So(frame.FHDR.FCtrl.ACK(), ShouldBeTrue)
			So(len(r.Sent), ShouldEqual, 3)
		})
	})

	Convey("Given a joined session with NbTrans 2 and no downlink ever acknowledging", t, func() {
		l := joinedLayer()
		l.Session.NbTrans = 2
		r := radio.NewLoopback()
		p := phy.New(r)
		c := clock.NewMock(0)
		a := NewClassA(l, p, l.Plan, c)

		Convey("Send exhausts its retry budget and returns a timeout error", func() {
			_, err := a.Send(1, []byte("hi"), true)
			So(err, ShouldNotBeNil)
			So(len(r.Sent), ShouldEqual, 2)
		})
	})
}
