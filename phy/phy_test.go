package phy

import (
	"testing"

	"github.com/embedlora/lorawan-device/band"
	"github.com/embedlora/lorawan-device/radio"
	. "github.com/smartystreets/goconvey/convey"
)

func TestAdapterTransmit(t *testing.T) {
	Convey("Given an Adapter wrapping a loopback radio", t, func() {
		r := radio.NewLoopback()
		a := New(r)

		Convey("Transmit configures the radio for the data rate's SF/BW and sends the payload", func() {
			err := a.Transmit(923_300_000, band.DR10, 20, []byte("payload"))
			So(err, ShouldBeNil)
			cfg := r.LastTXConfig()
			So(cfg.FrequencyHz, ShouldEqual, uint32(923_300_000))
			So(cfg.SpreadFactor, ShouldEqual, uint8(10))
			So(cfg.BandwidthKHz, ShouldEqual, uint32(500))
			So(r.Sent, ShouldResemble, [][]byte{[]byte("payload")})
		})

		Convey("An invalid data rate is rejected before touching the radio", func() {
			err := a.Transmit(923_300_000, band.DataRate(99), 20, []byte("x"))
			So(err, ShouldNotBeNil)
			So(r.Sent, ShouldBeEmpty)
		})
	})

	Convey("Given an Adapter, OpenReceive configures the RX window", t, func() {
		r := radio.NewLoopback()
		a := New(r)
		err := a.OpenReceive(923_300_000, band.DR8, 3000)
		So(err, ShouldBeNil)
		cfg := r.LastRXConfig()
		So(cfg.TimeoutMs, ShouldEqual, uint32(3000))
		So(cfg.SpreadFactor, ShouldEqual, uint8(12))
	})

	Convey("Given an Adapter, Idle and Sleep forward to Standby/Sleep", t, func() {
		r := radio.NewLoopback()
		a := New(r)
		So(a.Idle(), ShouldBeNil)
		So(a.Sleep(), ShouldBeNil)
	})

	Convey("Given an Adapter, LinkQuality reports the radio's RSSI/SNR", t, func() {
		r := radio.NewLoopback()
		r.SetLastPacketMetrics(-80, 9.5)
		a := New(r)
		rssi, snr, err := a.LinkQuality()
		So(err, ShouldBeNil)
		So(rssi, ShouldEqual, int16(-80))
		So(snr, ShouldEqual, float32(9.5))
	})
}
