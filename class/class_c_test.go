package class

import (
	"errors"
	"testing"

	"github.com/embedlora/lorawan-device/clock"
	"github.com/embedlora/lorawan-device/mac"
	"github.com/embedlora/lorawan-device/phy"
	"github.com/embedlora/lorawan-device/radio"
	. "github.com/smartystreets/goconvey/convey"
)

// erroringRadio always fails Receive, to drive ClassC's retry policy.
type erroringRadio struct {
	*radio.Loopback
}

func (r *erroringRadio) Receive(buf []byte) (int, error) {
	return 0, radio.NewError(radio.Hardware, "simulated fault")
}

func TestClassCEnterContinuousRX2(t *testing.T) {
	Convey("Given a joined session", t, func() {
		l := joinedLayer()
		r := radio.NewLoopback()
		p := phy.New(r)
		c := clock.NewMock(0)
		cc := NewClassC(l, p, l.Plan, c)

		Convey("EnterContinuousRX2 succeeds and leaves state RX2Active", func() {
			err := cc.EnterContinuousRX2()
			So(err, ShouldBeNil)
			So(cc.State(), ShouldEqual, CRX2Active)
		})

		Convey("Poll returns nil,nil when nothing has arrived", func() {
			frame, err := cc.Poll()
			So(err, ShouldBeNil)
			So(frame, ShouldBeNil)
		})
	})
}

func TestClassCRetryPolicy(t *testing.T) {
	Convey("Given a radio that always errors on Receive", t, func() {
		l := joinedLayer()
		r := &erroringRadio{Loopback: radio.NewLoopback()}
		p := phy.New(r)
		c := clock.NewMock(0)
		cc := NewClassC(l, p, l.Plan, c)

		Convey("The first three Poll failures are absorbed", func() {
			for i := 0; i < maxRadioRetries; i++ {
				frame, err := cc.Poll()
				So(err, ShouldBeNil)
				So(frame, ShouldBeNil)
			}

			Convey("The fourth propagates a radio error", func() {
				_, err := cc.Poll()
				So(err, ShouldNotBeNil)
				var macErr *mac.Error
				So(errors.As(err, &macErr), ShouldBeTrue)
				So(macErr.Kind, ShouldEqual, mac.ErrRadio)
			})
		})
	})
}

func TestClassCPowerPolicy(t *testing.T) {
	Convey("Given an active Class C driver", t, func() {
		l := joinedLayer()
		r := radio.NewLoopback()
		p := phy.New(r)
		c := clock.NewMock(0)
		cc := NewClassC(l, p, l.Plan, c)

		Convey("SetPower(PowerCritical) suspends reception", func() {
			cc.SetPower(PowerCritical)
			So(cc.State(), ShouldEqual, CSuspended)

			frame, err := cc.Poll()
			So(err, ShouldBeNil)
			So(frame, ShouldBeNil)
		})

		Convey("SuspendForUplink then ResumeContinuousRX2 returns to RX2Active", func() {
			cc.SuspendForUplink()
			So(cc.State(), ShouldEqual, CRX1Active)
			err := cc.ResumeContinuousRX2()
			So(err, ShouldBeNil)
			So(cc.State(), ShouldEqual, CRX2Active)
		})

		Convey("UpdateBattery below the critical threshold suspends reception", func() {
			err := cc.UpdateBattery(5)
			So(err, ShouldBeNil)
			So(cc.Power, ShouldEqual, PowerCritical)
			So(cc.State(), ShouldEqual, CSuspended)
		})

		Convey("UpdateBattery below the low threshold enters PowerSaving", func() {
			err := cc.UpdateBattery(30)
			So(err, ShouldBeNil)
			So(cc.Power, ShouldEqual, PowerSaving)
			So(cc.State(), ShouldEqual, CRX2Active)

			Convey("Poll duty-cycles instead of blocking continuously", func() {
				frame, err := cc.Poll()
				So(err, ShouldBeNil)
				So(frame, ShouldBeNil)

				Convey("A second immediate Poll is suppressed until the next period", func() {
					frame, err := cc.Poll()
					So(err, ShouldBeNil)
					So(frame, ShouldBeNil)
				})
			})
		})

		Convey("UpdateBattery back above the low threshold restores Active and resumes continuous RX2", func() {
			So(cc.UpdateBattery(5), ShouldBeNil)
			So(cc.State(), ShouldEqual, CSuspended)

			err := cc.UpdateBattery(200)
			So(err, ShouldBeNil)
			So(cc.Power, ShouldEqual, PowerActive)
			So(cc.State(), ShouldEqual, CRX2Active)
		})

		Convey("A battery level of 255 (cannot measure) is treated as healthy", func() {
			err := cc.UpdateBattery(255)
			So(err, ShouldBeNil)
			So(cc.Power, ShouldEqual, PowerActive)
		})
	})
}
