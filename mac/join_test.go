package mac

import (
	stdaes "crypto/aes"
	"testing"

	"github.com/embedlora/lorawan-device/crypto"
	. "github.com/smartystreets/goconvey/convey"
)

// aesDecryptForTest applies the inverse of crypto.EncryptJoinAccept
// (plain AES-ECB decrypt), simulating the network side's "hiding" of a
// JoinAccept so this test can exercise the device's recovery path.
func aesDecryptForTest(key crypto.AESKey, data []byte) ([]byte, error) {
	block, err := stdaes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	for off := 0; off < len(data); off += stdaes.BlockSize {
		block.Decrypt(out[off:off+stdaes.BlockSize], data[off:off+stdaes.BlockSize])
	}
	return out, nil
}

func TestJoinRequestBuild(t *testing.T) {
	Convey("Given a JoinRequest and an AppKey", t, func() {
		var appKey crypto.AESKey
		for i := range appKey {
			appKey[i] = byte(i * 3)
		}
		jr := JoinRequest{
			AppEUI:   EUI64{1, 2, 3, 4, 5, 6, 7, 8},
			DevEUI:   EUI64{8, 7, 6, 5, 4, 3, 2, 1},
			DevNonce: 42,
		}

		Convey("Build produces a 23 byte frame with a valid MIC", func() {
			raw, err := jr.Build(appKey)
			So(err, ShouldBeNil)
			So(raw, ShouldHaveLength, 23)

			mic, err := crypto.ComputeJoinRequestMIC(appKey, raw[:19])
			So(err, ShouldBeNil)
			So(raw[19:23], ShouldResemble, mic[:])
		})
	})
}

func TestJoinAcceptRoundTrip(t *testing.T) {
	Convey("Given a JoinAccept built the way a network server would", t, func() {
		var appKey crypto.AESKey
		for i := range appKey {
			appKey[i] = byte(i + 1)
		}
		devNonce := uint16(7)

		body := []byte{
			0x01, 0x02, 0x03, // AppNonce
			0x04, 0x05, 0x06, // NetID
			0x11, 0x22, 0x33, 0x44, // DevAddr
			0x50, // DLSettings: RX1DROffset=5, RX2DataRate=0
			3,    // RXDelay
		}
		full := append([]byte{byte(NewMHDR(MTypeJoinAccept))}, body...)
		mic, err := crypto.ComputeJoinRequestMIC(appKey, full)
		So(err, ShouldBeNil)
		full = append(full, mic[:]...)

		// Hide it the way the network does: AES-ECB decrypt everything
		// after the MHDR.
		hidden, err := aesDecryptForTest(appKey, full[1:])
		So(err, ShouldBeNil)
		raw := append([]byte{full[0]}, hidden...)

		Convey("ParseJoinAccept recovers the fields and derives session keys", func() {
			ja, nwkSKey, appSKey, err := ParseJoinAccept(raw, appKey, devNonce)
			So(err, ShouldBeNil)
			So(ja.DevAddr, ShouldResemble, DevAddr{0x11, 0x22, 0x33, 0x44})
			So(ja.RX1DROffset(), ShouldEqual, uint8(5))
			So(nwkSKey, ShouldNotResemble, appSKey)
		})
	})
}
