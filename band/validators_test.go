package band

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestUS915Validators mirrors the teacher's band_ism2400_test.go style
// (testify/require) rather than this package's other goconvey-style
// tests, the way the example repo itself mixes both conventions across
// its band_*.go files.
func TestUS915Validators(t *testing.T) {
	assert := require.New(t)
	b := NewUS915()

	assert.True(b.IsValidFrequency(902_000_000))
	assert.True(b.IsValidFrequency(928_000_000))
	assert.False(b.IsValidFrequency(901_999_999))
	assert.False(b.IsValidFrequency(928_000_001))

	assert.True(b.IsValidDataRate(DR0))
	assert.True(b.IsValidDataRate(DR4))
	assert.True(b.IsValidDataRate(DR13))
	assert.False(b.IsValidDataRate(DataRate(5)))
	assert.False(b.IsValidDataRate(14))

	assert.True(b.IsValidTXPower(0))
	assert.True(b.IsValidTXPower(14))
	assert.False(b.IsValidTXPower(15))
	assert.False(b.IsValidTXPower(-1))

	sf, bw, err := DR0.SpreadFactorBandwidth()
	assert.NoError(err)
	assert.Equal(uint8(10), sf)
	assert.Equal(uint32(125), bw)

	sf, bw, err = DR8.SpreadFactorBandwidth()
	assert.NoError(err)
	assert.Equal(uint8(12), sf)
	assert.Equal(uint32(500), bw)

	_, _, err = DataRate(5).SpreadFactorBandwidth()
	assert.Error(err)
}

func TestUS915ApplyChannelMaskControlValues(t *testing.T) {
	assert := require.New(t)
	b := NewUS915()

	// ChMaskCntl 6 turns on every 125 kHz channel and applies the mask
	// to the 8 500 kHz channels, per the LinkADRReq wire convention.
	ok := b.ApplyChannelMask(0x0003, 6)
	assert.True(ok)
	for i := 0; i < numChannels125kHz; i++ {
		assert.True(b.uplink[i].Enabled, "125 kHz channel %d", i)
	}
	assert.True(b.uplink[numChannels125kHz].Enabled)
	assert.True(b.uplink[numChannels125kHz+1].Enabled)
	for i := 2; i < numChannels500kHz; i++ {
		assert.False(b.uplink[numChannels125kHz+i].Enabled, "500 kHz channel %d", i)
	}

	// ChMaskCntl 0 addresses the first 16 125 kHz channels directly.
	ok = b.ApplyChannelMask(0x00FF, 0)
	assert.True(ok)
	for i := 0; i < 8; i++ {
		assert.True(b.uplink[i].Enabled, "channel %d", i)
	}
	for i := 8; i < 16; i++ {
		assert.False(b.uplink[i].Enabled, "channel %d", i)
	}

	// A reserved ChMaskCntl value is rejected outright.
	ok = b.ApplyChannelMask(0xFFFF, 5)
	assert.False(ok)
}
