package band

import "fmt"

const (
	numChannels125kHz = 64
	numChannels500kHz = 8
	numUplinkChannels = numChannels125kHz + numChannels500kHz
	numDownlinkChannels = 8

	baseFreq125kHz uint32 = 902_300_000
	step125kHz     uint32 = 200_000

	baseFreq500kHz uint32 = 903_000_000
	step500kHz     uint32 = 1_600_000

	baseFreqDownlink uint32 = 923_300_000
	stepDownlink     uint32 = 600_000

	minFrequencyHz uint32 = 902_000_000
	maxFrequencyHz uint32 = 928_000_000

	defaultRX2FrequencyHz uint32   = 923_300_000
	defaultRX2DataRate    DataRate = DR8 // SF12BW500, per the normative US915 table

	maxEIRPdBm    int8 = 30
	txPowerStepDB int  = 2
)

// rx1DataRateTable maps an uplink DR and RX1DROffset (0-3) to the RX1
// downlink DR, per the US915 regional parameters table.
var rx1DataRateTable = map[DataRate][4]DataRate{
	DR0: {DR10, DR9, DR8, DR8},
	DR1: {DR11, DR10, DR9, DR8},
	DR2: {DR12, DR11, DR10, DR9},
	DR3: {DR13, DR12, DR11, DR10},
	DR4: {DR13, DR13, DR12, DR11},
}

// maxPayloadSize is the normative US915 repeater-unaware table
// (spec.md §4.3).
var maxPayloadSize = map[DataRate]int{
	DR0: 19,
	DR1: 61,
	DR2: 133,
	DR3: 250,
	DR4: 250,
}

// US915 is the reference region implementation: 64×125 kHz + 8×500 kHz
// uplink channels, 8 downlink channels, sub-band masking and RX1/RX2
// parameter derivation exactly as spec.md §4.3.
type US915 struct {
	uplink   [numUplinkChannels]Channel
	downlink [numDownlinkChannels]Channel

	uplinkCursor int // last index returned by NextUplinkChannel, -1 before first call
	joinCursor   int // independent cursor over the 125 kHz set

	rx1DROffset uint8
	rx2FreqHz   uint32
	rx2DR       DataRate
}

// NewUS915 constructs a US915 plan with every channel enabled (no
// sub-band restriction) and RX2 at its normative default.
func NewUS915() *US915 {
	b := &US915{
		uplinkCursor: -1,
		joinCursor:   -1,
		rx1DROffset:  0,
		rx2FreqHz:    defaultRX2FrequencyHz,
		rx2DR:        defaultRX2DataRate,
	}

	for i := 0; i < numChannels125kHz; i++ {
		b.uplink[i] = Channel{
			FrequencyHz: baseFreq125kHz + uint32(i)*step125kHz,
			MinDR:       DR0,
			MaxDR:       DR3,
			Enabled:     true,
			Direction:   Uplink,
		}
	}
	for i := 0; i < numChannels500kHz; i++ {
		b.uplink[numChannels125kHz+i] = Channel{
			FrequencyHz: baseFreq500kHz + uint32(i)*step500kHz,
			MinDR:       DR4,
			MaxDR:       DR4,
			Enabled:     true,
			Direction:   Uplink,
		}
	}
	for i := 0; i < numDownlinkChannels; i++ {
		b.downlink[i] = Channel{
			FrequencyHz: baseFreqDownlink + uint32(i)*stepDownlink,
			MinDR:       DR8,
			MaxDR:       DR13,
			Enabled:     true,
			Direction:   Downlink,
		}
	}

	return b
}

func (b *US915) NextUplinkChannel() (int, Channel, error) {
	idx, ch, ok := nextEnabled(b.uplink[:], b.uplinkCursor)
	if !ok {
		return 0, Channel{}, fmt.Errorf("band: no enabled uplink channel")
	}
	b.uplinkCursor = idx
	return idx, ch, nil
}

func (b *US915) NextJoinChannel() (int, Channel, error) {
	idx, ch, ok := nextEnabled(b.uplink[:numChannels125kHz], b.joinCursor)
	if !ok {
		return 0, Channel{}, fmt.Errorf("band: no enabled join channel")
	}
	b.joinCursor = idx
	return idx, ch, nil
}

// nextEnabled scans channels starting just after `after`, wrapping
// once, and returns the first enabled entry. This visits every
// enabled channel before repeating, satisfying the round-robin
// fairness invariant regardless of which subset is enabled.
func nextEnabled(channels []Channel, after int) (int, Channel, bool) {
	n := len(channels)
	for step := 1; step <= n; step++ {
		idx := (after + step) % n
		if channels[idx].Enabled {
			return idx, channels[idx], true
		}
	}
	return 0, Channel{}, false
}

func (b *US915) RX1(uplinkChannel int, uplinkDR DataRate) (uint32, DataRate, error) {
	if uplinkChannel < 0 || uplinkChannel >= numUplinkChannels {
		return 0, 0, fmt.Errorf("band: uplink channel %d out of range", uplinkChannel)
	}
	row, ok := rx1DataRateTable[uplinkDR]
	if !ok {
		return 0, 0, fmt.Errorf("band: %d has no RX1 data-rate mapping", uplinkDR)
	}
	if int(b.rx1DROffset) >= len(row) {
		return 0, 0, fmt.Errorf("band: RX1DROffset %d out of range", b.rx1DROffset)
	}

	dlIndex := uplinkChannel % numDownlinkChannels
	freq := b.downlink[dlIndex].FrequencyHz
	dr := row[b.rx1DROffset]
	return freq, dr, nil
}

func (b *US915) RX2() (uint32, DataRate) {
	return b.rx2FreqHz, b.rx2DR
}

func (b *US915) BeaconChannel(index int) (Channel, error) {
	if index < 0 || index >= numDownlinkChannels {
		return Channel{}, fmt.Errorf("band: beacon channel index %d out of range", index)
	}
	// Beacon channels share the downlink channel frequency plan
	// (spec.md §4.3): 923.3 MHz + 600 kHz·i.
	return b.downlink[index], nil
}

func (b *US915) NumBeaconChannels() int { return numDownlinkChannels }

func (b *US915) SetSubBand(n int) error {
	if n < 0 || n > 7 {
		return fmt.Errorf("band: sub-band %d out of range 0-7", n)
	}
	for i := range b.uplink[:numChannels125kHz] {
		b.uplink[i].Enabled = i/8 == n
	}
	for i := range b.uplink[numChannels125kHz:] {
		b.uplink[numChannels125kHz+i].Enabled = i == n
	}
	b.uplinkCursor = -1
	b.joinCursor = -1
	return nil
}

func (b *US915) MaxPayloadSize(dr DataRate) (int, error) {
	n, ok := maxPayloadSize[dr]
	if !ok {
		return 0, fmt.Errorf("band: no max payload size defined for DR%d", dr)
	}
	return n, nil
}

func (b *US915) IsValidFrequency(hz uint32) bool {
	return hz >= minFrequencyHz && hz <= maxFrequencyHz
}

func (b *US915) IsValidDataRate(dr DataRate) bool {
	switch dr {
	case DR0, DR1, DR2, DR3, DR4, DR8, DR9, DR10, DR11, DR12, DR13:
		return true
	default:
		return false
	}
}

func (b *US915) IsValidTXPower(index int) bool {
	return index >= 0 && index <= 14
}

// TXPowerDBm steps down from the region's max EIRP by txPowerStepDB
// per index, clamped at 0 dBm, matching the linear TXPower table every
// LoRaWAN region defines (spec.md §4.3 is silent on the exact
// coefficient, so the max-EIRP-minus-2dB-per-step convention common
// across regional parameter tables is used).
func (b *US915) TXPowerDBm(index int) (int8, error) {
	if !b.IsValidTXPower(index) {
		return 0, fmt.Errorf("band: tx power index %d out of range", index)
	}
	dbm := int(maxEIRPdBm) - txPowerStepDB*index
	if dbm < 0 {
		dbm = 0
	}
	return int8(dbm), nil
}

func (b *US915) ApplyNewChannel(chIndex int, freqHz uint32, minDR, maxDR DataRate) (bool, bool) {
	freqOK := b.IsValidFrequency(freqHz)
	drRangeOK := b.IsValidDataRate(minDR) && b.IsValidDataRate(maxDR) && minDR <= maxDR

	if chIndex < 0 || chIndex >= numUplinkChannels {
		return freqOK, false
	}
	if freqOK && drRangeOK {
		b.uplink[chIndex] = Channel{
			FrequencyHz: freqHz,
			MinDR:       minDR,
			MaxDR:       maxDR,
			Enabled:     true,
			Direction:   Uplink,
		}
	}
	return freqOK, drRangeOK
}

func (b *US915) ApplyDlChannel(chIndex int, freqHz uint32) (bool, bool) {
	freqOK := b.IsValidFrequency(freqHz)
	chExists := chIndex >= 0 && chIndex < numDownlinkChannels
	if freqOK && chExists {
		b.downlink[chIndex].FrequencyHz = freqHz
	}
	return freqOK, chExists
}

func (b *US915) ApplyRXParamSetup(rx1DROffset uint8, rx2DR DataRate, rx2Freq uint32) (bool, bool, bool) {
	offsetOK := int(rx1DROffset) < 4
	drOK := b.IsValidDataRate(rx2DR)
	freqOK := b.IsValidFrequency(rx2Freq)

	if offsetOK {
		b.rx1DROffset = rx1DROffset
	}
	if drOK {
		b.rx2DR = rx2DR
	}
	if freqOK {
		b.rx2FreqHz = rx2Freq
	}
	return offsetOK, drOK, freqOK
}

// ApplyChannelMask is grounded on the teacher's
// GetEnabledUplinkChannelIndicesForLinkADRReqPayloads: ChMaskCntl 6/7
// address the 500 kHz bank, everything else addresses a direct
// 16-channel window of the 125 kHz bank.
func (b *US915) ApplyChannelMask(mask uint16, chMaskCntl uint8) bool {
	switch {
	case chMaskCntl == 6 || chMaskCntl == 7:
		for i := range b.uplink[:numChannels125kHz] {
			b.uplink[i].Enabled = chMaskCntl == 6
		}
		for i := 0; i < numChannels500kHz; i++ {
			b.uplink[numChannels125kHz+i].Enabled = mask&(1<<uint(i)) != 0
		}
		return true
	case chMaskCntl <= 4:
		base := int(chMaskCntl) * 16
		for i := 0; i < 16; i++ {
			idx := base + i
			if idx >= numUplinkChannels {
				if mask&(1<<uint(i)) != 0 {
					return false
				}
				continue
			}
			b.uplink[idx].Enabled = mask&(1<<uint(i)) != 0
		}
		return true
	default:
		return false
	}
}

func (b *US915) EnabledUplinkChannelCount() int {
	n := 0
	for _, c := range b.uplink {
		if c.Enabled {
			n++
		}
	}
	return n
}

func (b *US915) Defaults() Defaults {
	return Defaults{
		RX2FrequencyHz:   defaultRX2FrequencyHz,
		RX2DataRate:      defaultRX2DataRate,
		ReceiveDelay1Ms:  1000,
		ReceiveDelay2Ms:  2000,
		JoinAcceptDelay1: 5000,
		JoinAcceptDelay2: 6000,
		MaxEIRPdBm:       maxEIRPdBm,
	}
}

var _ Plan = (*US915)(nil)
