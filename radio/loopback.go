package radio

import "sync"

// Loopback is an in-memory Radio used by this module's own tests. It
// is not a production transceiver driver — see the package doc for
// why those are out of scope — but gives every other package
// something concrete to configure and exercise without real hardware,
// the way the corpus's own tests exercise codecs in isolation.
type Loopback struct {
	mu sync.Mutex

	txConfig TXConfig
	rxConfig RXConfig
	lowPower bool
	rxGain   uint8
	asleep   bool

	// Inbox holds packets queued for the next Receive call, FIFO.
	Inbox [][]byte
	// Sent records every payload handed to Transmit, in order.
	Sent [][]byte

	rssi int16
	snr  float32
}

// NewLoopback returns a ready-to-use Loopback radio.
func NewLoopback() *Loopback {
	return &Loopback{rssi: -80, snr: 7.5}
}

func (l *Loopback) Init() error { return nil }

func (l *Loopback) SetFrequency(hz uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txConfig.FrequencyHz = hz
	return nil
}

func (l *Loopback) SetTXPower(dBm int8) error {
	if dBm > 30 {
		dBm = 30
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txConfig.PowerDBm = dBm
	return nil
}

func (l *Loopback) ConfigureTX(cfg TXConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txConfig = cfg
	return nil
}

func (l *Loopback) ConfigureRX(cfg RXConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rxConfig = cfg
	return nil
}

func (l *Loopback) Transmit(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	l.Sent = append(l.Sent, cp)
	return nil
}

func (l *Loopback) Receive(buf []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Inbox) == 0 {
		return 0, nil
	}
	pkt := l.Inbox[0]
	l.Inbox = l.Inbox[1:]
	if len(pkt) > len(buf) {
		return 0, NewError(Hardware, "receive buffer too small for queued packet")
	}
	n := copy(buf, pkt)
	return n, nil
}

// QueueReceive enqueues a packet to be returned by the next Receive
// call(s), FIFO.
func (l *Loopback) QueueReceive(pkt []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	l.Inbox = append(l.Inbox, cp)
}

func (l *Loopback) RSSI() (int16, error) { return l.rssi, nil }
func (l *Loopback) SNR() (float32, error) { return l.snr, nil }

// SetLastPacketMetrics lets tests control the RSSI/SNR of the "last
// packet" the radio reports.
func (l *Loopback) SetLastPacketMetrics(rssi int16, snr float32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rssi, l.snr = rssi, snr
}

func (l *Loopback) Sleep() error   { l.asleep = true; return nil }
func (l *Loopback) Standby() error { l.asleep = false; return nil }

func (l *Loopback) SetLowPowerMode(enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lowPower = enabled
	return nil
}

func (l *Loopback) SetRXGain(level uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rxGain = level
	return nil
}

// LastRXConfig returns the most recent ConfigureRX call's parameters,
// for test assertions (e.g. confirming Class C resumes RX2 with the
// authoritative region frequency/DR).
func (l *Loopback) LastRXConfig() RXConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rxConfig
}

// LastTXConfig returns the most recent ConfigureTX call's parameters.
func (l *Loopback) LastTXConfig() TXConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.txConfig
}
