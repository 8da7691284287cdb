package mac

import "github.com/embedlora/lorawan-device/clock"

// dutyCycleWindowMs is the accounting period duty-cycle limits are
// enforced over (spec.md §4.4 duty-cycle gating).
const dutyCycleWindowMs uint32 = 60 * 60 * 1000

// dutyCycleTracker enforces a 1/(2^limit) airtime budget over a fixed
// window, accumulating without per-transmission bookkeeping so it
// needs no dynamic allocation (spec.md §5). The window resets instead
// of sliding, an approximation of the true sliding-window duty cycle:
// the full budget is available again as soon as a window ends, so
// transmissions just before and just after a boundary can together use
// up to twice the budget within one sliding hour.
type dutyCycleTracker struct {
	limit        uint8 // MaxDCyclePlusOne: duty cycle = 1/(2^limit), 0 = unrestricted
	windowFromMs uint32
	usedMs       uint32
	started      bool
}

func (d *dutyCycleTracker) setLimit(limit uint8) {
	d.limit = limit
}

func (d *dutyCycleTracker) budgetMs() uint32 {
	if d.limit == 0 {
		return dutyCycleWindowMs
	}
	return dutyCycleWindowMs >> d.limit
}

func (d *dutyCycleTracker) rollWindow(nowMs uint32) {
	if !d.started || clock.ElapsedMs(d.windowFromMs, nowMs) >= dutyCycleWindowMs {
		d.windowFromMs = nowMs
		d.usedMs = 0
		d.started = true
	}
}

func (d *dutyCycleTracker) allow(nowMs, onAirMs uint32) bool {
	d.rollWindow(nowMs)
	return d.usedMs+onAirMs <= d.budgetMs()
}

func (d *dutyCycleTracker) record(nowMs, onAirMs uint32) {
	d.rollWindow(nowMs)
	d.usedMs += onAirMs
}
