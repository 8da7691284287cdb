package class

// ActiveClass identifies which device class is currently driving
// reception. Earlier designs used a trait object or an
// Option<ClassB>/Option<ClassC> pair, which let the state machines
// drift out of sync with each other; this stack keeps exactly one
// tagged union instead (spec.md REDESIGN FLAGS).
type ActiveClass int

// The three device classes.
const (
	ClassAActive ActiveClass = iota
	ClassBActive
	ClassCActive
)

func (c ActiveClass) String() string {
	switch c {
	case ClassAActive:
		return "A"
	case ClassBActive:
		return "B"
	case ClassCActive:
		return "C"
	default:
		return "unknown"
	}
}

// Active is the tagged union over the three class drivers. Exactly
// one of A, B, C is non-nil, selected by Which. Switching classes
// replaces the active driver rather than layering one on top of
// another, so there is never a stale Class B tracker running under an
// active Class C session.
type Active struct {
	Which ActiveClass
	A     *ClassA
	B     *classBDrivers
	C     *ClassC
}

// classBDrivers bundles the beacon tracker and ping-slot scheduler
// Class B needs; both share the same underlying ClassA for its
// mandatory RX1/RX2 uplink sequencing.
type classBDrivers struct {
	Uplink    *ClassA
	Tracker   *BeaconTracker
	Scheduler *PingSlotScheduler
}

// NewActiveA returns an Active tagged as Class A.
func NewActiveA(a *ClassA) Active {
	return Active{Which: ClassAActive, A: a}
}

// NewActiveB returns an Active tagged as Class B.
func NewActiveB(uplink *ClassA, tracker *BeaconTracker, scheduler *PingSlotScheduler) Active {
	return Active{Which: ClassBActive, B: &classBDrivers{Uplink: uplink, Tracker: tracker, Scheduler: scheduler}}
}

// NewActiveC returns an Active tagged as Class C.
func NewActiveC(c *ClassC) Active {
	return Active{Which: ClassCActive, C: c}
}
