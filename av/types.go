package av

// QualityState is the controller's published state. It is a closed set:
// Initial, Adjusting, Stable and Degraded are the only implementations, and
// consumers are expected to switch over all four.
type QualityState interface {
	isQualityState()
	String() string
}

// Initial is the state before Start and after Stop.
type Initial struct{}

// Adjusting is published while the controller snaps to a new operating point.
type Adjusting struct{}

// Stable reports the preset in use while conditions allow it.
type Stable struct {
	Index  int
	Preset QualityPreset
}

// Degraded reports a demotion and why it happened.
type Degraded struct {
	Index  int
	Preset QualityPreset
	Reason string
}

func (Initial) isQualityState()   {}
func (Adjusting) isQualityState() {}
func (Stable) isQualityState()    {}
func (Degraded) isQualityState()  {}

func (Initial) String() string   { return "Initial" }
func (Adjusting) String() string { return "Adjusting" }
func (s Stable) String() string  { return "Stable(" + s.Preset.Name + ")" }
func (d Degraded) String() string {
	return "Degraded(" + d.Preset.Name + ", " + d.Reason + ")"
}

// PresetOf returns the preset carried by a state, if any.
func PresetOf(state QualityState) (QualityPreset, bool) {
	switch s := state.(type) {
	case Stable:
		return s.Preset, true
	case Degraded:
		return s.Preset, true
	case Initial, Adjusting:
		return QualityPreset{}, false
	default:
		return QualityPreset{}, false
	}
}
