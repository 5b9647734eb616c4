package av

import (
	"fmt"
	"strings"
)

// Codec names the video codec a preset is encoded with.
type Codec string

const (
	// CodecH264 is the hardware-friendly default.
	CodecH264 Codec = "H264"
	// CodecVP8 is the software fallback.
	CodecVP8 Codec = "VP8"
)

// bandwidthHeadroom is the share of measured bandwidth a preset may use.
// Expressed as a ratio of integers so bitrate math stays in whole bits per second.
const (
	bandwidthHeadroomNum = 8
	bandwidthHeadroomDen = 10
)

// QualityPreset is one rung of the quality ladder. Presets are values and
// are never mutated after the ladder is built.
type QualityPreset struct {
	Name      string
	Width     int
	Height    int
	FrameRate int
	Bitrate   int // bits per second
	Codec     Codec
}

// String returns a short human-readable description.
func (p QualityPreset) String() string {
	return fmt.Sprintf("%s %dx%d@%d %dkbps %s", p.Name, p.Width, p.Height, p.FrameRate, p.Bitrate/1000, p.Codec)
}

// Ladder is an immutable sequence of presets ordered from best (index 0)
// to worst (last index).
type Ladder struct {
	presets []QualityPreset
}

// NewLadder builds a ladder from presets ordered best to worst by bitrate.
func NewLadder(presets ...QualityPreset) (*Ladder, error) {
	if len(presets) == 0 {
		return nil, ErrEmptyLadder
	}
	for i := 1; i < len(presets); i++ {
		if presets[i].Bitrate > presets[i-1].Bitrate {
			return nil, fmt.Errorf("%w: %s (%d bps) follows %s (%d bps)",
				ErrLadderOrder, presets[i].Name, presets[i].Bitrate, presets[i-1].Name, presets[i-1].Bitrate)
		}
	}

	copied := make([]QualityPreset, len(presets))
	copy(copied, presets)
	return &Ladder{presets: copied}, nil
}

// DefaultLadder returns the standard remote-assistance ladder.
func DefaultLadder() *Ladder {
	return &Ladder{presets: []QualityPreset{
		{Name: "1080p", Width: 1920, Height: 1080, FrameRate: 30, Bitrate: 4_000_000, Codec: CodecH264},
		{Name: "720p", Width: 1280, Height: 720, FrameRate: 30, Bitrate: 2_500_000, Codec: CodecH264},
		{Name: "480p", Width: 854, Height: 480, FrameRate: 30, Bitrate: 1_000_000, Codec: CodecH264},
		{Name: "360p", Width: 640, Height: 360, FrameRate: 24, Bitrate: 500_000, Codec: CodecH264},
		{Name: "240p", Width: 426, Height: 240, FrameRate: 15, Bitrate: 250_000, Codec: CodecH264},
	}}
}

// Len returns the number of presets.
func (l *Ladder) Len() int {
	return len(l.presets)
}

// LastIndex returns the index of the worst preset.
func (l *Ladder) LastIndex() int {
	return len(l.presets) - 1
}

// DefaultIndex returns the second-best preset, or the only one for a single-rung ladder.
func (l *Ladder) DefaultIndex() int {
	if len(l.presets) > 1 {
		return 1
	}
	return 0
}

// Presets returns a copy of the ladder contents.
func (l *Ladder) Presets() []QualityPreset {
	out := make([]QualityPreset, len(l.presets))
	copy(out, l.presets)
	return out
}

// PresetAt returns the preset at index.
func (l *Ladder) PresetAt(index int) (QualityPreset, error) {
	if index < 0 || index >= len(l.presets) {
		return QualityPreset{}, fmt.Errorf("%w: index %d, ladder length %d", ErrOutOfRange, index, len(l.presets))
	}
	return l.presets[index], nil
}

// mustPresetAt is used where the index has already been clamped.
func (l *Ladder) mustPresetAt(index int) QualityPreset {
	return l.presets[l.clamp(index)]
}

func (l *Ladder) clamp(index int) int {
	if index < 0 {
		return 0
	}
	if index > l.LastIndex() {
		return l.LastIndex()
	}
	return index
}

// ClosestPresetIndex returns the index whose bitrate is nearest targetBitrate.
// Ties resolve to the lower index (higher quality).
func (l *Ladder) ClosestPresetIndex(targetBitrate int) int {
	best := 0
	bestDiff := absDiff(l.presets[0].Bitrate, targetBitrate)
	for i := 1; i < len(l.presets); i++ {
		if d := absDiff(l.presets[i].Bitrate, targetBitrate); d < bestDiff {
			best, bestDiff = i, d
		}
	}
	return best
}

// RecommendedPreset returns the best preset whose bitrate fits in 80% of the
// available bandwidth, or the worst preset when none fits.
func (l *Ladder) RecommendedPreset(availableBandwidthKbps int) QualityPreset {
	budget := availableBandwidthKbps * 1000 * bandwidthHeadroomNum / bandwidthHeadroomDen
	for _, p := range l.presets {
		if p.Bitrate <= budget {
			return p
		}
	}
	return l.presets[l.LastIndex()]
}

// PresetByName finds a preset by name, case-insensitively.
func (l *Ladder) PresetByName(name string) (QualityPreset, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, p := range l.presets {
		if strings.ToLower(p.Name) == name {
			return p, nil
		}
	}
	return QualityPreset{}, fmt.Errorf("%w: %q", ErrPresetNotFound, name)
}

func absDiff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
