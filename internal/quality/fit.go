package quality

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/mikeyg42/streamplayer/internal/model"
)

// DeviceClass picks the acceptance band family.
type DeviceClass int

const (
	DeviceDesktop DeviceClass = iota
	DeviceMobile
)

func (d DeviceClass) String() string {
	switch d {
	case DeviceMobile:
		return "mobile"
	default:
		return "desktop"
	}
}

// ParseDeviceClass accepts "desktop" or "mobile".
func ParseDeviceClass(s string) (DeviceClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "desktop":
		return DeviceDesktop, nil
	case "mobile":
		return DeviceMobile, nil
	default:
		return DeviceDesktop, fmt.Errorf("invalid device class: %s (must be desktop or mobile)", s)
	}
}

// Band is the accepted range of the contain-fit scale.
type Band struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Contains reports whether scale lies inside the band.
func (b Band) Contains(scale float64) bool { return scale >= b.Min && scale <= b.Max }

// clamped keeps Min in [0,1] and Max in [1,10].
func (b Band) clamped() Band {
	return Band{
		Min: clamp(b.Min, 0, 1),
		Max: clamp(b.Max, 1, 10),
	}
}

// Thresholds holds one band per device class and orientation.
type Thresholds struct {
	Desktop         Band `json:"desktop" yaml:"desktop"`
	MobilePortrait  Band `json:"mobilePortrait" yaml:"mobilePortrait"`
	MobileLandscape Band `json:"mobileLandscape" yaml:"mobileLandscape"`
}

// DefaultThresholds is wider on landscape phones so 1080p can still be
// picked on small but wide surfaces.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Desktop:         Band{Min: 0.9, Max: 1.1},
		MobilePortrait:  Band{Min: 0.75, Max: 1.1},
		MobileLandscape: Band{Min: 0.30, Max: 1.1},
	}
}

// BandFor returns the band for a device and viewport. A mobile viewport
// wider than it is tall counts as landscape.
func (t Thresholds) BandFor(class DeviceClass, width, height int) Band {
	if class != DeviceMobile {
		return t.Desktop
	}
	if width > height {
		return t.MobileLandscape
	}
	return t.MobilePortrait
}

// FitScale is the contain-fit factor of a video inside a viewport. Values
// below 1 mean the source is larger than the viewport.
func FitScale(viewW, viewH, videoW, videoH int) float64 {
	if videoW <= 0 || videoH <= 0 {
		return math.Inf(1)
	}
	return math.Min(float64(viewW)/float64(videoW), float64(viewH)/float64(videoH))
}

// SelectByFit picks the rendition that best fits a viewport. It prefers the
// in-band candidate with the smallest scale, then the least oversized
// candidate below the band, then the tallest rendition. An empty viewport
// picks the lowest rendition.
func SelectByFit(sources []model.SourceItem, width, height int, band Band) (model.SourceItem, bool) {
	if len(sources) == 0 {
		return model.SourceItem{}, false
	}
	if width <= 0 || height <= 0 {
		return lowestByHeight(sources), true
	}

	var inBand, oversized *model.SourceItem
	inBandScale, overScale := math.Inf(1), math.Inf(-1)
	for i := range sources {
		s := &sources[i]
		scale := FitScale(width, height, s.Info.Width, s.Info.Height)
		switch {
		case band.Contains(scale):
			if scale < inBandScale {
				inBand, inBandScale = s, scale
			}
		case scale < band.Min:
			if scale > overScale {
				oversized, overScale = s, scale
			}
		}
	}
	if inBand != nil {
		return *inBand, true
	}
	if oversized != nil {
		return *oversized, true
	}
	return highestByHeight(sources), true
}

func lowestByHeight(sources []model.SourceItem) model.SourceItem {
	return slices.MinFunc(sources, func(a, b model.SourceItem) int { return a.Info.Height - b.Info.Height })
}

func highestByHeight(sources []model.SourceItem) model.SourceItem {
	return slices.MaxFunc(sources, func(a, b model.SourceItem) int { return a.Info.Height - b.Info.Height })
}

func lowestByBitrate(sources []model.SourceItem) model.SourceItem {
	return slices.MinFunc(sources, func(a, b model.SourceItem) int { return a.Info.Bitrate - b.Info.Bitrate })
}

// underCap keeps sources whose bitrate fits the cap. A zero cap keeps all.
func underCap(sources []model.SourceItem, capKbps int) []model.SourceItem {
	if capKbps == 0 {
		return sources
	}
	var out []model.SourceItem
	for _, s := range sources {
		if s.Info.Bitrate <= capKbps {
			out = append(out, s)
		}
	}
	return out
}

func clamp(val, lo, hi float64) float64 {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}
