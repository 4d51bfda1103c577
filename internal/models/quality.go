package models

import "fmt"

// Quality identifies a live stream encoding quality preset.
type Quality string

// Known quality presets. Each preset has a plain H.264 variant and an
// HEVC twin carrying the same resolution at a lower bitrate.
const (
	Quality1080p60     Quality = "1080p-60fps"
	Quality1080p60HEVC Quality = "1080p-60fps-hevc"
	Quality1080p       Quality = "1080p"
	Quality1080pHEVC   Quality = "1080p-hevc"
	Quality810p        Quality = "810p"
	Quality810pHEVC    Quality = "810p-hevc"
	Quality720p        Quality = "720p"
	Quality720pHEVC    Quality = "720p-hevc"
	Quality540p        Quality = "540p"
	Quality540pHEVC    Quality = "540p-hevc"
	Quality480p        Quality = "480p"
	Quality480pHEVC    Quality = "480p-hevc"
	Quality360p        Quality = "360p"
	Quality360pHEVC    Quality = "360p-hevc"
	Quality240p        Quality = "240p"
	Quality240pHEVC    Quality = "240p-hevc"
)

// QualityProfile describes the encoding parameters of a quality preset.
// Only the encoder argument builders consume these values.
type QualityProfile struct {
	IsHEVC          bool
	Is60FPS         bool
	Width           int
	Height          int
	VideoBitrate    string
	VideoBitrateMax string
	AudioBitrate    string
}

// QualityProfiles maps every known quality preset to its parameters.
var QualityProfiles = map[Quality]QualityProfile{
	Quality1080p60:     {IsHEVC: false, Is60FPS: true, Width: 1440, Height: 1080, VideoBitrate: "9500K", VideoBitrateMax: "13000K", AudioBitrate: "256K"},
	Quality1080p60HEVC: {IsHEVC: true, Is60FPS: true, Width: 1440, Height: 1080, VideoBitrate: "3500K", VideoBitrateMax: "5200K", AudioBitrate: "192K"},
	Quality1080p:       {IsHEVC: false, Is60FPS: false, Width: 1440, Height: 1080, VideoBitrate: "9500K", VideoBitrateMax: "13000K", AudioBitrate: "256K"},
	Quality1080pHEVC:   {IsHEVC: true, Is60FPS: false, Width: 1440, Height: 1080, VideoBitrate: "3000K", VideoBitrateMax: "4500K", AudioBitrate: "192K"},
	Quality810p:        {IsHEVC: false, Is60FPS: false, Width: 1440, Height: 810, VideoBitrate: "5500K", VideoBitrateMax: "7600K", AudioBitrate: "192K"},
	Quality810pHEVC:    {IsHEVC: true, Is60FPS: false, Width: 1440, Height: 810, VideoBitrate: "2500K", VideoBitrateMax: "3700K", AudioBitrate: "192K"},
	Quality720p:        {IsHEVC: false, Is60FPS: false, Width: 1280, Height: 720, VideoBitrate: "4500K", VideoBitrateMax: "6200K", AudioBitrate: "192K"},
	Quality720pHEVC:    {IsHEVC: true, Is60FPS: false, Width: 1280, Height: 720, VideoBitrate: "2000K", VideoBitrateMax: "3000K", AudioBitrate: "192K"},
	Quality540p:        {IsHEVC: false, Is60FPS: false, Width: 960, Height: 540, VideoBitrate: "3000K", VideoBitrateMax: "4100K", AudioBitrate: "192K"},
	Quality540pHEVC:    {IsHEVC: true, Is60FPS: false, Width: 960, Height: 540, VideoBitrate: "1400K", VideoBitrateMax: "2100K", AudioBitrate: "192K"},
	Quality480p:        {IsHEVC: false, Is60FPS: false, Width: 854, Height: 480, VideoBitrate: "2000K", VideoBitrateMax: "2800K", AudioBitrate: "192K"},
	Quality480pHEVC:    {IsHEVC: true, Is60FPS: false, Width: 854, Height: 480, VideoBitrate: "1050K", VideoBitrateMax: "1750K", AudioBitrate: "192K"},
	Quality360p:        {IsHEVC: false, Is60FPS: false, Width: 640, Height: 360, VideoBitrate: "1100K", VideoBitrateMax: "1800K", AudioBitrate: "128K"},
	Quality360pHEVC:    {IsHEVC: true, Is60FPS: false, Width: 640, Height: 360, VideoBitrate: "750K", VideoBitrateMax: "1250K", AudioBitrate: "128K"},
	Quality240p:        {IsHEVC: false, Is60FPS: false, Width: 426, Height: 240, VideoBitrate: "550K", VideoBitrateMax: "650K", AudioBitrate: "128K"},
	Quality240pHEVC:    {IsHEVC: true, Is60FPS: false, Width: 426, Height: 240, VideoBitrate: "450K", VideoBitrateMax: "650K", AudioBitrate: "128K"},
}

// ParseQuality validates a quality string and returns it as a Quality.
func ParseQuality(s string) (Quality, error) {
	q := Quality(s)
	if _, ok := QualityProfiles[q]; !ok {
		return "", fmt.Errorf("unknown quality %q", s)
	}
	return q, nil
}

// Profile returns the encoding parameters for the quality.
// The zero QualityProfile is returned for unknown presets.
func (q Quality) Profile() QualityProfile {
	return QualityProfiles[q]
}

// String implements fmt.Stringer.
func (q Quality) String() string {
	return string(q)
}
