package encoder

import (
	"fmt"
	"strings"

	"github.com/hibikitv/hibiki/internal/models"
)

// BuildOptions assembles the argument vector for the given encoder, quality
// and audio mode. stdin carries the raw TS, stdout the encoded TS.
func BuildOptions(t Type, quality models.Quality, dualMono bool) []string {
	if t.IsHWEncC() {
		return buildHWEncCOptions(t, quality, dualMono)
	}
	return buildFFmpegOptions(quality, dualMono)
}

// buildFFmpegOptions assembles the FFmpeg argument vector.
func buildFFmpegOptions(quality models.Quality, dualMono bool) []string {
	profile := quality.Profile()
	var options []string

	// Input. -analyzeduration shortens stream analysis before encoding starts.
	options = append(options, "-f mpegts -analyzeduration 500000 -i pipe:0")

	// Stream mapping. Both primary and secondary audio are kept in the
	// output TS so clients can switch later.
	if !dualMono {
		options = append(options, "-map 0:v:0 -map 0:a:0 -map 0:a:1? -map 0:d? -ignore_unknown")
	} else {
		// Dual-mono: left channel is the primary audio, right the secondary.
		// -filter_complex replaces -vf/-af, so the deinterlace/scale chain
		// moves in here for this path only.
		scale := fmt.Sprintf("scale=%d:%d", profile.Width, profile.Height)
		if quality == models.Quality1080p || quality == models.Quality1080p60 {
			// 1440x1080 and 1920x1080 sources are both common; let FFmpeg
			// derive the width for 1080p.
			scale = "scale=-2:1080"
		}
		options = append(options, fmt.Sprintf("-filter_complex yadif=0:-1:1,%s;volume=2.0,channelsplit[FL][FR]", scale))
		options = append(options, "-map 0:v:0 -map [FL] -map [FR] -map 0:d? -ignore_unknown")
	}

	// Flags that keep startup latency low.
	options = append(options, "-fflags nobuffer -flags low_delay -max_delay 250000 -max_interleave_delta 1 -threads auto")

	// Video.
	vcodec := "libx264"
	if profile.IsHEVC {
		vcodec = "libx265"
	}
	framerate := "30000/1001"
	gop := 15
	if profile.Is60FPS {
		framerate = "60000/1001"
		gop = 30
	}
	options = append(options, fmt.Sprintf("-vcodec %s -flags +cgop -vb %s -maxrate %s", vcodec, profile.VideoBitrate, profile.VideoBitrateMax))
	options = append(options, fmt.Sprintf("-aspect 16:9 -r %s -g %d -preset veryfast -profile:v main", framerate, gop))
	if !dualMono {
		if quality == models.Quality1080p || quality == models.Quality1080p60 {
			options = append(options, "-vf yadif=0:-1:1,scale=-2:1080")
		} else {
			options = append(options, fmt.Sprintf("-vf yadif=0:-1:1,scale=%d:%d", profile.Width, profile.Height))
		}
	}

	// Audio.
	options = append(options, fmt.Sprintf("-acodec aac -ac 2 -ab %s -ar 48000", profile.AudioBitrate))
	if !dualMono {
		options = append(options, "-af volume=2.0")
	}

	// Output encoded MPEG-TS to stdout.
	options = append(options, "-y -f mpegts")
	options = append(options, "pipe:1")

	return splitOptions(options)
}

// buildHWEncCOptions assembles the argument vector for the HWEncC family
// (QSVEncC / NVEncC / VCEEncC / rkmppenc).
func buildHWEncCOptions(t Type, quality models.Quality, dualMono bool) []string {
	profile := quality.Profile()
	var options []string

	// Input. Both --input-probesize and --input-analyze are needed; with
	// only --input-analyze the encoder can freeze during analysis.
	framerate := "30000/1001"
	gop := 15
	if profile.Is60FPS {
		framerate = "60000/1001"
		gop = 30
	}
	options = append(options, fmt.Sprintf("--input-format mpegts --fps %s --input-probesize 1000K --input-analyze 0.7 --input -", framerate))
	options = append(options, "--avhw")

	// Stream mapping. Both primary and secondary audio are kept in the
	// output TS so clients can switch later.
	if !dualMono {
		// 5.1ch broadcasts break some decoders when passed through, so the
		// output is pinned to stereo.
		options = append(options, "--audio-stream 1?:stereo --audio-stream 2?:stereo --data-copy timed_id3")
	} else {
		// Dual-mono: left channel is the primary audio, right the secondary.
		options = append(options, "--audio-stream FL,FR --data-copy timed_id3")
	}

	// Flags that keep startup latency low.
	options = append(options, "-m fflags:nobuffer -m max_delay:250000 -m max_interleave_delta:1 --output-thread -1 --lowlatency")
	options = append(options, "--avsync forcecfr --max-procfps 60 --log-level debug")

	// Video.
	codec := "h264"
	if profile.IsHEVC {
		codec = "hevc"
	}
	options = append(options, fmt.Sprintf("--codec %s --vbr %s --max-bitrate %s", codec, strings.TrimSuffix(profile.VideoBitrate, "K"), strings.TrimSuffix(profile.VideoBitrateMax, "K")))
	options = append(options, fmt.Sprintf("--dar 16:9 --gop-len %d --profile main --interlace tff", gop))
	switch t {
	case TypeQSVEncC, TypeNVEncC:
		options = append(options, "--vpp-deinterlace normal")
	case TypeVCEEncC, TypeRkmppenc:
		options = append(options, "--vpp-afs preset=default")
	}
	switch t {
	case TypeQSVEncC:
		options = append(options, "--quality balanced")
	case TypeNVEncC:
		options = append(options, "--preset default")
	case TypeVCEEncC:
		options = append(options, "--preset balanced")
	case TypeRkmppenc:
		options = append(options, "--preset best")
	}
	// 1440x1080 and 1920x1080 sources are both common, so 1080p leaves the
	// output resolution to the encoder.
	if quality != models.Quality1080p && quality != models.Quality1080p60 &&
		quality != models.Quality1080pHEVC && quality != models.Quality1080p60HEVC {
		options = append(options, fmt.Sprintf("--output-res %dx%d", profile.Width, profile.Height))
	}

	// Audio.
	options = append(options, fmt.Sprintf("--audio-codec aac --audio-bitrate %s --audio-samplerate 48000", strings.TrimSuffix(profile.AudioBitrate, "K")))
	options = append(options, "--audio-filter volume=2.0 --audio-ignore-decode-error 30")

	// Output encoded MPEG-TS to stdout.
	options = append(options, "--output-format mpegts")
	options = append(options, "--output -")

	return splitOptions(options)
}

// splitOptions flattens space-grouped option strings into one argv.
func splitOptions(grouped []string) []string {
	var argv []string
	for _, group := range grouped {
		argv = append(argv, strings.Split(group, " ")...)
	}
	return argv
}
