package encoder

import (
	"strings"

	"github.com/hibikitv/hibiki/internal/models"
)

// Progress is a startup-phase signal extracted from encoder stderr. Detail
// strings advance within Standby; ONAir marks the first produced frames.
type Progress struct {
	Detail string
	ONAir  bool
}

// Severity classifies a matched failure line.
type Severity int

// Failure severities. Fatal failures never restart the encoder; recoverable
// failures restart it within the retry budget.
const (
	SeverityFatal Severity = iota
	SeverityRecoverable
)

// Failure is an error signal extracted from encoder stderr.
type Failure struct {
	Severity Severity
	// Detail is the human-readable status detail set on the live stream.
	Detail string
	// Err is the core error this failure maps to.
	Err error
}

// progressRule maps a stderr substring to a startup progress signal.
type progressRule struct {
	substr   string
	progress Progress
}

// failureRule maps a stderr substring to a failure classification.
type failureRule struct {
	substr  string
	failure Failure
}

// LogMatcher classifies one encoder's stderr lines. Substring matching is
// inherently fragile across encoder versions, so the rules are data and the
// matcher is built per encoder type.
type LogMatcher struct {
	progress []progressRule
	failures []failureRule
}

// MatcherFor returns the log matcher for the given encoder type.
func MatcherFor(t Type) *LogMatcher {
	if t.IsHWEncC() {
		return hwEncCMatcher
	}
	return ffmpegMatcher
}

// MatchProgress matches a startup progress signal. Only meaningful while the
// stream is Standby; callers must ignore matches in other states.
func (m *LogMatcher) MatchProgress(line string) (Progress, bool) {
	for _, rule := range m.progress {
		if strings.Contains(line, rule.substr) {
			return rule.progress, true
		}
	}
	return Progress{}, false
}

// MatchFailure matches a failure classification.
func (m *LogMatcher) MatchFailure(line string) (Failure, bool) {
	for _, rule := range m.failures {
		if strings.Contains(line, rule.substr) {
			return rule.failure, true
		}
	}
	return Failure{}, false
}

var ffmpegMatcher = &LogMatcher{
	progress: []progressRule{
		{"libpostproc", Progress{Detail: "Opening the tuner..."}},
		{"arib parser was created", Progress{Detail: "Starting the encoder..."}},
		{"Invalid frame dimensions 0x0.", Progress{Detail: "Starting the encoder..."}},
		// The very first frame line appears before output begins flowing.
		{"frame=    1 fps=0.0 q=0.0", Progress{Detail: "Buffering..."}},
		{"frame=", Progress{ONAir: true}},
	},
	failures: []failureRule{
		// Stream mapping fails when the tuner delivered no usable stream,
		// which almost always means no tuner was actually free.
		{"Stream map '0:v:0' matches no streams.", Failure{
			Severity: SeverityFatal,
			Detail:   "Cannot start the live stream because no tuner is available.",
			Err:      models.ErrEncoderFatalLog,
		}},
		{"Conversion failed!", Failure{
			Severity: SeverityRecoverable,
			Detail:   "An unexpected error occurred while encoding. Restarting the live stream.",
			Err:      models.ErrEncoderFatalLog,
		}},
	},
}

var hwEncCMatcher = &LogMatcher{
	progress: []progressRule{
		{"input source set to stdin.", Progress{Detail: "Opening the tuner..."}},
		{`opened file "pipe:0"`, Progress{Detail: "Starting the encoder..."}},
		{"starting output thread...", Progress{Detail: "Buffering..."}},
		{"Encode Thread:", Progress{Detail: "Buffering..."}},
		{" frames: ", Progress{ONAir: true}},
	},
	failures: []failureRule{
		{"error finding stream information.", Failure{
			Severity: SeverityFatal,
			Detail:   "Cannot start the live stream because no tuner is available.",
			Err:      models.ErrEncoderFatalLog,
		}},
		// NVEncC when every NVENC session on the GPU is taken.
		{"due to the NVIDIA's driver limitation.", Failure{
			Severity: SeverityFatal,
			Detail:   "Cannot start the live stream because no NVENC encoding session is available.",
			Err:      models.ErrEncoderFatalLog,
		}},
		{"avqsv: codec h264(yuv420p) unable to decode by qsv.", Failure{
			Severity: SeverityFatal,
			Detail:   "Cannot start the live stream because this host does not support QSVEncC.",
			Err:      models.ErrEncoderUnsupported,
		}},
		{"CUDA not available.", Failure{
			Severity: SeverityFatal,
			Detail:   "Cannot start the live stream because this host does not support NVEncC.",
			Err:      models.ErrEncoderUnsupported,
		}},
		{"Failed to initalize VCE factory:", Failure{
			Severity: SeverityFatal,
			Detail:   "Cannot start the live stream because this host does not support VCEEncC.",
			Err:      models.ErrEncoderUnsupported,
		}},
		{"Failed to initialize encoder device.", Failure{
			Severity: SeverityFatal,
			Detail:   "Cannot start the live stream because this host does not support rkmppenc.",
			Err:      models.ErrEncoderUnsupported,
		}},
		// Input analysis did not finish inside --input-analyze/--input-probesize.
		{"Consider increasing the value for the --input-analyze and/or --input-probesize!", Failure{
			Severity: SeverityRecoverable,
			Detail:   "Failed to analyze the input stream. Restarting the live stream.",
			Err:      models.ErrEncoderFatalLog,
		}},
		{"finished with error!", Failure{
			Severity: SeverityRecoverable,
			Detail:   "An unexpected error occurred while encoding. Restarting the live stream.",
			Err:      models.ErrEncoderFatalLog,
		}},
	},
}
