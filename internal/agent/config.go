package agent

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Exit codes reported to the host at attach. Scripts key off these;
// the values are frozen.
const (
	ExitOK                   = 0
	ExitBadOptions           = 1
	ExitOutputFailed         = 2
	ExitReflectInstallFailed = 3
	ExitNativeInstallFailed  = 4
)

// DefaultOutputTemplate is used when the agent is attached with no
// options at all.
const DefaultOutputTemplate = "tracewatch_trace-pid{pid}-{datetime}.json"

// datetimeLayout renders {datetime} as yyyyMMdd'T'HHmmss'Z' in UTC.
const datetimeLayout = "20060102T150405Z"

// Config holds resolved startup options. The Set flags record whether
// a key appeared at all: tracing is disabled only when trace-output was
// never given, and a key with an empty value is carried through so the
// open or load attempt fails loudly instead of the request being
// silently ignored.
type Config struct {
	TraceOutput    string
	PolicyPath     string
	TraceOutputSet bool
	PolicyPathSet  bool
}

// ParseOptions parses the comma-separated attach option string.
// Recognized keys: trace-output (output path template) and
// restrict-jni (access-declaration document path). An empty string
// selects the default output template; any unrecognized or malformed
// token is a hard failure.
func ParseOptions(options string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(options) == "" {
		cfg.TraceOutput = DefaultOutputTemplate
		cfg.TraceOutputSet = true
		return cfg, nil
	}
	for _, token := range strings.Split(options, ",") {
		switch {
		case strings.HasPrefix(token, "trace-output="):
			cfg.TraceOutput = strings.TrimPrefix(token, "trace-output=")
			cfg.TraceOutputSet = true
		case strings.HasPrefix(token, "restrict-jni="):
			cfg.PolicyPath = strings.TrimPrefix(token, "restrict-jni=")
			cfg.PolicyPathSet = true
		default:
			return nil, fmt.Errorf("agent: unsupported option: %q", token)
		}
	}
	return cfg, nil
}

// TransformPath resolves the {pid} and {datetime} placeholders in an
// output path template. Resolution happens exactly once, at attach.
func TransformPath(template string, pid int, now time.Time) string {
	result := template
	if strings.Contains(result, "{pid}") {
		result = strings.ReplaceAll(result, "{pid}", strconv.Itoa(pid))
	}
	if strings.Contains(result, "{datetime}") {
		result = strings.ReplaceAll(result, "{datetime}", now.UTC().Format(datetimeLayout))
	}
	return result
}
