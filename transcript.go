package sshhoneypot

import (
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"strings"
)

type LineKind int

const (
	LineMalformed LineKind = iota
	LineComment
	LineCommand
	LineDisconnect
)

const TRANSCRIPT_PREFIX string = "session_"
const TRANSCRIPT_COMMENT string = "//"

// TranscriptLine is one parsed line of a shell transcript file.
type TranscriptLine struct {
	Kind      LineKind
	Timestamp string
	IP        string
	Command   string
	Raw       string
}

var disconnectIPPattern = regexp.MustCompile(`(?i)User\s+(?:with\s+IP\s+)?([0-9A-Fa-f:.]+[0-9A-Fa-f])`)

// ParseTranscriptLine classifies a line written by the session shell.
// Command lines are "timestamp,ip,command" where the command may itself
// contain commas. Any line mentioning "disconnected" is a disconnect
// marker; its ip comes from a "User <ip>" mention or else fallbackIP.
func ParseTranscriptLine(line string, fallbackIP string) TranscriptLine {
	line = strings.TrimRight(line, "\r\n")
	parsed := TranscriptLine{Kind: LineMalformed, Raw: line}
	trimmed := strings.TrimSpace(line)

	if strings.HasPrefix(trimmed, TRANSCRIPT_COMMENT) {
		parsed.Kind = LineComment
		return parsed
	}
	if strings.Contains(strings.ToLower(trimmed), "disconnected") {
		parsed.Kind = LineDisconnect
		parsed.IP = fallbackIP
		if match := disconnectIPPattern.FindStringSubmatch(trimmed); match != nil && net.ParseIP(match[1]) != nil {
			parsed.IP = match[1]
		}
		return parsed
	}

	fields := strings.Split(trimmed, ",")
	if len(fields) < 3 {
		return parsed
	}
	parsed.Timestamp = strings.TrimSpace(fields[0])
	parsed.IP = strings.TrimSpace(fields[1])
	parsed.Command = strings.TrimSpace(strings.Join(fields[2:], ","))
	if parsed.Timestamp == "" || parsed.IP == "" || parsed.Command == "" {
		return TranscriptLine{Kind: LineMalformed, Raw: line}
	}
	parsed.Kind = LineCommand
	return parsed
}

// LiveText is the human readable form pushed to dashboard clients.
func (line TranscriptLine) LiveText() string {
	switch line.Kind {
	case LineCommand:
		return fmt.Sprintf("[%s] %s $ %s", line.Timestamp, line.IP, line.Command)
	case LineDisconnect:
		return strings.TrimSpace(line.Raw)
	}
	return ""
}

// ipFromTranscriptName extracts the address from a file named
// session_<ip>_<date>_<time>.txt. It returns "" for any other name.
func ipFromTranscriptName(path string) string {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, TRANSCRIPT_PREFIX) {
		return ""
	}
	rest := strings.TrimPrefix(name, TRANSCRIPT_PREFIX)
	ip, _, found := strings.Cut(rest, "_")
	if !found || net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
