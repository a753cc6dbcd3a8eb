package clamd

import "strings"

const (
	replySizeExceeded = "INSTREAM size limit exceeded."
	replyOK           = "OK"
	replyFound        = "FOUND"
	replyPong         = "PONG"
)

// ParseScanResponse maps a raw INSTREAM reply to a Verdict.
//
// Anything not positively recognized as clean or size-exceeded is Infected,
// with the reply kept verbatim.
func ParseScanResponse(raw string) Verdict {
	if strings.HasPrefix(raw, replySizeExceeded) {
		return SizeExceeded{Raw: raw}
	}
	if strings.Contains(raw, replyOK) && !strings.Contains(raw, replyFound) {
		return Clean{}
	}
	return Infected{Raw: raw}
}

// ParseLivenessResponse reports whether a PING reply signals a live daemon.
func ParseLivenessResponse(raw string) bool {
	return strings.Contains(raw, replyPong)
}

// trimReply strips the NUL delimiter the daemon appends to replies of
// z-prefixed commands.
func trimReply(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}
