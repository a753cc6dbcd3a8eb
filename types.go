package clamd

import (
	"fmt"
	"strings"
)

// Verdict is the outcome of a scan. It is one of Clean, Infected or SizeExceeded.
//
// Callers are expected to switch over the concrete type and fail on anything
// else:
//
//	switch v := verdict.(type) {
//	case clamd.Clean:
//	case clamd.Infected:
//	case clamd.SizeExceeded:
//	default:
//	    return fmt.Errorf("unhandled verdict %T", v)
//	}
type Verdict interface {
	verdict()
	String() string
}

// Clean is the verdict for content the daemon reported as OK.
type Clean struct{}

// Infected is the verdict for content the daemon flagged, or for any reply that
// could not be recognized as clean. Raw holds the daemon reply verbatim.
type Infected struct {
	Raw string
}

// SizeExceeded is the verdict for content larger than the daemon's StreamMaxLength.
type SizeExceeded struct {
	Raw string
}

func (Clean) verdict()        {}
func (Infected) verdict()     {}
func (SizeExceeded) verdict() {}

func (Clean) String() string          { return "Clean" }
func (v Infected) String() string     { return fmt.Sprintf("Infected(%q)", v.Raw) }
func (v SizeExceeded) String() string { return fmt.Sprintf("SizeExceeded(%q)", v.Raw) }

// Signature returns the signature name from a "<stream>: <name> FOUND" reply,
// or "" when the reply has no such line.
func (v Infected) Signature() string {
	for _, line := range strings.Split(v.Raw, "\n") {
		line = strings.TrimSpace(strings.TrimRight(line, "\x00"))
		name, ok := strings.CutSuffix(line, " FOUND")
		if !ok {
			continue
		}
		if i := strings.LastIndex(name, ": "); i >= 0 {
			name = name[i+2:]
		}
		return strings.TrimSpace(name)
	}
	return ""
}

// Result statuses, matching the vocabulary of the daemon.
const (
	StatusClean        = "OK"
	StatusInfected     = "FOUND"
	StatusSizeExceeded = "SIZE_EXCEEDED"
)

// Result is the serializable form of a Verdict.
type Result struct {
	// Status is "OK" (clean), "FOUND" (infected) or "SIZE_EXCEEDED".
	Status string `json:"status"`
	// Message is the raw daemon reply, empty when clean.
	Message string `json:"message"`
	// Signature is the detected signature name when infected.
	Signature string `json:"signature,omitempty"`
}

// IsInfected returns true if the scan found a virus.
func (r *Result) IsInfected() bool {
	return r.Status == StatusInfected
}

// IsClean returns true if the content is clean.
func (r *Result) IsClean() bool {
	return r.Status == StatusClean
}

// ResultOf converts a Verdict to a Result. It fails for nil or unknown
// verdicts rather than reporting them as clean.
func ResultOf(v Verdict) (*Result, error) {
	switch v := v.(type) {
	case Clean:
		return &Result{Status: StatusClean}, nil
	case Infected:
		return &Result{Status: StatusInfected, Message: v.Raw, Signature: v.Signature()}, nil
	case SizeExceeded:
		return &Result{Status: StatusSizeExceeded, Message: v.Raw}, nil
	default:
		return nil, fmt.Errorf("clamd: unhandled verdict %T", v)
	}
}
