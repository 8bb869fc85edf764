package description

import "strings"

// Candidate is a trickle ICE candidate tied to a media identifier.
// The payload is kept verbatim; this package only transports it between
// the signaling text and the ICE layer.
type Candidate struct {
	raw string // "candidate:..." without the "a=" prefix
	mid string
}

// NewCandidate creates a candidate from an attribute payload and the mid
// of the section it belongs to. A leading "a=" prefix is accepted and
// stripped.
func NewCandidate(raw, mid string) Candidate {
	raw = strings.TrimPrefix(raw, "a=")
	return Candidate{raw: raw, mid: mid}
}

// Mid returns the media identifier the candidate is tied to.
func (c Candidate) Mid() string { return c.mid }

// Candidate returns the attribute payload, "candidate:..." form.
func (c Candidate) Candidate() string { return c.raw }

// String renders the full SDP attribute line.
func (c Candidate) String() string { return "a=" + c.raw }
