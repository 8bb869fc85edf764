// Package description implements the Session Description Protocol model
// used to negotiate a peer session: parsing, normalization, incremental
// construction, and emission of signaling descriptions with session-level
// parameters, ordered media sections, a data-channel section, and trickle
// ICE candidates.
//
// Grammar and attribute semantics follow RFC 4566 together with the
// mmusic sdp-bundle-negotiation and msid drafts. Malformed lines are
// skipped with a warning rather than failing the whole parse.
package description

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pion/logging"
	"github.com/pion/randutil"
)

// Negotiation defaults for the data-channel section.
const (
	// DefaultSCTPPort is the SCTP port used when none is negotiated.
	DefaultSCTPPort uint16 = 5000

	// DefaultMaxMessageSize is the maximum message size assumed when the
	// peer does not announce one.
	DefaultMaxMessageSize = 65536
)

var log = logging.NewDefaultLoggerFactory().NewLogger("description")

// Media is a non-application media section. Attribute lines other than
// the ones this package interprets are retained verbatim, without their
// "a=" prefix.
type Media struct {
	Type        string // m-line type, e.g. "audio" or "video"
	Description string // m-line remainder after the port
	Mid         string
	Attributes  []string
}

// newMedia splits an m-line payload of the form
// "<type> <port> <description>".
func newMedia(mline string) *Media {
	m := &Media{}
	p := strings.IndexByte(mline, ' ')
	if p < 0 {
		m.Type = mline
		return m
	}
	m.Type = mline[:p]
	if q := strings.IndexByte(mline[p+1:], ' '); q >= 0 {
		m.Description = mline[p+1+q+1:]
	}
	return m
}

// dataSection carries the data-channel media parameters.
type dataSection struct {
	mid            string
	sctpPort       *uint16
	maxMessageSize *int
}

// Description is a session description. It is built either by parsing
// SDP text or incrementally through the setters, and is treated as
// immutable after handoff to the peer logic, except that candidates may
// be appended until EndCandidates.
type Description struct {
	typ  Type
	role Role

	sessionID string
	iceUfrag  string
	icePwd    string

	fingerprint string // uppercase hex, empty when unset

	data       dataSection
	media      map[int]Media // keyed by m-line index
	candidates []Candidate
	ended      bool
}

// New creates an empty description with a fresh session id and the data
// mid defaulted to "data".
func New(t Type, role Role) *Description {
	d := &Description{
		role:      role,
		sessionID: strconv.FormatUint(uint64(randutil.NewMathRandomGenerator().Uint32()), 10),
		media:     make(map[int]Media),
	}
	d.data.mid = "data"
	d.HintType(t)
	return d
}

// Parse builds a description from SDP text and a type string ("offer",
// "answer", or empty). Unrecognized attributes of a media section are
// retained verbatim; other unrecognized lines are ignored. Malformed
// lines and attribute values are skipped with a warning.
func Parse(sdp, typeString string) *Description {
	return ParseTyped(sdp, TypeFromString(typeString), RoleActPass)
}

// ParseTyped builds a description from SDP text with an explicit type
// and initial role.
func ParseTyped(sdp string, t Type, role Role) *Description {
	d := New(t, role)
	d.parse(sdp)
	return d
}

func (d *Description) parse(sdp string) {
	var current *Media
	mlineIndex := 0

	flush := func() {
		if current == nil {
			return
		}
		if current.Mid == "" {
			// An m-line without a mid cannot participate in bundling.
			// Synthesize one from the index so the section survives and
			// the index map stays dense.
			current.Mid = strconv.Itoa(mlineIndex)
			log.Warnf("m-line %d has no mid, using %q", mlineIndex, current.Mid)
		}
		if current.Type == "application" {
			d.data.mid = current.Mid
		} else {
			d.media[mlineIndex] = *current
		}
		mlineIndex++
		current = nil
	}

	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimRight(line, " \t\r")

		switch {
		case strings.HasPrefix(line, "m="):
			flush()
			current = newMedia(line[2:])

		case strings.HasPrefix(line, "a="):
			attr := line[2:]
			key, value, _ := strings.Cut(attr, ":")

			switch key {
			case "mid":
				if current != nil {
					current.Mid = value
				}
			case "setup":
				d.role = RoleFromString(value)
			case "fingerprint":
				if hex, ok := cutPrefixFold(value, "sha-256 "); ok {
					d.fingerprint = strings.ToUpper(hex)
				} else {
					log.Warnf("unknown fingerprint type: %s", value)
				}
			case "ice-ufrag":
				d.iceUfrag = value
			case "ice-pwd":
				d.icePwd = value
			case "sctp-port":
				if port, err := strconv.ParseUint(value, 10, 16); err == nil {
					p := uint16(port)
					d.data.sctpPort = &p
				} else {
					log.Warnf("invalid sctp-port value %q", value)
				}
			case "max-message-size":
				if size, err := strconv.Atoi(value); err == nil && size >= 0 {
					d.data.maxMessageSize = &size
				} else {
					log.Warnf("invalid max-message-size value %q", value)
				}
			case "candidate":
				mid := d.data.mid
				if current != nil {
					mid = current.Mid
				}
				d.candidates = append(d.candidates, NewCandidate(attr, mid))
			case "end-of-candidates":
				d.ended = true
			default:
				if current != nil {
					current.Attributes = append(current.Attributes, attr)
				}
			}

		case line != "" && (len(line) < 2 || line[1] != '='):
			log.Warnf("skipping malformed line %q", line)
		}
	}
	flush()
}

// cutPrefixFold is strings.CutPrefix with ASCII case folding.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// Type returns the description type.
func (d *Description) Type() Type { return d.typ }

// TypeString returns the type as its SDP string.
func (d *Description) TypeString() string { return d.typ.String() }

// Role returns the DTLS setup role.
func (d *Description) Role() Role { return d.role }

// RoleString returns the role as its a=setup value.
func (d *Description) RoleString() string { return d.role.String() }

// SessionID returns the decimal session identifier of the o-line.
func (d *Description) SessionID() string { return d.sessionID }

// ICEUfrag returns the ICE username fragment.
func (d *Description) ICEUfrag() string { return d.iceUfrag }

// ICEPwd returns the ICE password.
func (d *Description) ICEPwd() string { return d.icePwd }

// DataMid returns the mid of the data-channel section.
func (d *Description) DataMid() string { return d.data.mid }

// BundleMid returns the mid identifying the bundle transport: the first
// media section's mid when media is present, the data mid otherwise.
func (d *Description) BundleMid() string {
	if m, ok := d.media[0]; ok {
		return m.Mid
	}
	return d.data.mid
}

// Fingerprint returns the certificate fingerprint, uppercase hex.
func (d *Description) Fingerprint() (string, bool) {
	return d.fingerprint, d.fingerprint != ""
}

// SCTPPort returns the negotiated SCTP port.
func (d *Description) SCTPPort() (uint16, bool) {
	if d.data.sctpPort == nil {
		return 0, false
	}
	return *d.data.sctpPort, true
}

// MaxMessageSize returns the announced maximum message size.
func (d *Description) MaxMessageSize() (int, bool) {
	if d.data.maxMessageSize == nil {
		return 0, false
	}
	return *d.data.maxMessageSize, true
}

// Ended reports whether end-of-candidates was seen or set.
func (d *Description) Ended() bool { return d.ended }

// HasMedia reports whether any non-application media section is present.
func (d *Description) HasMedia() bool { return len(d.media) > 0 }

// MediaCount returns the number of non-application media sections.
func (d *Description) MediaCount() int { return len(d.media) }

// Media returns the media section at the given m-line index.
func (d *Description) Media(index int) (Media, bool) {
	m, ok := d.media[index]
	return m, ok
}

// Candidates returns the candidates in insertion order.
func (d *Description) Candidates() []Candidate { return d.candidates }

// HintType assigns the type if it is still unspecified. Assigning
// TypeAnswer while the role is actpass coerces the role to passive,
// since actpass is illegal in an answer (RFC 5763).
func (d *Description) HintType(t Type) {
	if d.typ != TypeUnspec {
		return
	}
	d.typ = t
	if d.typ == TypeAnswer && d.role == RoleActPass {
		d.role = RolePassive
	}
}

// SetDataMid overrides the data-channel mid.
func (d *Description) SetDataMid(mid string) { d.data.mid = mid }

// SetFingerprint stores the certificate fingerprint, normalized to
// uppercase.
func (d *Description) SetFingerprint(fingerprint string) {
	d.fingerprint = strings.ToUpper(fingerprint)
}

// SetICEAttributes stores the ICE credentials.
func (d *Description) SetICEAttributes(ufrag, pwd string) {
	d.iceUfrag = ufrag
	d.icePwd = pwd
}

// SetSCTPPort sets the data section's SCTP port.
func (d *Description) SetSCTPPort(port uint16) {
	d.data.sctpPort = &port
}

// SetMaxMessageSize sets the data section's maximum message size.
func (d *Description) SetMaxMessageSize(size int) {
	d.data.maxMessageSize = &size
}

// AddCandidate appends a trickle candidate.
func (d *Description) AddCandidate(c Candidate) {
	d.candidates = append(d.candidates, c)
}

// EndCandidates marks the candidate exchange as finished.
func (d *Description) EndCandidates() { d.ended = true }

// ExtractCandidates drains the candidate list and clears the ended flag.
func (d *Description) ExtractCandidates() []Candidate {
	out := d.candidates
	d.candidates = nil
	d.ended = false
	return out
}

// AddMedia copies the media sections of another description.
func (d *Description) AddMedia(source *Description) {
	for index, m := range source.media {
		d.media[index] = m
	}
}

// mediaIndices returns the occupied m-line indices in order.
func (d *Description) mediaIndices() []int {
	indices := make([]int, 0, len(d.media))
	for i := range d.media {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

// String renders the description with CRLF line endings.
func (d *Description) String() string { return d.GenerateSDP("\r\n") }

// GenerateSDP renders the full description with the given end-of-line.
func (d *Description) GenerateSDP(eol string) string {
	var sb strings.Builder
	line := func(parts ...string) {
		for _, p := range parts {
			sb.WriteString(p)
		}
		sb.WriteString(eol)
	}

	line("v=0")
	line("o=- ", d.sessionID, " 0 IN IP4 127.0.0.1")
	line("s=-")
	line("t=0 0")

	// The bundle group walks the m-line indices; every index not
	// occupied by a media section belongs to the data section.
	sb.WriteString("a=group:BUNDLE")
	for i := 0; i <= len(d.media); i++ {
		sb.WriteByte(' ')
		if m, ok := d.media[i]; ok {
			sb.WriteString(m.Mid)
		} else {
			sb.WriteString(d.data.mid)
		}
	}
	sb.WriteString(eol)

	// Lip-sync group over the non-data media.
	if len(d.media) > 0 {
		sb.WriteString("a=group:LS")
		for _, i := range d.mediaIndices() {
			sb.WriteByte(' ')
			sb.WriteString(d.media[i].Mid)
		}
		sb.WriteString(eol)
	}

	line("a=msid-semantic:WMS *")
	line("a=setup:", d.role.String())
	line("a=ice-ufrag:", d.iceUfrag)
	line("a=ice-pwd:", d.icePwd)

	if !d.ended {
		line("a=ice-options:trickle")
	}
	if d.fingerprint != "" {
		line("a=fingerprint:sha-256 ", d.fingerprint)
	}

	for i := 0; i <= len(d.media); i++ {
		if m, ok := d.media[i]; ok {
			line("m=", m.Type, " 0 ", m.Description)
			line("c=IN IP4 0.0.0.0")
			line("a=bundle-only")
			line("a=mid:", m.Mid)
			for _, attr := range m.Attributes {
				line("a=", attr)
			}
		} else {
			port := "9"
			if len(d.media) > 0 {
				port = "0"
			}
			line("m=application ", port, " UDP/DTLS/SCTP webrtc-datachannel")
			line("c=IN IP4 0.0.0.0")
			if len(d.media) > 0 {
				line("a=bundle-only")
			}
			line("a=mid:", d.data.mid)
			line("a=sendrecv")
			if d.data.sctpPort != nil {
				line("a=sctp-port:", strconv.FormatUint(uint64(*d.data.sctpPort), 10))
			}
			if d.data.maxMessageSize != nil {
				line("a=max-message-size:", strconv.Itoa(*d.data.maxMessageSize))
			}
		}
	}

	for _, c := range d.candidates {
		line(c.String())
	}
	if d.ended {
		line("a=end-of-candidates")
	}

	return sb.String()
}

// GenerateDataSDP renders a data-only description for exchanges that
// negotiate nothing but the data section.
func (d *Description) GenerateDataSDP(eol string) string {
	var sb strings.Builder
	line := func(parts ...string) {
		for _, p := range parts {
			sb.WriteString(p)
		}
		sb.WriteString(eol)
	}

	line("v=0")
	line("o=- ", d.sessionID, " 0 IN IP4 127.0.0.1")
	line("s=-")
	line("t=0 0")

	line("m=application 9 UDP/DTLS/SCTP webrtc-datachannel")
	line("c=IN IP4 0.0.0.0")
	line("a=mid:", d.data.mid)
	line("a=sendrecv")
	if d.data.sctpPort != nil {
		line("a=sctp-port:", strconv.FormatUint(uint64(*d.data.sctpPort), 10))
	}
	if d.data.maxMessageSize != nil {
		line("a=max-message-size:", strconv.Itoa(*d.data.maxMessageSize))
	}

	line("a=setup:", d.role.String())
	line("a=ice-ufrag:", d.iceUfrag)
	line("a=ice-pwd:", d.icePwd)

	if !d.ended {
		line("a=ice-options:trickle")
	}
	if d.fingerprint != "" {
		line("a=fingerprint:sha-256 ", d.fingerprint)
	}

	for _, c := range d.candidates {
		line(c.String())
	}
	if d.ended {
		line("a=end-of-candidates")
	}

	return sb.String()
}
