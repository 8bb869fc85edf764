package description

import "testing"

func TestNewCandidate(t *testing.T) {
	c := NewCandidate("candidate:1 1 UDP 2122317823 192.168.1.2 49152 typ host", "data")

	if c.Mid() != "data" {
		t.Errorf("Mid() = %q, want %q", c.Mid(), "data")
	}
	if c.Candidate() != "candidate:1 1 UDP 2122317823 192.168.1.2 49152 typ host" {
		t.Errorf("Candidate() = %q", c.Candidate())
	}
	if c.String() != "a=candidate:1 1 UDP 2122317823 192.168.1.2 49152 typ host" {
		t.Errorf("String() = %q", c.String())
	}
}

func TestNewCandidateStripsPrefix(t *testing.T) {
	c := NewCandidate("a=candidate:2 1 TCP 1 10.0.0.1 9 typ host tcptype active", "0")
	if c.Candidate() != "candidate:2 1 TCP 1 10.0.0.1 9 typ host tcptype active" {
		t.Errorf("Candidate() = %q, prefix not stripped", c.Candidate())
	}
}

func TestCandidateFromParse(t *testing.T) {
	d := Parse("v=0\r\n"+
		"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n"+
		"a=mid:d\r\n"+
		"a=candidate:1 1 UDP 1 10.0.0.1 5000 typ host\r\n", "offer")

	candidates := d.Candidates()
	if len(candidates) != 1 {
		t.Fatalf("Candidates() = %d, want 1", len(candidates))
	}
	if candidates[0].Mid() != "d" {
		t.Errorf("Mid() = %q, want %q", candidates[0].Mid(), "d")
	}
}
