package approval

import "testing"

func TestFingerprintDeterministic(t *testing.T) {
	req := Request{
		Command:       "rm -rf /tmp/x",
		Cwd:           "/home/agent",
		Host:          "build-1",
		SecurityLevel: "allowlist",
		AskReason:     "not on allowlist",
		AgentID:       "agent-7",
		SessionKey:    "sess-1",
	}
	rq := Requester{ClientID: "cli-1", DeviceID: "dev-1"}

	a := Fingerprint(req, rq)
	b := Fingerprint(req, rq)
	if a != b {
		t.Fatalf("identical inputs produced different fingerprints: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected sha256 hex digest, got %d chars", len(a))
	}
}

func TestFingerprintSeparatesCommands(t *testing.T) {
	rq := Requester{ClientID: "cli-1"}
	a := Fingerprint(Request{Command: "ls /tmp"}, rq)
	b := Fingerprint(Request{Command: "rm /tmp"}, rq)
	if a == b {
		t.Fatal("different commands must not collide")
	}
}

func TestFingerprintSeparatesRequesters(t *testing.T) {
	req := Request{Command: "ls", Cwd: "/tmp"}
	a := Fingerprint(req, Requester{ClientID: "cli-1", DeviceID: "dev-1"})
	b := Fingerprint(req, Requester{ClientID: "cli-2", DeviceID: "dev-1"})
	c := Fingerprint(req, Requester{ClientID: "cli-1", DeviceID: "dev-2"})
	if a == b || a == c {
		t.Fatal("requester identity must participate in the fingerprint")
	}
}

// Risk-classification metadata participates: the same command asked
// under a different security level or reason is a different prompt.
func TestFingerprintIncludesRiskFields(t *testing.T) {
	rq := Requester{ClientID: "cli-1"}
	base := Request{Command: "curl example.com", Cwd: "/tmp"}

	lvl := base
	lvl.SecurityLevel = "full"
	if Fingerprint(base, rq) == Fingerprint(lvl, rq) {
		t.Fatal("security level must participate in the fingerprint")
	}

	reason := base
	reason.AskReason = "always ask"
	if Fingerprint(base, rq) == Fingerprint(reason, rq) {
		t.Fatal("ask reason must participate in the fingerprint")
	}
}

// A value containing separator bytes must not forge the adjacent
// field: shifting "\ncwd=..." between command and cwd builds two
// different requests that must hash differently.
func TestFingerprintSeparatorInjection(t *testing.T) {
	rq := Requester{ClientID: "cli-1"}

	a := Fingerprint(Request{Command: "x\ncwd=y"}, rq)
	b := Fingerprint(Request{Command: "x", Cwd: "y\ncwd="}, rq)
	if a == b {
		t.Fatal("newline-bearing values must not collide across fields")
	}

	c := Fingerprint(Request{Command: "x", Cwd: "y"}, rq)
	d := Fingerprint(Request{Command: "x\ncwd=1:y"}, rq)
	if c == d {
		t.Fatal("a command embedding an encoded cwd line must stay distinct")
	}
}

func TestFingerprintCollidesOnRetry(t *testing.T) {
	rq := Requester{ClientID: "cli-1", DeviceID: "dev-1"}
	req := Request{Command: "make deploy", Cwd: "/srv/app", Host: "prod-1", AgentID: "agent-7"}

	// A retry builds an equal request value; it must dedup.
	retry := Request{Command: "make deploy", Cwd: "/srv/app", Host: "prod-1", AgentID: "agent-7"}
	if Fingerprint(req, rq) != Fingerprint(retry, rq) {
		t.Fatal("identical resubmission must collide")
	}
}
