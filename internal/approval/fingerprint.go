package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Fingerprint computes a stable content hash for dedup. Two identical
// resubmissions (an agent retrying the same risky action) collide;
// different commands, different requesters, or the same command asked
// under a different security level or reason do not.
//
// Fields are folded in a fixed key order with length-prefixed values,
// so neither construction order nor value content can matter: a value
// containing separator bytes cannot forge an adjacent field. Requester
// identity always participates.
func Fingerprint(req Request, rq Requester) string {
	var b strings.Builder
	writeField(&b, "command", req.Command)
	writeField(&b, "cwd", req.Cwd)
	writeField(&b, "host", req.Host)
	writeField(&b, "security_level", req.SecurityLevel)
	writeField(&b, "ask_reason", req.AskReason)
	writeField(&b, "agent_id", req.AgentID)
	writeField(&b, "session_key", req.SessionKey)
	writeField(&b, "client_id", rq.ClientID)
	writeField(&b, "device_id", rq.DeviceID)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeField(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(strconv.Itoa(len(value)))
	b.WriteByte(':')
	b.WriteString(value)
	b.WriteByte('\n')
}
