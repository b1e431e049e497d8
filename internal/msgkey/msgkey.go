// Package msgkey computes message identity keys. Two copies of the same message
// arriving through different paths (live socket, history sync, outbox) must map
// to the same key so that storage can insert them only once.
package msgkey

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"
)

// FingerprintPrefix marks keys derived from message content.
const FingerprintPrefix = "fp:"

// For returns the identity key of a message: the network id when known,
// otherwise a fingerprint of direction, normalized body and timestamp.
func For(networkID, direction, body string, timestampMs int64) string {
	if id := strings.TrimSpace(networkID); id != "" {
		return id
	}
	return Fingerprint(direction, body, timestampMs)
}

// Fingerprint hashes direction, normalized body and the timestamp rounded
// down to the second.
func Fingerprint(direction, body string, timestampMs int64) string {
	h := sha1.New()
	h.Write([]byte(direction))
	h.Write([]byte{'|'})
	h.Write([]byte(NormalizeBody(body)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(timestampMs/1000, 10)))
	return FingerprintPrefix + hex.EncodeToString(h.Sum(nil))
}

// NormalizeBody collapses whitespace runs and trims the body.
func NormalizeBody(body string) string {
	return strings.Join(strings.Fields(body), " ")
}
