package transport

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strconv"

	"golang.org/x/crypto/sha3"
)

// envelopeDigest hashes an envelope's correlation id, method,
// timestamp, and payload with SHA3-256 before signing, so the Ed25519
// signature covers a fixed-size digest rather than an arbitrarily
// large payload, and so a replayed envelope with a stale timestamp
// hashes differently from a fresh one.
func envelopeDigest(id, method string, timestamp int64, payload []byte) []byte {
	h := sha3.New256()
	h.Write([]byte(id))
	h.Write([]byte(method))
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write(payload)
	return h.Sum(nil)
}

func signEnvelope(priv ed25519.PrivateKey, id, method string, timestamp int64, payload []byte) string {
	sig := ed25519.Sign(priv, envelopeDigest(id, method, timestamp, payload))
	return hex.EncodeToString(sig)
}

func verifyEnvelope(pub ed25519.PublicKey, id, method string, timestamp int64, payload []byte, sigHex string) error {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(pub, envelopeDigest(id, method, timestamp, payload), sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
