package websocket

import "crypto/rand"

// applyMask XORs data in place with the 4-byte masking key, cycling the
// key every 4 bytes (RFC 6455 Section 5.3).
//
//	transformed-octet-i = original-octet-i XOR masking-key-octet-j
//	where j = i MOD 4
//
// Applying the same mask twice restores the original bytes, so this one
// function serves both masking (client send) and unmasking (server
// receive) paths.
func applyMask(data []byte, mask [4]byte) {
	for i := range data {
		data[i] ^= mask[i%4]
	}
}

// newMaskKey draws a fresh 4-byte masking key from a CSPRNG.
//
// RFC 6455 Section 5.3 requires the key be unpredictable: its purpose is
// to stop cache-poisoning attacks against misbehaving intermediaries, not
// to provide confidentiality, but a weak or fixed key defeats that
// purpose entirely. crypto/rand is used unconditionally; there is no
// fallback to a weaker source.
func newMaskKey() ([4]byte, error) {
	var key [4]byte
	_, err := rand.Read(key[:])
	return key, err
}
