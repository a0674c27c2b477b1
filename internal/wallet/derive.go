package wallet

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/sha3"
)

// ErrMalformedKey means the supplied public key could not be decoded
// into P-256 coordinates of the expected size.
var ErrMalformedKey = errors.New("malformed public key")

const coordSize = 32 // P-256 coordinate length in bytes

// coseKey is the COSE_Key shape WebAuthn hands back for an EC2
// credential public key. Labels are integers per RFC 9052.
type coseKey struct {
	Kty int    `cbor:"1,keyasint"`
	Alg int    `cbor:"3,keyasint,omitempty"`
	Crv int    `cbor:"-1,keyasint,omitempty"`
	X   []byte `cbor:"-2,keyasint,omitempty"`
	Y   []byte `cbor:"-3,keyasint,omitempty"`
}

// DeriveAddress maps a credential public key to its canonical account
// address: keccak256(x || y) truncated to the low 20 bytes, 0x-hex.
// The same key always yields the same address regardless of whether it
// arrives CBOR/COSE-encoded or as raw coordinates.
func DeriveAddress(pubKey []byte) (string, error) {
	x, y, err := parsePublicKey(pubKey)
	if err != nil {
		return "", err
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(x)
	h.Write(y)
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[12:]), nil
}

// DeriveAddressHex is DeriveAddress for hex-encoded input, with or
// without a 0x prefix.
func DeriveAddressHex(s string) (string, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", ErrMalformedKey
	}
	return DeriveAddress(raw)
}

// parsePublicKey normalizes the two source encodings into coordinates.
// COSE is tried first; anything that is not a decodable EC2 map falls
// through to the raw forms (x||y, or 0x04-prefixed uncompressed).
func parsePublicKey(raw []byte) ([]byte, []byte, error) {
	var k coseKey
	if err := cbor.Unmarshal(raw, &k); err == nil && k.Kty == 2 {
		if len(k.X) != coordSize || len(k.Y) != coordSize {
			return nil, nil, ErrMalformedKey
		}
		return k.X, k.Y, nil
	}

	switch len(raw) {
	case 2 * coordSize:
		return raw[:coordSize], raw[coordSize:], nil
	case 2*coordSize + 1:
		if raw[0] != 0x04 {
			return nil, nil, ErrMalformedKey
		}
		return raw[1 : 1+coordSize], raw[1+coordSize:], nil
	}
	return nil, nil, ErrMalformedKey
}
