package ledger

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

// The ledger's base58 alphabet; it differs from Bitcoin's ordering.
var ledgerAlphabet = base58.NewAlphabet("rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz")

const accountIDVersion = 0x00

// ValidateAddress decodes a classic address and verifies its version byte
// and double-SHA256 checksum.
func ValidateAddress(addr string) error {
	payload, err := decodeBase58Check(addr)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidAddress, addr, err)
	}
	if len(payload) != 21 || payload[0] != accountIDVersion {
		return fmt.Errorf("%w: %q is not an account id", ErrInvalidAddress, addr)
	}
	return nil
}

// decodeBase58Check returns version+payload with the checksum verified
func decodeBase58Check(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty")
	}
	out, err := base58.DecodeAlphabet(s, ledgerAlphabet)
	if err != nil {
		return nil, err
	}
	if len(out) < 5 {
		return nil, fmt.Errorf("too short")
	}
	body, sum := out[:len(out)-4], out[len(out)-4:]
	first := sha256.Sum256(body)
	second := sha256.Sum256(first[:])
	if !bytes.Equal(second[:4], sum) {
		return nil, fmt.Errorf("checksum mismatch")
	}
	return body, nil
}
