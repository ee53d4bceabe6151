package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/R3E-Network/chat_layer/internal/address"
)

// Selector returns the 4-byte function selector of an ABI signature such as
// "getNickname(address)".
func Selector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

var getNicknameSelector = Selector("getNickname(address)")

// EncodeAddressCall packs selector followed by one address argument.
func EncodeAddressCall(selector []byte, addr string) (string, error) {
	if !address.Valid(addr) {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	raw, err := hex.DecodeString(address.Normalize(addr)[2:])
	if err != nil {
		return "", err
	}
	word := make([]byte, 32)
	copy(word[12:], raw)
	return "0x" + hex.EncodeToString(selector) + hex.EncodeToString(word), nil
}

// DecodeString decodes an ABI-encoded single dynamic string return value.
func DecodeString(data string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(data, "0x"))
	if err != nil {
		return "", fmt.Errorf("decode hex: %w", err)
	}
	if len(raw) == 0 {
		return "", nil
	}
	if len(raw) < 64 {
		return "", fmt.Errorf("return data too short: %d bytes", len(raw))
	}

	offset, ok := word(raw, 0)
	if !ok || offset+32 > uint64(len(raw)) {
		return "", fmt.Errorf("string offset out of range")
	}
	length, ok := word(raw, offset)
	if !ok || offset+32+length > uint64(len(raw)) {
		return "", fmt.Errorf("string length out of range")
	}
	start := offset + 32
	return string(raw[start : start+length]), nil
}

func word(raw []byte, at uint64) (uint64, bool) {
	if at+32 > uint64(len(raw)) {
		return 0, false
	}
	n := new(big.Int).SetBytes(raw[at : at+32])
	if !n.IsUint64() {
		return 0, false
	}
	return n.Uint64(), true
}

// ProfileRegistry reads nicknames from the profile registry contract.
type ProfileRegistry struct {
	client   *Client
	contract string
}

// NewProfileRegistry binds a registry at contract.
func NewProfileRegistry(client *Client, contract string) (*ProfileRegistry, error) {
	if !address.Valid(contract) {
		return nil, fmt.Errorf("invalid registry address %q", contract)
	}
	return &ProfileRegistry{client: client, contract: address.Normalize(contract)}, nil
}

// Nickname returns the registered nickname of addr, empty when unset.
func (r *ProfileRegistry) Nickname(ctx context.Context, addr string) (string, error) {
	data, err := EncodeAddressCall(getNicknameSelector, addr)
	if err != nil {
		return "", err
	}
	ret, err := r.client.EthCall(ctx, r.contract, data)
	if err != nil {
		return "", fmt.Errorf("getNickname: %w", err)
	}
	return DecodeString(ret)
}

// HasNickname reports whether addr has a non-blank nickname.
func (r *ProfileRegistry) HasNickname(ctx context.Context, addr string) (bool, error) {
	nick, err := r.Nickname(ctx, addr)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(nick) != "", nil
}
