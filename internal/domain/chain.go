package domain

import (
	"fmt"
	"strings"
)

// Chain selects the exchange deployment an action is bound to.
type Chain uint8

const (
	Mainnet Chain = iota + 1
	Testnet
)

// String returns the hyperliquidChain value used in user-signed actions.
func (c Chain) String() string {
	switch c {
	case Mainnet:
		return "Mainnet"
	case Testnet:
		return "Testnet"
	default:
		return fmt.Sprintf("Chain(%d)", uint8(c))
	}
}

// Source is the phantom agent source letter for L1 actions.
func (c Chain) Source() string {
	if c == Mainnet {
		return "a"
	}
	return "b"
}

// Valid reports whether c is a known deployment.
func (c Chain) Valid() bool {
	return c == Mainnet || c == Testnet
}

// ParseChain accepts "mainnet" or "testnet" in any case.
func ParseChain(s string) (Chain, error) {
	switch strings.ToLower(s) {
	case "mainnet":
		return Mainnet, nil
	case "testnet":
		return Testnet, nil
	}
	return 0, fmt.Errorf("unknown chain %q", s)
}
