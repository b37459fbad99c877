// Package channels picks the settlement network used to move value
// between a buyer and a seller wallet.
//
// Selection is deterministic: the intersection of both parties'
// supported chains, the buyer's preference if it is in the intersection,
// otherwise a fixed priority ordering.
package channels

import (
	"errors"
	"strings"
)

var ErrNoCompatibleChain = errors.New("no compatible settlement chain")

// Chain identifies a settlement network.
type Chain string

const (
	ChainBase     Chain = "base"
	ChainPolygon  Chain = "polygon"
	ChainEthereum Chain = "ethereum"
	ChainArbitrum Chain = "arbitrum"
	ChainOptimism Chain = "optimism"
)

// priority is the fixed fallback ordering when no preference applies.
// Ordered by settlement cost.
var priority = []Chain{ChainBase, ChainPolygon, ChainEthereum, ChainArbitrum, ChainOptimism}

// SettlementToken is the stablecoin used on every supported chain.
const SettlementToken = "USDC"

// Channel is a resolved settlement path.
type Channel struct {
	Chain Chain  `json:"chain"`
	Token string `json:"token"`
}

// Normalize maps a user-supplied chain name to its canonical form.
// Unknown names are returned lowercased, so they simply never match.
func Normalize(s string) Chain {
	return Chain(strings.ToLower(strings.TrimSpace(s)))
}

// IsSupported reports whether the chain is one the platform settles on.
func IsSupported(c Chain) bool {
	for _, p := range priority {
		if p == c {
			return true
		}
	}
	return false
}

// Select picks a mutually supported chain. preferred may be empty.
func Select(buyerChains, sellerChains []Chain, preferred Chain) (Channel, error) {
	common := intersect(buyerChains, sellerChains)
	if len(common) == 0 {
		return Channel{}, ErrNoCompatibleChain
	}

	if preferred != "" {
		if _, ok := common[preferred]; ok {
			return Channel{Chain: preferred, Token: SettlementToken}, nil
		}
	}

	for _, c := range priority {
		if _, ok := common[c]; ok {
			return Channel{Chain: c, Token: SettlementToken}, nil
		}
	}
	return Channel{}, ErrNoCompatibleChain
}

// intersect returns the supported chains present in both lists.
func intersect(a, b []Chain) map[Chain]struct{} {
	inA := make(map[Chain]struct{}, len(a))
	for _, c := range a {
		if IsSupported(c) {
			inA[c] = struct{}{}
		}
	}

	common := make(map[Chain]struct{})
	for _, c := range b {
		if _, ok := inA[c]; ok {
			common[c] = struct{}{}
		}
	}
	return common
}
