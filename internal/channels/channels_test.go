package channels

import (
	"errors"
	"testing"
)

func TestSelectPrefersPreferredChain(t *testing.T) {
	buyer := []Chain{ChainBase, ChainPolygon, ChainEthereum}
	seller := []Chain{ChainPolygon, ChainEthereum}

	ch, err := Select(buyer, seller, ChainEthereum)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if ch.Chain != ChainEthereum {
		t.Errorf("chain = %s, want ethereum (preferred)", ch.Chain)
	}
	if ch.Token != SettlementToken {
		t.Errorf("token = %s, want %s", ch.Token, SettlementToken)
	}
}

func TestSelectIgnoresPreferredOutsideIntersection(t *testing.T) {
	buyer := []Chain{ChainBase, ChainPolygon}
	seller := []Chain{ChainPolygon}

	// Buyer prefers base but seller doesn't support it.
	ch, err := Select(buyer, seller, ChainBase)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if ch.Chain != ChainPolygon {
		t.Errorf("chain = %s, want polygon", ch.Chain)
	}
}

func TestSelectAppliesPriorityOrder(t *testing.T) {
	buyer := []Chain{ChainOptimism, ChainEthereum, ChainPolygon}
	seller := []Chain{ChainPolygon, ChainOptimism, ChainEthereum}

	ch, err := Select(buyer, seller, "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	// polygon outranks ethereum and optimism in the fixed ordering.
	if ch.Chain != ChainPolygon {
		t.Errorf("chain = %s, want polygon", ch.Chain)
	}
}

func TestSelectEmptyIntersection(t *testing.T) {
	buyer := []Chain{ChainBase}
	seller := []Chain{ChainEthereum}

	if _, err := Select(buyer, seller, ""); !errors.Is(err, ErrNoCompatibleChain) {
		t.Errorf("err = %v, want ErrNoCompatibleChain", err)
	}
}

func TestSelectIgnoresUnknownChains(t *testing.T) {
	buyer := []Chain{"solana", ChainBase}
	seller := []Chain{"solana", ChainBase}

	ch, err := Select(buyer, seller, "solana")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if ch.Chain != ChainBase {
		t.Errorf("chain = %s, want base (unknown chains excluded)", ch.Chain)
	}
}

func TestSelectDeterministic(t *testing.T) {
	buyer := []Chain{ChainArbitrum, ChainEthereum, ChainBase}
	seller := []Chain{ChainBase, ChainArbitrum, ChainEthereum}

	first, err := Select(buyer, seller, "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	for i := 0; i < 50; i++ {
		ch, err := Select(buyer, seller, "")
		if err != nil {
			t.Fatalf("Select failed on iteration %d: %v", i, err)
		}
		if ch != first {
			t.Fatalf("selection changed between runs: %v vs %v", ch, first)
		}
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("  Base ") != ChainBase {
		t.Error("Normalize did not canonicalize case and whitespace")
	}
	if IsSupported(Normalize("solana")) {
		t.Error("unknown chain reported as supported")
	}
}
