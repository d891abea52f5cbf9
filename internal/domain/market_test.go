package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestMarket_RoundPrice(t *testing.T) {
	btc := Market{Name: "BTC", Index: 0, SzDecimals: 5}
	small := Market{Name: "kPEPE", Index: 1, SzDecimals: 0}
	spot := Market{Name: "PURR/USDC", Index: 10000, SzDecimals: 0, IsSpot: true}

	tests := []struct {
		name   string
		market Market
		px     string
		want   string
	}{
		{"integer price kept", btc, "87000", "87000"},
		{"integer price above five figures kept", btc, "123456", "123456"},
		{"five sig figs", btc, "87123.45", "87123"},
		{"max decimals bound", btc, "1.23456", "1.2"},
		{"small price sig figs", small, "0.0123456", "0.012346"},
		{"spot allows eight decimals", spot, "0.000123456", "0.00012346"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.market.RoundPrice(decimal.RequireFromString(tt.px))
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("RoundPrice(%s) = %s, want %s", tt.px, got, tt.want)
			}
		})
	}
}

func TestMarket_RoundPriceExplicitTick(t *testing.T) {
	m := Market{Name: "ETH", SzDecimals: 4, TickSize: decimal.RequireFromString("0.5")}

	got := m.RoundPrice(decimal.RequireFromString("3001.3"))
	if !got.Equal(decimal.RequireFromString("3001.5")) {
		t.Errorf("RoundPrice = %s, want 3001.5", got)
	}
	if m.IsOnTick(decimal.RequireFromString("3001.3")) {
		t.Error("3001.3 should be off tick")
	}
	if !m.IsOnTick(decimal.RequireFromString("3001")) {
		t.Error("3001 should be on tick")
	}
}

func TestMarket_RoundSize(t *testing.T) {
	m := Market{Name: "BTC", SzDecimals: 5}

	got := m.RoundSize(decimal.RequireFromString("0.0123456"))
	if !got.Equal(decimal.RequireFromString("0.01235")) {
		t.Errorf("RoundSize = %s, want 0.01235", got)
	}
}

func TestFindToken(t *testing.T) {
	tokens := []Token{
		{Name: "USDC", Index: 0, TokenID: "0x6d1e7cde53ba9467b783cb7c530ce054"},
		{Name: "PURR", Index: 1, TokenID: "0xc1fb593aeffbeb02f85e0308e9956a90"},
	}

	tests := []struct {
		name   string
		lookup string
		want   string
		found  bool
	}{
		{"by name", "PURR", "PURR:0xc1fb593aeffbeb02f85e0308e9956a90", true},
		{"case insensitive", "usdc", "USDC:0x6d1e7cde53ba9467b783cb7c530ce054", true},
		{"wire form", "PURR:0xc1fb593aeffbeb02f85e0308e9956a90", "PURR:0xc1fb593aeffbeb02f85e0308e9956a90", true},
		{"wire form with wrong id", "PURR:0x6d1e7cde53ba9467b783cb7c530ce054", "", false},
		{"unknown", "HYPE", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, ok := FindToken(tokens, tt.lookup)
			if ok != tt.found {
				t.Fatalf("FindToken(%q) found = %v, want %v", tt.lookup, ok, tt.found)
			}
			if ok && tok.Wire() != tt.want {
				t.Errorf("Wire() = %s, want %s", tok.Wire(), tt.want)
			}
		})
	}
}
