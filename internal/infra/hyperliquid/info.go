package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/infinitefield/hypersdk/internal/action"
	"github.com/infinitefield/hypersdk/internal/domain"
)

// spotIndexOffset is added to a spot pair index to form its asset id.
const spotIndexOffset = 10000

// MultiSigConfig is the on-chain signer set of a multi-sig account.
type MultiSigConfig struct {
	AuthorizedUsers []common.Address
	Threshold       int
}

// MultiSigConfig returns the signer set of user, or nil if user is not a
// multi-sig account.
func (c *Client) MultiSigConfig(ctx context.Context, user common.Address) (*MultiSigConfig, error) {
	var raw *struct {
		AuthorizedUsers []string `json:"authorizedUsers"`
		Threshold       int      `json:"threshold"`
	}
	if err := c.info(ctx, map[string]string{"type": "userToMultiSigSigners", "user": action.Address(user)}, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	cfg := &MultiSigConfig{Threshold: raw.Threshold}
	for _, u := range raw.AuthorizedUsers {
		if !common.IsHexAddress(u) {
			return nil, fmt.Errorf("multi-sig config: invalid signer %q", u)
		}
		cfg.AuthorizedUsers = append(cfg.AuthorizedUsers, common.HexToAddress(u))
	}
	return cfg, nil
}

// Perps returns perpetual market metadata, indexed by asset id.
func (c *Client) Perps(ctx context.Context) ([]domain.Market, error) {
	var meta struct {
		Universe []struct {
			Name       string `json:"name"`
			SzDecimals int32  `json:"szDecimals"`
		} `json:"universe"`
	}
	if err := c.info(ctx, map[string]string{"type": "meta"}, &meta); err != nil {
		return nil, err
	}

	markets := make([]domain.Market, len(meta.Universe))
	for i, u := range meta.Universe {
		markets[i] = domain.Market{Name: u.Name, Index: i, SzDecimals: u.SzDecimals}
	}
	return markets, nil
}

// SpotMarkets returns spot pair metadata. Size decimals come from each
// pair's base token.
func (c *Client) SpotMarkets(ctx context.Context) ([]domain.Market, error) {
	var meta struct {
		Universe []struct {
			Name   string `json:"name"`
			Tokens []int  `json:"tokens"`
			Index  int    `json:"index"`
		} `json:"universe"`
		Tokens []struct {
			Name       string `json:"name"`
			SzDecimals int32  `json:"szDecimals"`
			Index      int    `json:"index"`
		} `json:"tokens"`
	}
	if err := c.info(ctx, map[string]string{"type": "spotMeta"}, &meta); err != nil {
		return nil, err
	}

	szDecimals := make(map[int]int32, len(meta.Tokens))
	names := make(map[int]string, len(meta.Tokens))
	for _, t := range meta.Tokens {
		szDecimals[t.Index] = t.SzDecimals
		names[t.Index] = t.Name
	}

	markets := make([]domain.Market, 0, len(meta.Universe))
	for _, u := range meta.Universe {
		if len(u.Tokens) != 2 {
			continue
		}
		name := u.Name
		if strings.HasPrefix(name, "@") {
			name = names[u.Tokens[0]] + "/" + names[u.Tokens[1]]
		}
		markets = append(markets, domain.Market{
			Name:       name,
			Index:      spotIndexOffset + u.Index,
			SzDecimals: szDecimals[u.Tokens[0]],
			IsSpot:     true,
		})
	}
	return markets, nil
}

// SpotTokens returns every spot token, indexed by token index.
func (c *Client) SpotTokens(ctx context.Context) ([]domain.Token, error) {
	var meta struct {
		Tokens []struct {
			Name        string `json:"name"`
			Index       int    `json:"index"`
			TokenID     string `json:"tokenId"`
			SzDecimals  int32  `json:"szDecimals"`
			WeiDecimals int32  `json:"weiDecimals"`
		} `json:"tokens"`
	}
	if err := c.info(ctx, map[string]string{"type": "spotMeta"}, &meta); err != nil {
		return nil, err
	}

	tokens := make([]domain.Token, len(meta.Tokens))
	for i, t := range meta.Tokens {
		tokens[i] = domain.Token{
			Name:        t.Name,
			Index:       t.Index,
			TokenID:     t.TokenID,
			SzDecimals:  t.SzDecimals,
			WeiDecimals: t.WeiDecimals,
		}
	}
	return tokens, nil
}

func (c *Client) info(ctx context.Context, req any, out any) error {
	raw, err := c.doRequest(ctx, "/info", req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse info response: %w", err)
	}
	return nil
}
