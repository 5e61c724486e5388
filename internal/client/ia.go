package client

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"

	"github.com/hitoshi/ballotbox/internal/api"
	"github.com/hitoshi/ballotbox/internal/signing"
)

// IAClient はIAの公開APIのクライアント。
type IAClient struct {
	*Client
}

// NewIAClient はIAClientを生成する。
func NewIAClient(c *Client) *IAClient {
	return &IAClient{Client: c}
}

// PublicKey はIAのトークン署名鍵を取得する。
func (c *IAClient) PublicKey(ctx context.Context) (ed25519.PublicKey, error) {
	var resp api.PublicKeyResponse
	if err := c.do(ctx, http.MethodGet, "/public-key", nil, &resp); err != nil {
		return nil, fmt.Errorf("IA公開鍵の取得に失敗しました: %w", err)
	}
	pub, err := signing.ParsePublicKey(resp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("IA公開鍵の形式が不正です: %w", err)
	}
	return pub, nil
}

// ActiveIdentities は有効な本人情報の数を取得する。投票率の母数に使う。
func (c *IAClient) ActiveIdentities(ctx context.Context) (int64, error) {
	var resp api.ActiveIdentitiesResponse
	if err := c.do(ctx, http.MethodGet, "/stats/active-identities", nil, &resp); err != nil {
		return 0, fmt.Errorf("有権者数の取得に失敗しました: %w", err)
	}
	if resp.ActiveIdentities < 0 {
		return 0, fmt.Errorf("有権者数が負の値です: %d", resp.ActiveIdentities)
	}
	return resp.ActiveIdentities, nil
}
