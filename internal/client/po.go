package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hitoshi/ballotbox/internal/api"
	"github.com/hitoshi/ballotbox/internal/model"
)

// POClient はPOの公開APIのクライアント。
type POClient struct {
	*Client
}

// NewPOClient はPOClientを生成する。
func NewPOClient(c *Client) *POClient {
	return &POClient{Client: c}
}

func pollPath(pollID string, parts ...string) string {
	p := "/polls/" + url.PathEscape(pollID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// FetchPoll は投票情報を取得する。存在しない場合はnilを返す。
func (c *POClient) FetchPoll(ctx context.Context, pollID string) (*model.Poll, error) {
	var resp api.PollResponse
	if err := c.do(ctx, http.MethodGet, pollPath(pollID), nil, &resp); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("投票情報の取得に失敗しました: %w", err)
	}
	poll, err := resp.Model()
	if err != nil {
		return nil, fmt.Errorf("投票情報の形式が不正です: %w", err)
	}
	return poll, nil
}

// Leaves は投票の全ての葉を取得する。
func (c *POClient) Leaves(ctx context.Context, pollID string) (*api.LeavesResponse, error) {
	var resp api.LeavesResponse
	if err := c.do(ctx, http.MethodGet, pollPath(pollID, "leaves"), nil, &resp); err != nil {
		return nil, fmt.Errorf("葉の取得に失敗しました: %w", err)
	}
	return &resp, nil
}

// Root は署名付きルートを取得する。treeSizeが0の場合は最新を取得する。
func (c *POClient) Root(ctx context.Context, pollID string, treeSize uint64) (*api.RootResponse, error) {
	size := "latest"
	if treeSize > 0 {
		size = strconv.FormatUint(treeSize, 10)
	}
	var resp api.RootResponse
	if err := c.do(ctx, http.MethodGet, pollPath(pollID, "roots", size), nil, &resp); err != nil {
		return nil, fmt.Errorf("ルートの取得に失敗しました: %w", err)
	}
	return &resp, nil
}

// Proof はタグの包含証明を取得する。treeSizeが0の場合は現在のサイズで取得する。
func (c *POClient) Proof(ctx context.Context, pollID, tag string, treeSize uint64) (*api.ReceiptResponse, error) {
	var query url.Values
	if treeSize > 0 {
		query = url.Values{"tree_size": {strconv.FormatUint(treeSize, 10)}}
	}
	var resp api.ReceiptResponse
	if err := c.do(ctx, http.MethodGet, pollPath(pollID, "proof", tag), query, &resp); err != nil {
		return nil, fmt.Errorf("包含証明の取得に失敗しました: %w", err)
	}
	return &resp, nil
}

// Consistency はサイズ間の一貫性証明を取得する。
func (c *POClient) Consistency(ctx context.Context, pollID string, first, second uint64) (*api.ConsistencyResponse, error) {
	query := url.Values{
		"first":  {strconv.FormatUint(first, 10)},
		"second": {strconv.FormatUint(second, 10)},
	}
	var resp api.ConsistencyResponse
	if err := c.do(ctx, http.MethodGet, pollPath(pollID, "consistency"), query, &resp); err != nil {
		return nil, fmt.Errorf("一貫性証明の取得に失敗しました: %w", err)
	}
	return &resp, nil
}

// Tally は集計結果を取得する。
func (c *POClient) Tally(ctx context.Context, pollID string) (*api.TallyResponse, error) {
	var resp api.TallyResponse
	if err := c.do(ctx, http.MethodGet, pollPath(pollID, "tally"), nil, &resp); err != nil {
		return nil, fmt.Errorf("集計結果の取得に失敗しました: %w", err)
	}
	return &resp, nil
}

// TreeHeadKey はPOのルート署名鍵を取得する。
func (c *POClient) TreeHeadKey(ctx context.Context) (string, error) {
	var resp api.PublicKeyResponse
	if err := c.do(ctx, http.MethodGet, "/public-key", nil, &resp); err != nil {
		return "", fmt.Errorf("ルート署名鍵の取得に失敗しました: %w", err)
	}
	return resp.PublicKey, nil
}
