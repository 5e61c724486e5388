// Package client はIAとPOの公開APIを呼び出すHTTPクライアントを提供する。
// IAは投票情報をPOから、POとワーカーは公開鍵と有権者数をIAから取得する。
// 監査CLIはPOから葉・ルート・証明を取得して手元で検証する。
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/ballotbox/internal/api"
)

// DefaultTimeout はHTTPクライアントのデフォルトタイムアウト。
const DefaultTimeout = 10 * time.Second

// maxResponseSize はレスポンスボディの最大読み込みサイズ（32MB）。
const maxResponseSize = 32 << 20

// StatusError はAPIがエラーステータスを返したことを表す。
type StatusError struct {
	StatusCode int
	Body       api.ErrorBody
}

func (e *StatusError) Error() string {
	if e.Body.Code != "" {
		return fmt.Sprintf("APIがステータス %d を返しました: %s", e.StatusCode, e.Body.Code)
	}
	return fmt.Sprintf("APIがステータス %d を返しました", e.StatusCode)
}

// IsNotFound はerrが404のStatusErrorか判定する。
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Client はJSON APIの共通クライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

// NewClient はClientの新しいインスタンスを生成する。httpClientがnilの場合はDefaultTimeoutで生成する。
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// do はリクエストを送信し、2xxならoutへデコードする。outがnilの場合はボディを読み捨てる。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "ballotbox/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("APIの呼び出しに失敗しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("APIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(raw, &se.Body)
		if resp.StatusCode != http.StatusNotFound {
			c.logger.Warn("APIがエラーステータスを返しました",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("http_status", resp.StatusCode),
				slog.String("code", se.Body.Code),
			)
		}
		return se
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}
