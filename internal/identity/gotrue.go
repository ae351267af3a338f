package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/aizily/internal/model"
)

const (
	defaultClientInfo = "aizily-go"
	defaultTimeout    = 10 * time.Second
	// defaultRateLimit はIdPへの呼び出しレート（req/sec）。
	defaultRateLimit = 10
	maxResponseSize  = 1 << 20
)

// GoTrueConfig はGoTrue互換IdPクライアントの設定。
type GoTrueConfig struct {
	BaseURL    string // 例: https://xxxx.supabase.co
	APIKey     string
	ClientInfo string        // X-Client-Infoヘッダーの値
	Timeout    time.Duration // 1リクエストあたりのタイムアウト
	RateLimit  float64       // req/sec。0以下の場合はデフォルト値

	// テスト用にオーバーライド可能
	HTTPClient *http.Client
	Now        func() time.Time
}

// GoTrueClient はGoTrue互換のREST APIでIdPを呼び出すProvider実装。
type GoTrueClient struct {
	config     GoTrueConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewGoTrueClient はGoTrueClientを生成する。
func NewGoTrueClient(config GoTrueConfig) *GoTrueClient {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.ClientInfo == "" {
		config.ClientInfo = defaultClientInfo
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &GoTrueClient{
		config:     config,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), int(config.RateLimit)+1),
		now:        now,
	}
}

// gotrueUser はGoTrueのユーザーオブジェクト。
type gotrueUser struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at"`
	UserMetadata     map[string]any `json:"user_metadata"`
}

// gotrueTokenResponse はトークンエンドポイントのレスポンス。
type gotrueTokenResponse struct {
	AccessToken  string      `json:"access_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    int64       `json:"expires_in"`
	ExpiresAt    int64       `json:"expires_at"`
	RefreshToken string      `json:"refresh_token"`
	User         *gotrueUser `json:"user"`
}

// gotrueSignUpResponse はsignupエンドポイントのレスポンス。
// メール確認が必要な場合はユーザーオブジェクトのみ、
// 自動確認が有効な場合はセッション付きで返る。
type gotrueSignUpResponse struct {
	gotrueUser
	User *gotrueUser `json:"user"`
}

// gotrueErrorResponse はエラー応答。バージョンによりフィールド名が異なる。
type gotrueErrorResponse struct {
	ErrorCode        string          `json:"error_code"`
	Code             json.RawMessage `json:"code"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
	Msg              string          `json:"msg"`
	Message          string          `json:"message"`
}

// Authenticate はメールアドレスとパスワードでトークンを発行する。
func (c *GoTrueClient) Authenticate(ctx context.Context, email, password string) (*Tokens, error) {
	var resp gotrueTokenResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", "", body, &resp); err != nil {
		return nil, err
	}
	return c.toTokens(&resp)
}

// CreateIdentity はメタデータ付きでIdentityを作成する。
func (c *GoTrueClient) CreateIdentity(ctx context.Context, email, password string, attrs model.IdentityAttributes) (*User, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
		"data": map[string]string{
			"first_name": attrs.FirstName,
			"last_name":  attrs.LastName,
			"role":       string(attrs.Role),
		},
	}

	var resp gotrueSignUpResponse
	if err := c.do(ctx, http.MethodPost, "/auth/v1/signup", "", body, &resp); err != nil {
		return nil, err
	}

	u := resp.User
	if u == nil {
		u = &resp.gotrueUser
	}
	if u.ID == "" {
		return nil, fmt.Errorf("empty user id in signup response")
	}
	return toUser(u), nil
}

// ExchangeRefreshToken はリフレッシュトークンを新しいトークンに交換する。
func (c *GoTrueClient) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*Tokens, error) {
	var resp gotrueTokenResponse
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", "", body, &resp); err != nil {
		return nil, err
	}
	return c.toTokens(&resp)
}

// InvalidateSession はサーバー側のセッションを無効化する。
func (c *GoTrueClient) InvalidateSession(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, "/auth/v1/logout", accessToken, nil, nil)
}

// CurrentUser はアクセストークンに紐づくユーザーを取得する。
func (c *GoTrueClient) CurrentUser(ctx context.Context, accessToken string) (*User, error) {
	var resp gotrueUser
	if err := c.do(ctx, http.MethodGet, "/auth/v1/user", accessToken, nil, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("empty user id in user response")
	}
	return toUser(&resp), nil
}

// do はIdPにJSONリクエストを送信し、レスポンスをoutにデコードする。
// 2xx以外のレスポンスは*Errorとして返す。
func (c *GoTrueClient) do(ctx context.Context, method, path, bearer string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", c.config.APIKey)
	req.Header.Set("X-Client-Info", c.config.ClientInfo)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read identity response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseError(resp.StatusCode, body)
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse identity response: %w", err)
	}
	return nil
}

// parseError はエラー応答を*Errorに変換する。
func parseError(status int, body []byte) *Error {
	e := &Error{Status: status}

	var resp gotrueErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		e.Message = strings.TrimSpace(string(body))
		return e
	}

	// codeは数値（HTTPステータス）の場合と文字列の場合がある
	var code string
	if len(resp.Code) > 0 {
		_ = json.Unmarshal(resp.Code, &code)
	}

	switch {
	case resp.ErrorCode != "":
		e.Code = resp.ErrorCode
	case code != "":
		e.Code = code
	default:
		e.Code = resp.Error
	}

	for _, m := range []string{resp.Msg, resp.Message, resp.ErrorDescription, resp.Error} {
		if m != "" {
			e.Message = m
			break
		}
	}
	return e
}

// toTokens はトークンレスポンスを検証してTokensに変換する。
func (c *GoTrueClient) toTokens(resp *gotrueTokenResponse) (*Tokens, error) {
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}
	if resp.RefreshToken == "" {
		return nil, fmt.Errorf("empty refresh token in response")
	}
	if resp.User == nil || resp.User.ID == "" {
		return nil, fmt.Errorf("empty user in token response")
	}

	var expiresAt time.Time
	switch {
	case resp.ExpiresAt > 0:
		expiresAt = time.Unix(resp.ExpiresAt, 0).UTC()
	case resp.ExpiresIn > 0:
		expiresAt = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC()
	default:
		return nil, fmt.Errorf("missing token expiry in response")
	}

	return &Tokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiresAt,
		User:         toUser(resp.User),
	}, nil
}

func toUser(u *gotrueUser) *User {
	return &User{
		ID:        u.ID,
		Email:     u.Email,
		Verified:  u.EmailConfirmedAt != nil,
		FirstName: metadataString(u.UserMetadata, "first_name"),
		LastName:  metadataString(u.UserMetadata, "last_name"),
		Role:      metadataString(u.UserMetadata, "role"),
	}
}

func metadataString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// compile-time interface check
var _ Provider = (*GoTrueClient)(nil)
