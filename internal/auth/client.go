// Package auth はリモートIdPの前段に位置するAuth Clientを提供する。
// セッションの確立・永続化、期限切れ間近のトークン更新、サインアウトを扱い、
// IdP固有のエラーを安定したエラー分類に変換する。
package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/aizily/internal/identity"
	"github.com/hitoshi/aizily/internal/logger"
	"github.com/hitoshi/aizily/internal/model"
	"github.com/hitoshi/aizily/internal/session"
)

// 操作名。ログとメトリクスのラベルに使用する。
const (
	OpSignIn         = "sign_in"
	OpSignUp         = "sign_up"
	OpRefresh        = "refresh"
	OpSignOut        = "sign_out"
	OpGetCurrentUser = "get_current_user"
)

// Recorder はAuth Clientが記録するメトリクスのインターフェース。
type Recorder interface {
	// RecordOperation は操作結果を記録する。成功時のkindは空文字列。
	RecordOperation(op string, kind model.ErrorKind)
	// RecordTokenExchange はリフレッシュトークン交換の実行を記録する。
	RecordTokenExchange()
	// RecordProviderLatency はIdP呼び出しのレイテンシを記録する。
	RecordProviderLatency(op string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, model.ErrorKind)     {}
func (nopRecorder) RecordTokenExchange()                        {}
func (nopRecorder) RecordProviderLatency(string, time.Duration) {}

// Config はAuth Clientの設定。
type Config struct {
	Logger  *slog.Logger
	Metrics Recorder
	Now     func() time.Time
}

// Client はリモートIdPとSession Storeを束ねるAuth Client。
// Session Storeへの書き込みはmuで直列化し、generationで書き込みの世代を追跡する。
type Client struct {
	provider identity.Provider
	store    session.Store
	logger   *slog.Logger
	metrics  Recorder
	now      func() time.Time

	mu         sync.Mutex
	generation uint64

	refreshGroup singleflight.Group
}

// NewClient はClientを生成する。storeは呼び出し元が所有するインスタンスを注入する。
func NewClient(provider identity.Provider, store session.Store, config Config) *Client {
	c := &Client{
		provider: provider,
		store:    store,
		logger:   config.Logger,
		metrics:  config.Metrics,
		now:      config.Now,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = nopRecorder{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// SignIn は認証情報をIdPに送信し、成功時はセッションを保存して返す。
// 失敗時はSession Storeを変更しない。
// 呼び出し元がコンテキストを破棄しても送信済みのリクエストは継続し、成功すれば保存される。
func (c *Client) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	s, err := detach(ctx, func(ctx context.Context) (*model.Session, error) {
		start := c.now()
		tokens, err := c.provider.Authenticate(ctx, email, password)
		c.metrics.RecordProviderLatency(OpSignIn, c.now().Sub(start))
		if err != nil {
			return nil, mapError(err)
		}

		s := tokens.Session()
		if err := c.replace(ctx, s); err != nil {
			return nil, storeError(err)
		}
		return s, nil
	})
	if err != nil {
		return nil, c.fail(OpSignIn, err, slog.String("email", logger.MaskEmail(email)))
	}

	c.metrics.RecordOperation(OpSignIn, "")
	c.logger.Info("user signed in",
		slog.String("user_id", s.UserID),
		slog.Time("expires_at", s.ExpiresAt),
	)
	return s.Clone(), nil
}

// SignUp はメタデータ付きのIdentityを作成する。
// Profileの作成は行わず、セッションも確立しない（メール確認待ちの可能性がある）。
func (c *Client) SignUp(ctx context.Context, email, password string, attrs model.IdentityAttributes) (*model.Identity, error) {
	ident, err := detach(ctx, func(ctx context.Context) (*model.Identity, error) {
		start := c.now()
		user, err := c.provider.CreateIdentity(ctx, email, password, attrs)
		c.metrics.RecordProviderLatency(OpSignUp, c.now().Sub(start))
		if err != nil {
			return nil, mapError(err)
		}
		return user.Identity(), nil
	})
	if err != nil {
		return nil, c.fail(OpSignUp, err,
			slog.String("email", logger.MaskEmail(email)),
			slog.String("role", string(attrs.Role)),
		)
	}

	c.metrics.RecordOperation(OpSignUp, "")
	c.logger.Info("identity created",
		slog.String("user_id", ident.UserID),
		slog.Bool("verified", ident.Verified),
	)
	return ident, nil
}

// GetSession はSession Storeの現在値を返す。ネットワーク呼び出しは行わない。
// セッションが無い場合はnilを返す。
func (c *Client) GetSession(ctx context.Context) (*model.Session, error) {
	s, err := c.store.Load(ctx)
	if err != nil {
		return nil, storeError(err)
	}
	return s, nil
}

// IsAuthenticated は有効なセッションを保持しているかどうかを返す。
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	s, err := c.GetSession(ctx)
	if err != nil {
		c.logger.Error("failed to check authentication", slog.String("error", err.Error()))
		return false
	}
	return s != nil
}

// Refresh は保存済みのリフレッシュトークンを新しいセッションに交換する。
// 並行呼び出しは実行中の1回の交換を共有する。
// 失敗時は保存済みセッションをクリアし、KindSessionExpiredのエラーを返す。
func (c *Client) Refresh(ctx context.Context) (*model.Session, error) {
	ch := c.refreshGroup.DoChan("refresh", func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*model.Session).Clone(), nil
	case <-ctx.Done():
		return nil, mapError(ctx.Err())
	}
}

// refresh はトークン交換の本体。同時に1つだけ実行される。
func (c *Client) refresh(ctx context.Context) (*model.Session, error) {
	// アクセストークンが失効していてもリフレッシュトークンで復帰できるため、期限切れの値も読む
	current, gen, err := c.snapshotAny(ctx)
	if err != nil {
		return nil, c.fail(OpRefresh, storeError(err))
	}
	if current == nil {
		return nil, c.fail(OpRefresh, model.NewSessionExpiredError(nil))
	}

	c.metrics.RecordTokenExchange()
	start := c.now()
	tokens, err := c.provider.ExchangeRefreshToken(ctx, current.RefreshToken)
	c.metrics.RecordProviderLatency(OpRefresh, c.now().Sub(start))
	if err != nil {
		mapped := mapError(err)
		if _, cerr := c.clearIf(ctx, gen); cerr != nil {
			c.logger.Error("failed to clear session after refresh failure", slog.String("error", cerr.Error()))
		}
		expired := model.NewSessionExpiredError(mapped)
		expired.Code = mapped.Code
		return nil, c.fail(OpRefresh, expired, slog.String("user_id", current.UserID))
	}

	next := tokens.Session()
	applied, err := c.replaceIf(ctx, gen, next)
	if err != nil {
		return nil, c.fail(OpRefresh, storeError(err))
	}
	if !applied {
		// 交換中にsign in / sign outが行われた。新しい状態を優先する。
		latest, err := c.store.Load(ctx)
		if err != nil {
			return nil, c.fail(OpRefresh, storeError(err))
		}
		if latest == nil {
			return nil, c.fail(OpRefresh, model.NewSessionExpiredError(nil))
		}
		c.logger.Info("refresh superseded by a newer session",
			slog.String("user_id", latest.UserID),
		)
		c.metrics.RecordOperation(OpRefresh, "")
		return latest, nil
	}

	c.metrics.RecordOperation(OpRefresh, "")
	c.logger.Info("session refreshed",
		slog.String("user_id", next.UserID),
		slog.Time("expires_at", next.ExpiresAt),
	)
	return next, nil
}

// ValidSession は現在のセッションを返す。leeway以内に期限切れとなる場合、
// または既に期限切れの場合は先にRefreshする。セッションが無い場合はnilを返す。
func (c *Client) ValidSession(ctx context.Context, leeway time.Duration) (*model.Session, error) {
	s, err := c.store.LoadAny(ctx)
	if err != nil {
		return nil, storeError(err)
	}
	if s == nil {
		return nil, nil
	}
	if !s.ExpiresWithin(c.now(), leeway) {
		return s, nil
	}
	return c.Refresh(ctx)
}

// SignOut はサーバー側のセッションを無効化し、ローカルのセッションを必ずクリアする。
// リモートの無効化に失敗してもローカルはクリアし、そのうえで失敗を返す。
func (c *Client) SignOut(ctx context.Context) error {
	// 期限切れでもリフレッシュトークンはサーバー側で有効なため、無効化を送る
	current, loadErr := c.store.LoadAny(ctx)

	var remoteErr *model.AuthError
	if loadErr == nil && current != nil {
		start := c.now()
		err := c.provider.InvalidateSession(ctx, current.AccessToken)
		c.metrics.RecordProviderLatency(OpSignOut, c.now().Sub(start))
		if err != nil {
			remoteErr = mapError(err)
			// サーバー側で既に破棄済みのセッションは成功として扱う
			if remoteErr.Kind == model.KindSessionExpired {
				remoteErr = nil
			}
		}
	}

	if err := c.clear(context.WithoutCancel(ctx)); err != nil {
		return c.fail(OpSignOut, storeError(err))
	}

	if remoteErr != nil {
		return c.fail(OpSignOut, remoteErr, slog.Bool("local_cleared", true))
	}
	if loadErr != nil {
		return c.fail(OpSignOut, storeError(loadErr), slog.Bool("local_cleared", true))
	}

	c.metrics.RecordOperation(OpSignOut, "")
	if current != nil {
		c.logger.Info("user signed out", slog.String("user_id", current.UserID))
	}
	return nil
}

// GetCurrentUser は現在のセッションからユーザーのクレームを返す。
// セッションにクレームがキャッシュされていない場合のみIdPから取得し、セッションに保存する。
// 未認証は想定内の状態のため、エラーではなくnilを返す。
func (c *Client) GetCurrentUser(ctx context.Context) (*model.UserIdentity, error) {
	current, gen, err := c.snapshot(ctx)
	if err != nil {
		return nil, c.fail(OpGetCurrentUser, storeError(err))
	}
	if current == nil {
		return nil, nil
	}
	if current.User != nil {
		u := *current.User
		return &u, nil
	}

	start := c.now()
	user, err := c.provider.CurrentUser(ctx, current.AccessToken)
	c.metrics.RecordProviderLatency(OpGetCurrentUser, c.now().Sub(start))
	if err != nil {
		mapped := mapError(err)
		if mapped.Kind == model.KindSessionExpired || mapped.Kind == model.KindUserNotFound {
			return nil, nil
		}
		return nil, c.fail(OpGetCurrentUser, mapped)
	}

	claims := user.Claims()
	cached := current.Clone()
	cached.User = claims
	if _, err := c.replaceIf(ctx, gen, cached); err != nil {
		c.logger.Warn("failed to cache user claims", slog.String("error", err.Error()))
	}

	c.metrics.RecordOperation(OpGetCurrentUser, "")
	u := *claims
	return &u, nil
}

// fail は失敗をログとメトリクスに記録し、分類済みエラーを返す。
func (c *Client) fail(op string, err error, attrs ...any) *model.AuthError {
	authErr := mapError(err)
	c.metrics.RecordOperation(op, authErr.Kind)

	args := append([]any{
		slog.String("operation", op),
		slog.String("kind", string(authErr.Kind)),
		slog.String("code", authErr.Code),
		slog.String("error", authErr.Error()),
	}, attrs...)

	level := slog.LevelWarn
	if authErr.Kind == model.KindUnknown {
		level = slog.LevelError
	}
	c.logger.Log(context.Background(), level, "auth operation failed", args...)
	return authErr
}

// snapshot は現在のセッションと書き込み世代を一貫した組で返す。
func (c *Client) snapshot(ctx context.Context) (*model.Session, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.store.Load(ctx)
	return s, c.generation, err
}

// snapshotAny は期限切れを含む保存済みのセッションと書き込み世代を返す。
func (c *Client) snapshotAny(ctx context.Context) (*model.Session, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.store.LoadAny(ctx)
	return s, c.generation, err
}

// replace はセッションを無条件に保存する。
func (c *Client) replace(ctx context.Context, s *model.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Save(ctx, s); err != nil {
		return err
	}
	c.generation++
	return nil
}

// replaceIf は世代がgenのままの場合に限りセッションを保存する。
func (c *Client) replaceIf(ctx context.Context, gen uint64, s *model.Session) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return false, nil
	}
	if err := c.store.Save(ctx, s); err != nil {
		return false, err
	}
	c.generation++
	return true, nil
}

// clear はセッションを無条件にクリアする。
func (c *Client) clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Clear(ctx); err != nil {
		return err
	}
	c.generation++
	return nil
}

// clearIf は世代がgenのままの場合に限りセッションをクリアする。
func (c *Client) clearIf(ctx context.Context, gen uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return false, nil
	}
	if err := c.store.Clear(ctx); err != nil {
		return false, err
	}
	c.generation++
	return true, nil
}

// detach はfnを呼び出し元のキャンセルから切り離して実行する。
// 呼び出し元が先に離脱した場合もfnは最後まで実行され、その結果は破棄される。
func detach[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(context.WithoutCancel(ctx))
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
