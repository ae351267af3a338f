// Package refresh は期限切れ間近のセッションをバックグラウンドで更新するワーカーを提供する。
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/aizily/internal/model"
)

// SessionValidator は必要に応じてセッションを更新して返すインターフェース。
// auth.Clientが実装する。
type SessionValidator interface {
	ValidSession(ctx context.Context, leeway time.Duration) (*model.Session, error)
}

// Refresher はティッカーで定期的にセッションの期限を確認し、
// leeway以内に期限切れとなるセッションを更新する。
type Refresher struct {
	client SessionValidator
	logger *slog.Logger
	leeway time.Duration
}

// NewRefresher はRefresherの新しいインスタンスを生成する。
// leewayが0以下の場合はデフォルト値60秒を使用する。
func NewRefresher(client SessionValidator, logger *slog.Logger, leeway time.Duration) *Refresher {
	if leeway <= 0 {
		leeway = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		client: client,
		logger: logger,
		leeway: leeway,
	}
}

// Start はinterval間隔のティッカーでリフレッシャーを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (r *Refresher) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("auto refresher started",
		slog.Duration("interval", interval),
		slog.Duration("leeway", r.leeway),
	)

	// 起動直後に1回実行
	r.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("auto refresher stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce はセッションを1回確認し、必要なら更新する。
// 更新に失敗した場合、Auth Clientがローカルのセッションを既にクリアしている。
func (r *Refresher) RunOnce(ctx context.Context) {
	s, err := r.client.ValidSession(ctx, r.leeway)
	switch {
	case err == nil && s == nil:
		r.logger.Debug("no session to refresh")
	case err == nil:
		r.logger.Debug("session is valid",
			slog.String("user_id", s.UserID),
			slog.Time("expires_at", s.ExpiresAt),
		)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		// シャットダウン中
	case errors.Is(err, model.ErrSessionExpired):
		r.logger.Warn("session could not be refreshed and was cleared",
			slog.String("error", err.Error()),
		)
	default:
		r.logger.Error("session refresh check failed",
			slog.String("kind", string(model.KindOf(err))),
			slog.String("error", err.Error()),
		)
	}
}
