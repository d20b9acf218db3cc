package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/photoalbum/internal/middleware"
)

const healthCheckTimeout = 3 * time.Second

// Pinger は疎通確認が可能な依存先。*sql.DBやRedisSessionRepoが実装する。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingerFunc は関数をPingerとして扱うアダプタ。
type PingerFunc func(ctx context.Context) error

// PingContext はf(ctx)を呼び出す。
func (f PingerFunc) PingContext(ctx context.Context) error {
	return f(ctx)
}

// HealthHandler は依存先の疎通を確認する。
type HealthHandler struct {
	checks map[string]Pinger
}

// NewHealthHandler はHealthHandlerを生成する。checksのキーはレスポンスに表示する依存先名。
func NewHealthHandler(checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{checks: checks}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// ServeHTTP はすべての依存先が応答すれば200、いずれかが失敗すれば503を返す。
// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK

	for name, p := range h.checks {
		if err := p.PingContext(ctx); err != nil {
			slog.Warn("health check failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	middleware.WriteJSON(w, status, resp)
}
