package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Don-Vicks/karen/pkg/logger"
)

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。认证关闭时直接放行。
func (s *Service) Middleware() func(http.Handler) http.Handler {
	log := logger.Named("auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.Authenticate(r.Header.Get("Authorization"))
			if err == nil {
				err = subject.Authorize(r.Method)
			}
			if err != nil {
				status := http.StatusUnauthorized
				code := "unauthorized"
				if errors.Is(err, ErrPermissionDenied) {
					status = http.StatusForbidden
					code = "forbidden"
				}
				log.Warn("access_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Int("status", status),
					slog.String("error", err.Error()))
				writeError(w, status, code, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
