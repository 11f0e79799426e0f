package auth

import (
	"errors"
	"net/http"
	"time"
)

// Middleware 返回一个 HTTP 中间件：识别调用者并写入上下文，
// 每个带调用者的请求都记录一条审计日志。
func (s *Service) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			call, ok, err := s.Identify(r)
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrInvalidCaller) || errors.Is(err, ErrInvalidValue) {
					status = http.StatusBadRequest
				}
				http.Error(w, err.Error(), status)
				s.audit.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
				)
				return
			}
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithCall(r.Context(), call)))
			s.audit.Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"caller", call.From.Hex(),
				"value", call.Value.String(),
			)
		})
	}
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
