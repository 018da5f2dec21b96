package httpapi

import (
	"net/http"
	"strings"

	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

// Handler 返回带 CORS 的最终 http.Handler
func (r *Router) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(r.mux)
}

// RegisterNotificationRoutes 注册与移动端对齐的通知路由
func (r *Router) RegisterNotificationRoutes(h *NotificationHandler) {
	r.mux.HandleFunc("/notifications/subscribe", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Subscribe(w, req)
	})

	r.mux.HandleFunc("/notifications/unsubscribe", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Unsubscribe(w, req)
	})

	// subscriptions/{userId}
	r.mux.HandleFunc("/notifications/subscriptions/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		userID := strings.TrimPrefix(req.URL.Path, "/notifications/subscriptions/")
		if userID == "" || strings.Contains(userID, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.ListSubscriptions(w, req, userID)
	})

	r.mux.HandleFunc("/notifications/register", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.RegisterToken(w, req)
	})

	// {userId}/notifications 子树（list / mark read / mark-all-read / delete / clear）
	// 具体路径的 subscribe/unsubscribe/subscriptions/register 模式更长，优先匹配
	r.mux.HandleFunc("/notifications/", h.ServeUserNotifications)

	r.mux.HandleFunc("/test-notification/send", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.TestSend(w, req)
	})

	r.mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
