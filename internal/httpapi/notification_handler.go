package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/4peng/Udara-sub000/internal/models"
	"github.com/4peng/Udara-sub000/internal/repository"

	"go.uber.org/zap"
)

// SubscriptionService 订阅操作接口（repository.SubscriptionRepository 实现）
type SubscriptionService interface {
	Subscribe(ctx context.Context, userID, deviceID string) error
	Unsubscribe(ctx context.Context, userID, deviceID string) error
	ListByUser(ctx context.Context, userID string) ([]models.Subscription, error)
}

// NotificationService 通知读写接口（repository.NotificationRepository 实现）
type NotificationService interface {
	ListForUser(ctx context.Context, userID string, limit, skip int, unreadOnly bool) (*repository.NotificationPage, error)
	MarkRead(ctx context.Context, userID, notificationID string) error
	MarkAllRead(ctx context.Context, userID string) error
	Delete(ctx context.Context, userID, notificationID string) error
	ClearAll(ctx context.Context, userID string) error
}

// PushRegistrar 推送 token 注册接口（repository.UserRepository 实现）
type PushRegistrar interface {
	RegisterToken(ctx context.Context, userID, token string) error
}

// TestSender 测试通知发送接口（dispatcher.Dispatcher 实现）
type TestSender interface {
	SendTest(ctx context.Context, userID, title, body string) (*models.Notification, error)
}

// NotificationHandler 通知相关 HTTP Handler
type NotificationHandler struct {
	subscriptions SubscriptionService
	notifications NotificationService
	registrar     PushRegistrar
	testSender    TestSender
	logger        *zap.Logger
}

// NewNotificationHandler 创建通知 Handler
func NewNotificationHandler(
	subscriptions SubscriptionService,
	notifications NotificationService,
	registrar PushRegistrar,
	testSender TestSender,
	logger *zap.Logger,
) *NotificationHandler {
	return &NotificationHandler{
		subscriptions: subscriptions,
		notifications: notifications,
		registrar:     registrar,
		testSender:    testSender,
		logger:        logger,
	}
}

// ============================================
// 订阅
// ============================================

type subscribeRequest struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

// Subscribe POST /notifications/subscribe
func (h *NotificationHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := readBodyJSON(r, 1<<16, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, fail("invalid request body"))
		return
	}
	if req.UserID == "" || req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, fail("userId and deviceId are required"))
		return
	}

	if err := h.subscriptions.Subscribe(r.Context(), req.UserID, req.DeviceID); err != nil {
		h.logger.Error("Failed to subscribe",
			zap.String("user_id", req.UserID),
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, fail("failed to subscribe"))
		return
	}

	writeJSON(w, http.StatusOK, ok())
}

// Unsubscribe POST /notifications/unsubscribe
func (h *NotificationHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := readBodyJSON(r, 1<<16, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, fail("invalid request body"))
		return
	}
	if req.UserID == "" || req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, fail("userId and deviceId are required"))
		return
	}

	if err := h.subscriptions.Unsubscribe(r.Context(), req.UserID, req.DeviceID); err != nil {
		h.logger.Error("Failed to unsubscribe",
			zap.String("user_id", req.UserID),
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, fail("failed to unsubscribe"))
		return
	}

	writeJSON(w, http.StatusOK, ok())
}

type subscriptionView struct {
	DeviceID         string                            `json:"deviceId"`
	IsActive         bool                              `json:"isActive"`
	CustomThresholds map[string]models.ThresholdConfig `json:"customThresholds"`
}

type listSubscriptionsResult struct {
	Success       bool               `json:"success"`
	Subscriptions []subscriptionView `json:"subscriptions"`
}

// ListSubscriptions GET /notifications/subscriptions/{userId}
// 没有任何订阅返回空列表，不是错误
func (h *NotificationHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request, userID string) {
	subs, err := h.subscriptions.ListByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list subscriptions",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, fail("failed to list subscriptions"))
		return
	}

	views := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, subscriptionView{
			DeviceID:         sub.DeviceID,
			IsActive:         sub.IsActive,
			CustomThresholds: sub.Thresholds,
		})
	}

	writeJSON(w, http.StatusOK, listSubscriptionsResult{
		Success:       true,
		Subscriptions: views,
	})
}

// ============================================
// 通知列表与读写
// ============================================

type paginationView struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Skip    int  `json:"skip"`
	HasMore bool `json:"hasMore"`
}

type listNotificationsResult struct {
	Success       bool                      `json:"success"`
	Notifications []models.UserNotification `json:"notifications"`
	Pagination    paginationView            `json:"pagination"`
	UnreadCount   int                       `json:"unreadCount"`
}

// ServeUserNotifications /notifications/{userId}/notifications[...] 子树路由
func (h *NotificationHandler) ServeUserNotifications(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/notifications/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] != "notifications" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	userID := parts[0]

	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		h.listNotifications(w, r, userID)
	case len(parts) == 2 && r.Method == http.MethodDelete:
		h.clearAll(w, r, userID)
	case len(parts) == 3 && parts[2] == "mark-all-read" && r.Method == http.MethodPatch:
		h.markAllRead(w, r, userID)
	case len(parts) == 3 && r.Method == http.MethodDelete:
		h.deleteNotification(w, r, userID, parts[2])
	case len(parts) == 4 && parts[3] == "read" && r.Method == http.MethodPatch:
		h.markRead(w, r, userID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// listNotifications GET /notifications/{userId}/notifications?limit&skip&unreadOnly
func (h *NotificationHandler) listNotifications(w http.ResponseWriter, r *http.Request, userID string) {
	limit := parseInt(r.URL.Query().Get("limit"), 20)
	if limit > 100 {
		limit = 100
	}
	skip := parseInt(r.URL.Query().Get("skip"), 0)
	unreadOnly := r.URL.Query().Get("unreadOnly") == "true"

	page, err := h.notifications.ListForUser(r.Context(), userID, limit, skip, unreadOnly)
	if err != nil {
		h.logger.Error("Failed to list notifications",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, fail("failed to list notifications"))
		return
	}

	writeJSON(w, http.StatusOK, listNotificationsResult{
		Success:       true,
		Notifications: page.Notifications,
		Pagination: paginationView{
			Total:   page.Total,
			Limit:   page.Limit,
			Skip:    page.Skip,
			HasMore: page.HasMore,
		},
		UnreadCount: page.UnreadCount,
	})
}

// markRead PATCH /notifications/{userId}/notifications/{id}/read
func (h *NotificationHandler) markRead(w http.ResponseWriter, r *http.Request, userID, notificationID string) {
	if err := h.notifications.MarkRead(r.Context(), userID, notificationID); err != nil {
		h.logger.Error("Failed to mark notification read",
			zap.String("user_id", userID),
			zap.String("notification_id", notificationID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, fail("failed to mark notification read"))
		return
	}
	writeJSON(w, http.StatusOK, ok())
}

// markAllRead PATCH /notifications/{userId}/notifications/mark-all-read
func (h *NotificationHandler) markAllRead(w http.ResponseWriter, r *http.Request, userID string) {
	if err := h.notifications.MarkAllRead(r.Context(), userID); err != nil {
		h.logger.Error("Failed to mark all notifications read",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, fail("failed to mark all notifications read"))
		return
	}
	writeJSON(w, http.StatusOK, ok())
}

// deleteNotification DELETE /notifications/{userId}/notifications/{id}
func (h *NotificationHandler) deleteNotification(w http.ResponseWriter, r *http.Request, userID, notificationID string) {
	if err := h.notifications.Delete(r.Context(), userID, notificationID); err != nil {
		h.logger.Error("Failed to delete notification",
			zap.String("user_id", userID),
			zap.String("notification_id", notificationID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, fail("failed to delete notification"))
		return
	}
	writeJSON(w, http.StatusOK, ok())
}

// clearAll DELETE /notifications/{userId}/notifications
func (h *NotificationHandler) clearAll(w http.ResponseWriter, r *http.Request, userID string) {
	if err := h.notifications.ClearAll(r.Context(), userID); err != nil {
		h.logger.Error("Failed to clear notifications",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, fail("failed to clear notifications"))
		return
	}
	writeJSON(w, http.StatusOK, ok())
}

// ============================================
// 推送 token 注册 / 测试通知
// ============================================

type registerTokenRequest struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// RegisterToken POST /notifications/register
// token 格式不在此校验：发送前由推送客户端统一过滤非法格式
func (h *NotificationHandler) RegisterToken(w http.ResponseWriter, r *http.Request) {
	var req registerTokenRequest
	if err := readBodyJSON(r, 1<<16, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, fail("invalid request body"))
		return
	}
	if req.UserID == "" || req.Token == "" {
		writeJSON(w, http.StatusBadRequest, fail("userId and token are required"))
		return
	}

	if err := h.registrar.RegisterToken(r.Context(), req.UserID, req.Token); err != nil {
		h.logger.Error("Failed to register push token",
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, fail("failed to register push token"))
		return
	}

	writeJSON(w, http.StatusOK, ok())
}

type testSendRequest struct {
	UserID string `json:"userId"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

type testSendResult struct {
	Success        bool   `json:"success"`
	NotificationID string `json:"notificationId"`
}

// TestSend POST /test-notification/send（运维工具）
func (h *NotificationHandler) TestSend(w http.ResponseWriter, r *http.Request) {
	var req testSendRequest
	if err := readBodyJSON(r, 1<<16, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, fail("invalid request body"))
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, fail("userId is required"))
		return
	}

	notification, err := h.testSender.SendTest(r.Context(), req.UserID, req.Title, req.Body)
	if err != nil {
		h.logger.Error("Failed to send test notification",
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, fail("failed to send test notification"))
		return
	}

	writeJSON(w, http.StatusOK, testSendResult{
		Success:        true,
		NotificationID: notification.NotificationID,
	})
}
