package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"boostchat/internal/auth"
	"boostchat/internal/chat"
	"boostchat/internal/dispatch"
	"boostchat/internal/livechat"
	"boostchat/internal/models"
	"boostchat/internal/presence"
	"boostchat/internal/store"
	"boostchat/internal/stream"
	"boostchat/internal/telemetry"
)

// Handler wires HTTP routes to the chat service, the live-chat engine and
// the presence registry.
type Handler struct {
	chat       *chat.Service
	livechat   *livechat.Engine
	registry   *presence.Registry
	dispatcher *dispatch.Dispatcher
	pageSize   int
	metrics    *telemetry.Metrics
	metricsReg *prometheus.Registry
	logger     *slog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(chatSvc *chat.Service, engine *livechat.Engine, registry *presence.Registry, dispatcher *dispatch.Dispatcher, pageSize int, metrics *telemetry.Metrics, metricsReg *prometheus.Registry, logger *slog.Logger) *Handler {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Handler{
		chat:       chatSvc,
		livechat:   engine,
		registry:   registry,
		dispatcher: dispatcher,
		pageSize:   pageSize,
		metrics:    metrics,
		metricsReg: metricsReg,
		logger:     logger,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	if h.metricsReg != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.metricsReg, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")

	authed := api.Group("")
	authed.Use(auth.Middleware())
	authed.GET("/events", h.streamEvents)
	authed.GET("/online-users", h.onlineUsers)
	authed.POST("/conversations", h.createConversation)
	authed.POST("/conversations/:id/messages", h.sendMessage)
	authed.GET("/conversations/:id/messages", h.listMessages)
	authed.POST("/conversations/:id/close", h.closeConversation)
	authed.POST("/assistant/conversations", h.createAssistantConversation)
	authed.POST("/assistant/conversations/:id/messages", h.sendAssistantMessage)
	authed.POST("/reports", h.createReport)
	authed.GET("/reports", h.listReports)
	authed.POST("/reports/:id/resolve", h.resolveReport)

	agent := authed.Group("")
	agent.Use(auth.RequireRole(auth.RoleAgent))
	agent.GET("/livechats", h.listLiveChats)
	agent.GET("/livechats/queue", h.liveChatQueue)
	agent.POST("/livechats/:id/assign", h.assignLiveChat)

	// Live-chat entry points accept anonymous visitors; everyone else on
	// these routes keeps their real identity.
	guest := api.Group("")
	guest.Use(auth.GuestMiddleware())
	guest.GET("/livechat/events", h.streamEvents)
	guest.POST("/livechats", h.createLiveChat)
	guest.GET("/livechats/mine", h.myLiveChats)
	guest.POST("/livechats/:id/messages", h.sendLiveChatMessage)
	guest.POST("/livechats/:id/close", h.closeLiveChat)
}

// streamEvents is the persistent push channel. The connection doubles as the
// user's presence handle: the first open connection marks them online, the
// last closed one marks them offline, and every transition broadcasts a
// fresh online-user snapshot.
func (h *Handler) streamEvents(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	conn := stream.NewConnection()

	if wasOffline := h.registry.Register(id.UserID, id.Roles, conn); wasOffline {
		h.broadcastOnlineUsers()
	}
	defer func() {
		if _, wentOffline := h.registry.Unregister(conn.ID()); wentOffline {
			h.broadcastOnlineUsers()
		}
	}()

	// Snapshot straight to the new connection so the client renders the
	// roster without waiting for the next transition.
	if err := conn.Deliver(dispatch.EventOnlineUsers, gin.H{"users": h.registry.OnlineUsers()}); err != nil {
		h.logger.Warn("initial presence snapshot dropped", "user_id", id.UserID, "error", err)
	}

	if err := conn.Serve(c.Writer, c.Request); err != nil {
		// Once streaming has started the response is already committed;
		// only a pre-stream failure can still render an error.
		if errors.Is(err, stream.ErrStreamingUnsupported) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
			return
		}
		h.logger.Warn("event stream ended", "user_id", id.UserID, "error", err)
	}
}

func (h *Handler) broadcastOnlineUsers() {
	users := h.registry.OnlineUsers()
	if h.metrics != nil {
		h.metrics.OnlineUsers.Set(float64(len(users)))
	}
	h.dispatcher.Broadcast(dispatch.EventOnlineUsers, gin.H{"users": users})
}

func (h *Handler) onlineUsers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": h.registry.OnlineUsers()})
}

type createConversationRequest struct {
	Participants []string `json:"participants"`
	ContextKind  string   `json:"context_kind"`
	ContextKey   string   `json:"context_key"`
}

func (h *Handler) createConversation(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	// The creator is always a participant, whether or not the client
	// listed them.
	participants := append([]string{id.UserID}, req.Participants...)
	conv, err := h.chat.CreateConversation(c.Request.Context(), participants, req.ContextKind, req.ContextKey)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) createAssistantConversation(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	conv, err := h.chat.CreateAssistantConversation(c.Request.Context(), id.UserID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

type sendMessageRequest struct {
	Body        string   `json:"body"`
	Attachments []string `json:"attachments"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	convID, ok := pathID(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	msg, err := h.chat.SendMessage(c.Request.Context(), convID, id, req.Body, req.Attachments)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) sendAssistantMessage(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	convID, ok := pathID(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	msg, err := h.chat.SendAssistantMessage(c.Request.Context(), convID, id, req.Body)
	if err != nil {
		h.renderError(c, err)
		return
	}
	// 202: the user's message is durable but the assistant reply arrives
	// later over the event stream.
	c.JSON(http.StatusAccepted, msg)
}

func (h *Handler) listMessages(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	convID, ok := pathID(c)
	if !ok {
		return
	}
	afterID, _ := strconv.ParseInt(c.Query("after_id"), 10, 64)
	limit := h.pageSize
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= h.pageSize {
			limit = n
		}
	}
	msgs, err := h.chat.ListMessages(c.Request.Context(), convID, id, afterID, limit)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) closeConversation(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	convID, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.chat.CloseConversation(c.Request.Context(), convID, id); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.ConversationClosed})
}

type createLiveChatRequest struct {
	Subject string `json:"subject"`
	Message string `json:"message"`
}

func (h *Handler) createLiveChat(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	var req createLiveChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	lc, err := h.livechat.Create(c.Request.Context(), id, req.Subject, req.Message)
	if err != nil {
		h.renderError(c, err)
		return
	}
	// Echo the identity so anonymous visitors learn their minted guest id
	// and can reuse it on subsequent requests.
	c.JSON(http.StatusCreated, gin.H{"live_chat": lc, "user_id": id.UserID})
}

func (h *Handler) assignLiveChat(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	chatID, ok := pathID(c)
	if !ok {
		return
	}
	lc, err := h.livechat.Assign(c.Request.Context(), chatID, id)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, lc)
}

func (h *Handler) sendLiveChatMessage(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	chatID, ok := pathID(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	msg, err := h.livechat.Send(c.Request.Context(), chatID, id, req.Body)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) closeLiveChat(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	chatID, ok := pathID(c)
	if !ok {
		return
	}
	lc, err := h.livechat.Close(c.Request.Context(), chatID, id)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, lc)
}

func (h *Handler) listLiveChats(c *gin.Context) {
	chats, err := h.livechat.List(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"live_chats": chats})
}

func (h *Handler) liveChatQueue(c *gin.Context) {
	chats, err := h.livechat.Queue(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"live_chats": chats})
}

func (h *Handler) myLiveChats(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	chats, err := h.livechat.ListMine(c.Request.Context(), id)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"live_chats": chats})
}

type createReportRequest struct {
	Subject  string `json:"subject"`
	OrderKey string `json:"order_key"`
	Message  string `json:"message"`
}

// createReport opens a ticket and its backing support conversation in one
// call. The conversation pairs the reporter with the support placeholder, so
// replies fan out to whichever agents are online.
func (h *Handler) createReport(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	var req createReportRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Subject == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx := c.Request.Context()
	conv, err := h.chat.CreateConversation(ctx, []string{id.UserID, models.IdentitySupport}, models.ContextReport, req.OrderKey)
	if err != nil {
		h.renderError(c, err)
		return
	}
	report, err := h.chat.Store().CreateReport(ctx, id.UserID, req.OrderKey, req.Subject, conv.ID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if req.Message != "" {
		if _, err := h.chat.SendMessage(ctx, conv.ID, id, req.Message, nil); err != nil {
			h.logger.Warn("report first message failed", "report_id", report.ID, "error", err)
		}
	}
	c.JSON(http.StatusCreated, report)
}

// listReports returns the agent view (every ticket, with nested conversation
// and history) or, for regular users, just their own tickets.
func (h *Handler) listReports(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	ctx := c.Request.Context()

	if !id.HasRole(auth.RoleAgent) && !id.HasRole(auth.RoleAdmin) {
		reports, err := h.chat.Store().ListReportsByReporter(ctx, id.UserID)
		if err != nil {
			h.renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reports": reports})
		return
	}

	reports, err := h.chat.Store().ListReports(ctx)
	if err != nil {
		h.renderError(c, err)
		return
	}
	out := make([]models.ReportWithConversation, 0, len(reports))
	for _, r := range reports {
		conv, err := h.chat.Store().GetConversation(ctx, r.ConversationID)
		if err != nil {
			h.renderError(c, err)
			return
		}
		msgs, err := h.chat.Store().ListMessages(ctx, r.ConversationID, 0, 0)
		if err != nil {
			h.renderError(c, err)
			return
		}
		out = append(out, models.ReportWithConversation{Report: *r, Conversation: *conv, Messages: msgs})
	}
	c.JSON(http.StatusOK, gin.H{"reports": out})
}

func (h *Handler) resolveReport(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	if !id.HasRole(auth.RoleAgent) && !id.HasRole(auth.RoleAdmin) {
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
		return
	}
	reportID, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.chat.Store().ResolveReport(c.Request.Context(), reportID); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.ReportResolved})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// renderError maps service and store sentinels onto HTTP statuses.
func (h *Handler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrConversationNotFound),
		errors.Is(err, store.ErrLiveChatNotFound),
		errors.Is(err, store.ErrReportNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrConversationClosed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrAlreadyAssigned):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrInvalidParticipants),
		errors.Is(err, livechat.ErrSubjectRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
