package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chatpush/internal/dispatch"
	"chatpush/internal/reconcile"
	"chatpush/internal/task/scheduler"
	"chatpush/internal/tokens"
	logx "chatpush/pkg/logx"
)

type endpointRequest struct {
	Endpoint string `json:"endpoint"`
}

type messageRequest struct {
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	ReceiverID     string `json:"receiverId"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Text           string `json:"text"`
	MessageType    string `json:"messageType"`
	Timestamp      int64  `json:"timestamp,omitempty"` // unix millis
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) registerToken(c *gin.Context) {
	var req endpointRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Endpoint) == "" {
		abort(c, http.StatusBadRequest, "endpoint is required")
		return
	}
	res, err := s.tokens.Register(c.Request.Context(), userID(c), req.Endpoint)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": len(res.Endpoints), "changed": res.Changed})
}

func (s *Server) evictToken(c *gin.Context) {
	var req endpointRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Endpoint) == "" {
		abort(c, http.StatusBadRequest, "endpoint is required")
		return
	}
	removed, err := s.tokens.Evict(c.Request.Context(), userID(c), req.Endpoint)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) listTokens(c *gin.Context) {
	eps, err := s.tokens.Snapshot(c.Request.Context(), userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": eps})
}

func (s *Server) messageCreated(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid message event")
		return
	}
	ev := dispatch.Event{
		SenderID:       req.SenderID,
		SenderName:     req.SenderName,
		RecipientID:    req.ReceiverID,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Text:           req.Text,
		MessageType:    req.MessageType,
	}
	if req.Timestamp > 0 {
		ev.CreatedAt = time.UnixMilli(req.Timestamp)
	}
	ctx, cancel := s.detached(c, s.cfg.DispatchTimeout)
	defer cancel()
	rep, err := s.dispatcher.Dispatch(ctx, ev)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) runReconcile(c *gin.Context) {
	ctx, cancel := s.detached(c, s.cfg.ReconcileTimeout)
	defer cancel()
	stats, err := s.reconciler.Run(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// detached outlives a disconnecting caller so started attempts and their
// evictions complete, bounded by limit.
func (s *Server) detached(c *gin.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.Request.Context()), limit)
}

type reconcileStatus struct {
	Last     *reconcile.Stats `json:"last,omitempty"`
	Schedule *scheduler.Entry `json:"schedule,omitempty"`
}

func (s *Server) lastReconcile(c *gin.Context) {
	var out reconcileStatus
	if stats, ok := s.reconciler.Last(); ok {
		out.Last = &stats
	}
	if s.schedules != nil {
		for _, e := range s.schedules.Entries() {
			if e.Name == reconcile.JobName {
				out.Schedule = &e
				break
			}
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tokens.ErrInvalidArgument), errors.Is(err, dispatch.ErrNoRecipient):
		abort(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, tokens.ErrStoreUnavailable):
		abort(c, http.StatusServiceUnavailable, "token store unavailable")
	case errors.Is(err, reconcile.ErrAlreadyRunning):
		abort(c, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed", logx.String("path", c.FullPath()), logx.Err(err))
		abort(c, http.StatusInternalServerError, "internal error")
	}
}
