package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/arkchat/arkchat/internal/ai"
	"github.com/arkchat/arkchat/internal/chat"
	"github.com/arkchat/arkchat/internal/common"
)

type createSessionReq struct {
	Model string `json:"model"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	ctrl := h.controllerFor(uid)
	if req.Model != "" {
		sel, err := ai.ParseModelSelection(req.Model)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, 10003, "unknown model")
			return
		}
		ctrl.SetModel(sel)
	}

	sess, err := ctrl.CreateSession(c.Request.Context())
	if err != nil {
		failFrom(c, err)
		return
	}

	if h.Redis != nil {
		_ = h.Redis.InvalidateSessions(c.Request.Context(), uid)
	}
	common.Ok(c, gin.H{"session": sess})
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	if h.Redis != nil {
		if cached, err := h.Redis.CachedSessions(c.Request.Context(), uid); err == nil && cached != nil {
			common.Ok(c, gin.H{"sessions": cached})
			return
		}
	}

	sessions, err := h.Repo.ListSessions(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list sessions")
		return
	}

	if h.Redis != nil {
		if err := h.Redis.CacheSessions(c.Request.Context(), uid, sessions); err != nil {
			log.Printf("session cache write failed uid=%d err=%v", uid, err)
		}
	}
	common.Ok(c, gin.H{"sessions": sessions})
}

// SelectChatSession makes a session current for the user's controller and
// returns its full history.
func (h *Handler) SelectChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	sessionID := c.Param("session_id")

	ctrl := h.controllerFor(uid)
	if err := ctrl.SelectSession(c.Request.Context(), sessionID); err != nil {
		failFrom(c, err)
		return
	}
	common.Ok(c, gin.H{
		"session_id": sessionID,
		"messages":   ctrl.Messages(),
	})
}

func (h *Handler) DeleteChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	sessionID := c.Param("session_id")

	ctrl := h.controllerFor(uid)
	if err := ctrl.DeleteSession(c.Request.Context(), sessionID); err != nil {
		failFrom(c, err)
		return
	}

	if h.Redis != nil {
		_ = h.Redis.InvalidateSessions(c.Request.Context(), uid)
	}
	common.Ok(c, gin.H{"deleted": sessionID})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessionID := c.Param("session_id")
	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if v := c.Query("before_id"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.Repo.ListMessagesPage(c.Request.Context(), uid, sessionID, limit, beforeID)
	if err != nil {
		failFrom(c, err)
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}
	common.Ok(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}

type sendMessageReq struct {
	Message string `json:"message" binding:"required"`
}

// SendChatMessageStream drives the controller's send state machine and relays
// deltas to the browser as SSE events (chunk/ping/done/error).
func (h *Handler) SendChatMessageStream(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"flusher not supported\"}\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	ctx := c.Request.Context()
	ctrl := h.controllerFor(uid)
	chunks, errs := ctrl.SendMessageStream(ctx, req.Message)

	// heartbeat ticker keeps intermediaries from closing the connection
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case frag, ok := <-chunks:
			if !ok {
				chunks = nil
				// the send settled; surface any terminal error
				select {
				case err := <-errs:
					if err != nil {
						writeJSON("error", gin.H{"type": "error", "message": err.Error()})
						return
					}
				default:
				}
				writeJSON("done", gin.H{
					"type":       "done",
					"session_id": ctrl.CurrentSessionID(),
				})
				return
			}
			writeJSON("chunk", gin.H{"type": "chunk", "delta": frag})

		case <-ticker.C:
			writeJSON("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case <-ctx.Done():
			return
		}
	}
}

// StopChatGeneration aborts the in-flight generation. Idempotent.
func (h *Handler) StopChatGeneration(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	h.controllerFor(uid).StopGeneration()
	common.Ok(c, gin.H{"stopped": true})
}

// SendChatMessageAsync persists the user turn, records a job and enqueues it
// for the worker. The assistant turn lands when the worker finishes.
func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	type reqBody struct {
		SessionID string `json:"session_id" binding:"required"`
		Message   string `json:"message" binding:"required"`
	}
	var req reqBody

	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if h.Rabbit == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "async path disabled")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	if _, _, err := h.Repo.InsertUserMessageOrGetExisting(c.Request.Context(), uid, req.SessionID, req.Message, idempoKeyPtr); err != nil {
		failFrom(c, err)
		return
	}

	jobID, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	j := &chat.Job{
		ID:             jobID,
		UserID:         uid,
		SessionID:      req.SessionID,
		Prompt:         req.Message,
		IdempotencyKey: idempoKeyPtr,
		Status:         chat.JobQueued,
	}
	job, created, err := h.Repo.CreateJobOrGetExisting(c.Request.Context(), j)
	if err != nil {
		log.Printf("create job failed uid=%d session=%s err=%v", uid, req.SessionID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), job.ID); err != nil {
			log.Printf("publish job failed uid=%d job=%s err=%v", uid, job.ID, err)
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.Ok(c, gin.H{"job_id": job.ID})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.Repo.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if j.UserID != uid {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	common.Ok(c, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"session_id":        j.SessionID,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}
