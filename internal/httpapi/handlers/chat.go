package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/convcache/internal/chat"
	"github.com/suPer8Hu/convcache/internal/common"
)

// CreateSession issues a fresh anonymous session id.
func (h *Handler) CreateSession(c *gin.Context) {
	id, err := common.NewULID()
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"session_id": id})
}

type appendReq struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content" binding:"required"`
}

func (h *Handler) AppendMessage(c *gin.Context) {
	var req appendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	role := chat.Role(strings.ToLower(strings.TrimSpace(req.Role)))
	if !role.Valid() {
		common.Fail(c, http.StatusBadRequest, 10002, "role must be user or assistant")
		return
	}

	sid := c.Param("id")
	res, err := h.GW.Append(c.Request.Context(), caller(c, sid), sid, role, req.Content)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, res)
}

func (h *Handler) History(c *gin.Context) {
	sid := c.Param("id")
	entries, err := h.GW.History(c.Request.Context(), caller(c, sid), sid)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"session_id": sid, "messages": entries})
}

type generateReq struct {
	Prompt string `json:"prompt" binding:"required"`
}

func (h *Handler) Generate(c *gin.Context) {
	var req generateReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		common.Fail(c, http.StatusBadRequest, 10001, "prompt required")
		return
	}

	sid := c.Param("id")
	res, err := h.GW.Generate(c.Request.Context(), caller(c, sid), sid, req.Prompt)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, res)
}

// DeleteSession purges an anonymous session. Authenticated conversations are not
// deleted through this route.
func (h *Handler) DeleteSession(c *gin.Context) {
	res, err := h.GW.DeleteSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, res)
}

func (h *Handler) Usage(c *gin.Context) {
	sid := strings.TrimSpace(c.Query("session_id"))
	who := caller(c, sid)
	if err := who.Validate(); err != nil {
		common.Fail(c, http.StatusBadRequest, 10003, "session_id or token required")
		return
	}
	snap, err := h.GW.Usage(c.Request.Context(), who)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, snap)
}
