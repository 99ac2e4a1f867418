package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/convcache/internal/common"
	"github.com/suPer8Hu/convcache/internal/httpapi/middleware"
	"github.com/suPer8Hu/convcache/internal/identity"
	"github.com/suPer8Hu/convcache/internal/migration"
)

type migrateReq struct {
	AnonymousID string `json:"anonymous_id" binding:"required"`
}

// Migrate moves the anonymous session named in the body to the token's user. A
// migration whose transfer committed but whose replication is still pending answers
// 202; one that moved nothing answers 503 with retry guidance.
func (h *Handler) Migrate(c *gin.Context) {
	var req migrateReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.AnonymousID) == "" {
		common.Fail(c, http.StatusBadRequest, 10001, "anonymous_id required")
		return
	}
	user := identity.Authenticated(c.GetString(middleware.UserIDKey))

	res, err := h.GW.Migrate(c.Request.Context(), identity.Anonymous(strings.TrimSpace(req.AnonymousID)), user)
	if err != nil {
		h.fail(c, err)
		return
	}

	switch {
	case res.Status == migration.StatusCompleted:
		common.OK(c, res)
	case res.ConversationsMigrated > 0:
		common.Respond(c, http.StatusAccepted, 20200, "replication pending", gin.H{"migration": res, "retry": true})
	default:
		common.FailWith(c, http.StatusServiceUnavailable, 50301, "migration failed", gin.H{"migration": res, "retry": true})
	}
}

// MigrationStatus reports the caller's migration of an anonymous session.
func (h *Handler) MigrationStatus(c *gin.Context) {
	user := identity.Authenticated(c.GetString(middleware.UserIDKey))
	rec, err := h.GW.MigrationStatus(c.Request.Context(), identity.Anonymous(c.Param("anonymous_id")), user)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, rec)
}
