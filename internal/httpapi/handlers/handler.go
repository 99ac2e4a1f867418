package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/convcache/internal/common"
	"github.com/suPer8Hu/convcache/internal/gateway"
	"github.com/suPer8Hu/convcache/internal/httpapi/middleware"
	"github.com/suPer8Hu/convcache/internal/identity"
)

type Handler struct {
	GW  *gateway.Gateway
	Log logrus.FieldLogger
}

func NewHandler(gw *gateway.Gateway, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{GW: gw, Log: log}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// caller is the authenticated user when the request carried a token, otherwise the
// anonymous session named by sessionID.
func caller(c *gin.Context, sessionID string) identity.Identity {
	if uid := c.GetString(middleware.UserIDKey); uid != "" {
		return identity.Authenticated(uid)
	}
	return identity.Anonymous(sessionID)
}

// fail maps a gateway error onto the response envelope.
func (h *Handler) fail(c *gin.Context, err error) {
	var qe *common.QuotaError
	switch {
	case errors.As(err, &qe):
		common.FailWith(c, http.StatusTooManyRequests, 42900, "quota exceeded", gin.H{
			"limit":     qe.Limit,
			"used":      qe.Used,
			"remaining": qe.Remaining(),
			"period":    qe.Period,
			"tier":      qe.Tier,
		})
	case errors.Is(err, identity.ErrInvalid):
		common.Fail(c, http.StatusBadRequest, 10004, err.Error())
	case errors.Is(err, common.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40400, "not found")
	case errors.Is(err, common.ErrMigrationConflict):
		common.FailWith(c, http.StatusConflict, 40900, "migration in progress", gin.H{"retry": true})
	case errors.Is(err, common.ErrTransientStore):
		h.logError(c, err).Warn("transient failure")
		common.FailWith(c, http.StatusServiceUnavailable, 50300, "temporarily unavailable", gin.H{"retry": true})
	case errors.Is(err, common.ErrIntegrityViolation):
		h.logError(c, err).Error("integrity violation")
		common.Fail(c, http.StatusInternalServerError, 50010, "integrity violation")
	default:
		h.logError(c, err).Error("request failed")
		common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
	}
}

func (h *Handler) logError(c *gin.Context, err error) logrus.FieldLogger {
	return h.Log.WithError(err).WithFields(logrus.Fields{
		"request_id": c.GetString(middleware.RequestIDKey),
		"path":       c.FullPath(),
	})
}
