package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentbus/agentbus/internal/common/logger"
	"github.com/agentbus/agentbus/internal/core"
)

// respondError maps core error kinds onto HTTP status codes. Every error body
// carries the machine-readable kind and the human-readable reason.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	kind := core.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case core.KindNotFound:
		status = http.StatusNotFound
	case core.KindInvalidInput:
		status = http.StatusBadRequest
	case core.KindUnauthorized:
		status = http.StatusUnauthorized
	case core.KindConflict:
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}

	c.JSON(status, gin.H{
		"kind":   string(kind),
		"reason": core.ReasonOf(err),
	})
}

// respondBindError reports a malformed request body.
func respondBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"kind":   string(core.KindInvalidInput),
		"reason": err.Error(),
	})
}
