package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/icn-node/internal/canonical"
	"github.com/jmerrifield20/icn-node/internal/checkpoint"
	"github.com/jmerrifield20/icn-node/internal/model"
	"github.com/jmerrifield20/icn-node/internal/node/service"
	"github.com/jmerrifield20/icn-node/internal/signature"
	"github.com/jmerrifield20/icn-node/internal/trust"
	"github.com/jmerrifield20/icn-node/internal/trustledger"
)

// respondError maps service and ledger errors to HTTP statuses. Unexpected
// errors are logged and reported as 500 with fallback as the message.
func respondError(c *gin.Context, logger *zap.Logger, err error, fallback string) {
	var valErr *model.ErrValidation
	var encErr *canonical.EncodingError

	switch {
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": valErr.Msg})
	case errors.As(err, &encErr),
		errors.Is(err, trust.ErrUnknownOrg),
		errors.Is(err, checkpoint.ErrInvalidDateFormat),
		errors.Is(err, checkpoint.ErrDayNotClosed),
		errors.Is(err, model.ErrKeyImmutable):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, signature.ErrUnknownSigner),
		errors.Is(err, signature.ErrSignatureInvalid):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, checkpoint.ErrCheckpointNotFound),
		errors.Is(err, checkpoint.ErrEntryNotInCheckpoint),
		errors.Is(err, trustledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, trustledger.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, trustledger.ErrConcurrencyConflict):
		recordConcurrencyConflict()
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		logger.Error(fallback, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
