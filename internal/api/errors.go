package api

import (
	"errors"
	"net/http"

	"bot-core/internal/engine"
	"bot-core/internal/errs"
	"bot-core/pkg/db"

	"github.com/gin-gonic/gin"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondServiceError maps service and store errors onto HTTP statuses.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrBotNotFound), errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, engine.ErrAccountLimit):
		respondError(c, http.StatusConflict, "ACCOUNT_LIMIT", err.Error())
	case errors.Is(err, engine.ErrSymbolConflict):
		respondError(c, http.StatusConflict, "SYMBOL_CONFLICT", err.Error())
	case errors.Is(err, engine.ErrNotRunning):
		respondError(c, http.StatusConflict, "NOT_RUNNING", err.Error())
	case errors.Is(err, db.ErrAccountRequired):
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
	case errs.Is(err, errs.KindConfig):
		respondError(c, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
	case errs.Is(err, errs.KindDataUnavailable):
		respondError(c, http.StatusBadGateway, "VENUE_UNAVAILABLE", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
