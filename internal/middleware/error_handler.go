package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/c50bossio/hybrid-payments/internal/repository"
	"github.com/c50bossio/hybrid-payments/internal/service"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// MapError turns a service error into a status and body. Handlers push errors with
// c.Error and ErrorHandler renders the last one.
func MapError(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, ErrorResponse{Error: "invalid request", Details: err.Error()}
	case errors.Is(err, service.ErrSignatureInvalid):
		return http.StatusBadRequest, ErrorResponse{Error: "invalid webhook signature"}
	case errors.Is(err, service.ErrNotFound), errors.Is(err, pgx.ErrNoRows):
		return http.StatusNotFound, ErrorResponse{Error: "resource not found"}
	case errors.Is(err, service.ErrInvalidTransition):
		return http.StatusConflict, ErrorResponse{Error: "invalid status transition", Details: err.Error()}
	case errors.Is(err, service.ErrClaimConflict), errors.Is(err, repository.ErrConflict):
		return http.StatusConflict, ErrorResponse{Error: "resource already claimed", Details: err.Error()}
	case errors.Is(err, service.ErrSyncInProgress):
		return http.StatusConflict, ErrorResponse{Error: "sync already in progress"}
	case errors.Is(err, service.ErrBelowMinimum):
		return http.StatusUnprocessableEntity, ErrorResponse{Error: "below minimum collection amount", Details: err.Error()}
	case errors.Is(err, service.ErrConfiguration):
		return http.StatusUnprocessableEntity, ErrorResponse{Error: "merchant payment configuration unavailable"}
	case errors.Is(err, service.ErrConnectionUnavailable):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "no healthy external processor connection"}
	case errors.Is(err, service.ErrBackpressure):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "webhook intake busy, retry later"}
	}
	return MapDBError(err)
}

func MapDBError(err error) (int, ErrorResponse) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return http.StatusConflict, ErrorResponse{
				Error:   "resource already exists",
				Details: pgErr.Detail,
			}
		case "23503": // foreign_key_violation
			return http.StatusBadRequest, ErrorResponse{
				Error:   "referenced resource does not exist",
				Details: pgErr.Detail,
			}
		case "23514": // check_violation
			return http.StatusBadRequest, ErrorResponse{
				Error:   "constraint violation",
				Details: pgErr.Detail,
			}
		}
	}

	log.Error().Err(err).Msg("unhandled error")
	return http.StatusInternalServerError, ErrorResponse{Error: "internal server error"}
}

func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			err := c.Errors.Last().Err
			status, resp := MapError(err)
			c.JSON(status, resp)
		}
	}
}
