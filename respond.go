package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mmdatafocus/procuresight_backend/alerts"
	"github.com/mmdatafocus/procuresight_backend/config"
	"github.com/mmdatafocus/procuresight_backend/middlewares"
	"github.com/mmdatafocus/procuresight_backend/utils"
	"github.com/mmdatafocus/procuresight_backend/workflow"
)

type errorBody struct {
	Error     string         `json:"error"`
	Kind      string         `json:"kind"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// statusFor maps pipeline errors onto HTTP statuses.
func statusFor(err error) (int, errorBody) {
	var (
		pe *utils.ParseError
		ee *utils.ExtractionError
		se *utils.StorageError
	)
	body := errorBody{Error: err.Error()}
	switch {
	case errors.As(err, &pe):
		body.Kind = "parse_error"
		body.Details = map[string]any{"format": pe.Format}
		if pe.Row > 0 {
			body.Details["row"] = pe.Row
		}
		if pe.Column != "" {
			body.Details["column"] = pe.Column
		}
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &ee):
		body.Kind = "extraction_error"
		body.Retryable = ee.Retryable
		if ee.Field != "" {
			body.Details = map[string]any{"field": ee.Field}
		}
		if ee.Retryable {
			return http.StatusServiceUnavailable, body
		}
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &se):
		body.Kind = "storage_error"
		body.Retryable = true
		body.Details = map[string]any{"op": se.Op}
		return http.StatusServiceUnavailable, body
	case errors.Is(err, utils.ErrorRecordNotFound):
		body.Kind = "not_found"
		return http.StatusNotFound, body
	case errors.Is(err, alerts.ErrInvalidTransition):
		body.Kind = "invalid_transition"
		return http.StatusConflict, body
	case errors.Is(err, alerts.ErrUnknownStatus):
		body.Kind = "invalid_request"
		return http.StatusBadRequest, body
	case errors.Is(err, workflow.ErrClassMismatch):
		body.Kind = "unsupported_document"
		return http.StatusUnsupportedMediaType, body
	case errors.Is(err, context.DeadlineExceeded), utils.IsTimeout(err):
		body.Kind = "timeout"
		body.Retryable = true
		return http.StatusServiceUnavailable, body
	}
	body.Kind = "internal"
	body.Error = "internal error"
	return http.StatusInternalServerError, body
}

// respondError writes err as JSON. Server-side failures are logged with the
// request's org and correlation id.
func respondError(c *gin.Context, funcName string, err error) {
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError {
		config.GetLogger().WithFields(logrus.Fields{
			"module":         "server",
			"funcName":       funcName,
			"org_id":         middlewares.OrgId(c),
			"correlation_id": middlewares.CorrelationId(c),
			"status":         status,
		}).Error(err.Error())
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: msg, Kind: "invalid_request"})
}
