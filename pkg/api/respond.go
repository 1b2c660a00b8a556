package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ethan/vas-ingest/pkg/vaserr"
)

// conflictRetrySeconds tells clients how long to wait before retrying a
// request that hit a transient conflict.
const conflictRetrySeconds = 5

type errorBody struct {
	ErrorCode         string `json:"error_code"`
	Message           string `json:"message"`
	Detail            string `json:"detail,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// respondError maps a categorized error onto the wire format. The message is
// the categorized description; detail carries the underlying cause when one
// exists.
func (s *Server) respondError(c *gin.Context, err error) {
	kind := vaserr.KindOf(err)
	status := kind.HTTPStatus()

	body := errorBody{
		ErrorCode: kind.String(),
		Message:   err.Error(),
	}
	if cause := errors.Unwrap(err); cause != nil {
		body.Detail = cause.Error()
	}
	if status == http.StatusConflict {
		body.RetryAfterSeconds = conflictRetrySeconds
	}

	if status >= 500 {
		s.opts.Logger.Error("request failed", "error_code", body.ErrorCode, "error", err)
	}
	c.JSON(status, body)
}

// respondBadRequest reports a malformed request body or parameter.
func (s *Server) respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorBody{
		ErrorCode: "BAD_REQUEST",
		Message:   message,
	})
}
