package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/anthropic"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/logging"
)

// NonStreamHandler is the subset of handler.MessageHandler the endpoint
// depends on.
type NonStreamHandler interface {
	Handle(ctx context.Context, req *anthropic.MessagesRequest, requestID string) (any, int)
}

// StreamHandler is the subset of handler.StreamingHandler the endpoint
// depends on.
type StreamHandler interface {
	Handle(ctx context.Context, req *anthropic.MessagesRequest, requestID string, w http.ResponseWriter) error
}

// MessagesEndpoint implements POST /v1/messages, dispatching to whichever
// handler matches the request's stream flag.
type MessagesEndpoint struct {
	nonStream NonStreamHandler
	stream    StreamHandler
	log       *zap.Logger
}

func NewMessagesEndpoint(nonStream NonStreamHandler, stream StreamHandler) *MessagesEndpoint {
	return &MessagesEndpoint{nonStream: nonStream, stream: stream, log: logging.Named("messages-endpoint")}
}

func (e *MessagesEndpoint) Handle(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, anthropic.ErrorBody{
			Type:  "error",
			Error: anthropic.ErrorDetail{Type: "invalid_request_error", Message: err.Error()},
		})
		return
	}

	requestID := "req_" + uuid.NewString()

	if req.Stream {
		if err := e.stream.Handle(c.Request.Context(), &req, requestID, c.Writer); err != nil {
			e.log.Warn("streaming handler failed before writing any headers", zap.Error(err), zap.String("request_id", requestID))
			c.JSON(http.StatusInternalServerError, anthropic.ErrorBody{
				Type:  "error",
				Error: anthropic.ErrorDetail{Type: "internal_error", Message: "stream setup failed"},
			})
		}
		return
	}

	body, status := e.nonStream.Handle(c.Request.Context(), &req, requestID)
	c.JSON(status, body)
}
