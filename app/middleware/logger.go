package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"hetbalancer/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/pretty"
)

// HeaderRequestID request id header, echoed back on every response
const HeaderRequestID = "X-Request-ID"

const maxLoggedBody = 1000

// Logger tags the request context with a trace id and logs one line per
// request. POST bodies are logged compacted.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := logger.WithTraceID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderRequestID, requestID)

		start := time.Now()

		var body string
		if c.Request.Method == http.MethodPost {
			body = getRequestBody(c)
		}

		c.Next()

		status := c.Writer.Status()
		if status == http.StatusNotFound {
			return
		}

		msg := fmt.Sprintf("[GIN] %3d | %13v | %15s | %s | %s",
			status,
			time.Since(start),
			c.ClientIP(),
			c.Request.Method,
			c.Request.RequestURI,
		)
		if body != "" {
			msg += " | body: " + body
		}

		if status >= http.StatusInternalServerError {
			logger.ErrorCtx(ctx, "%s", msg)
			return
		}
		logger.InfoCtx(ctx, "%s", msg)
	}
}

func getRequestBody(c *gin.Context) string {
	if c.Request.Body == nil {
		return ""
	}
	data, _ := io.ReadAll(c.Request.Body)
	c.Request.Body = io.NopCloser(bytes.NewBuffer(data))
	return CompressBody(data)
}

// CompressBody strips JSON whitespace and truncates long bodies
func CompressBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	compressed := pretty.Ugly(body)
	if len(compressed) > maxLoggedBody {
		return string(compressed[:maxLoggedBody]) + "..."
	}
	return string(compressed)
}
