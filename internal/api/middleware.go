package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"reservation-service/internal/idempotency"
	"reservation-service/internal/models"
	"reservation-service/internal/service"
	"reservation-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Header names
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

// capturingWriter tees the response body so it can be stored for replay
type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// IdempotencyMiddleware replays the first response of a mutating request carrying an
// Idempotency-Key header. Requests without the header pass straight through.
func IdempotencyMiddleware(guard *idempotency.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(HeaderIdempotencyKey)
		if token == "" || !isMutating(c.Request.Method) {
			c.Next()
			return
		}

		rec, replayed, err := guard.Execute(c.Request.Context(), token, func(ctx context.Context) (*models.IdempotencyRecord, error) {
			w := &capturingWriter{ResponseWriter: c.Writer}
			c.Writer = w
			c.Next()
			c.Writer = w.ResponseWriter

			return &models.IdempotencyRecord{
				StatusCode: w.Status(),
				Headers:    w.Header().Clone(),
				Body:       append([]byte(nil), w.body.Bytes()...),
			}, nil
		})

		switch {
		case errors.Is(err, idempotency.ErrInProgress):
			abortWithError(c, http.StatusConflict, codeIdempotencyInProgress, "a request with this idempotency key is still being processed")
		case err != nil:
			util.GetLogger().Error("Idempotency guard failed", zap.String("token", token), zap.Error(err))
			abortWithError(c, http.StatusInternalServerError, string(service.CodeTransactionFailure), "internal error")
		case replayed:
			replay(c, rec)
		}
	}
}

func replay(c *gin.Context, rec *models.IdempotencyRecord) {
	for k, values := range rec.Headers {
		if k == "Content-Length" {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Header(HeaderReplayed, "true")
	c.Status(rec.StatusCode)
	_, _ = c.Writer.Write(rec.Body)
	c.Abort()
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
