package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// sseConn adapts one server-sent-events response into the connection
// manager's Conn contract. Writes are serialized by the manager.
type sseConn struct {
	writer  gin.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
}

func (c *sseConn) Send(message []byte) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	if _, err := fmt.Fprintf(c.writer, "data: %s\n\n", message); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseConn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}

// Stream attaches the caller to the event fan-out over SSE. The connection
// stays open until the client disconnects.
func (s *Server) Stream(c *gin.Context) {
	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}
	flusher.Flush()

	userID := currentUserID(c)
	conn := &sseConn{writer: writer, flusher: flusher, done: make(chan struct{})}

	ctx := c.Request.Context()
	if err := s.manager.Attach(ctx, userID, conn); err != nil {
		// Headers and the retry hint are already on the wire, so an error
		// response cannot be written anymore. Ending the stream here lets
		// the client reconnect on its retry interval.
		s.log.Warn("stream attach failed, closing stream",
			zap.Int64("user_id", userID), zap.Error(err))
		_ = conn.Close()
		return
	}
	defer s.manager.Detach(ctx, userID)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.done:
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
