package server

import (
	"net/http"
	"time"

	"github.com/danmuck/framegrab/internal/client"
	"github.com/danmuck/framegrab/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type clientStatus struct {
	ID       string              `json:"id"`
	State    string              `json:"state"`
	Endpoint string              `json:"endpoint,omitempty"`
	Stream   *session.StreamInfo `json:"stream,omitempty"`
	Stats    clientCounters      `json:"stats"`
}

type clientCounters struct {
	Received          uint64 `json:"received"`
	Delivered         uint64 `json:"delivered"`
	DroppedQueueFull  uint64 `json:"dropped_queue_full"`
	DroppedMalformed  uint64 `json:"dropped_malformed"`
	DroppedNoBuffer   uint64 `json:"dropped_no_buffer"`
	DroppedThrottled  uint64 `json:"dropped_throttled"`
	DroppedProcessing uint64 `json:"dropped_processing"`
	CallbackPanics    uint64 `json:"callback_panics"`
	Disconnects       uint64 `json:"disconnects"`
	QueueLen          int    `json:"queue_len"`
	QueueCap          int    `json:"queue_cap"`
	Outstanding       int    `json:"buffers_outstanding"`
	Resyncs           uint64 `json:"resyncs"`
	SkippedBytes      uint64 `json:"skipped_bytes"`
	Lost              uint64 `json:"lost"`
}

func statusOf(c *client.Client) clientStatus {
	st := c.Stats()
	out := clientStatus{
		ID:    c.ID(),
		State: st.State.String(),
		Stats: clientCounters{
			Received:          st.Received,
			Delivered:         st.Delivered,
			DroppedQueueFull:  st.DroppedQueueFull,
			DroppedMalformed:  st.DroppedMalformed,
			DroppedNoBuffer:   st.DroppedNoBuffer,
			DroppedThrottled:  st.DroppedThrottled,
			DroppedProcessing: st.DroppedProcessing,
			CallbackPanics:    st.CallbackPanics,
			Disconnects:       st.Disconnects,
			QueueLen:          st.QueueLen,
			QueueCap:          st.QueueCap,
			Outstanding:       st.Buffers.Outstanding,
			Resyncs:           st.Transport.Resyncs,
			SkippedBytes:      st.Transport.SkippedBytes,
			Lost:              st.Transport.Lost,
		},
	}
	if st.State == client.StateConnected {
		out.Endpoint = c.Endpoint().String()
		if info, ok := c.Stream(); ok {
			out.Stream = &info
		}
	}
	return out
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"version": Version,
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Ready once any tracked client holds a stream.
	s.router.GET("/ready", func(c *gin.Context) {
		for _, cl := range s.tracked() {
			if cl.State() == client.StateConnected {
				c.JSON(http.StatusOK, gin.H{"status": "ready"})
				return
			}
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
	})

	s.router.GET("/clients", func(c *gin.Context) {
		tracked := s.tracked()
		out := make([]clientStatus, 0, len(tracked))
		for _, cl := range tracked {
			out = append(out, statusOf(cl))
		}
		c.JSON(http.StatusOK, gin.H{"clients": out})
	})

	s.router.GET("/clients/:id", func(c *gin.Context) {
		cl, ok := s.lookup(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown client"})
			return
		}
		c.JSON(http.StatusOK, statusOf(cl))
	})
}
