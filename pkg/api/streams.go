package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ethan/vas-ingest/pkg/store"
)

func (s *Server) listStreams(c *gin.Context) {
	filter := store.StreamFilter{
		State: store.StreamState(c.Query("state")),
	}
	if filter.State != "" && !filter.State.Valid() {
		s.respondBadRequest(c, "unknown state "+string(filter.State))
		return
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondBadRequest(c, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondBadRequest(c, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	streams, total, err := s.opts.Repo.ListStreams(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"streams": streams, "total": total})
}

func (s *Server) getStream(c *gin.Context) {
	st, err := s.opts.Repo.GetStream(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	resp := gin.H{"stream": st}
	if p, err := s.opts.Repo.ActiveProducer(c.Request.Context(), st.ID); err == nil {
		resp["producer"] = p
	}
	if st.State == store.StateLive && !st.SessionMetadata.StartedAt.IsZero() {
		resp["uptime_seconds"] = int64(time.Since(st.SessionMetadata.StartedAt).Seconds())
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) streamHealth(c *gin.Context) {
	st, err := s.opts.Repo.GetStream(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	monitor := s.opts.Health.GetStatus()
	sess := s.opts.Ingestor.Registry().Get(st.CameraID)
	processAlive := sess != nil && sess.Process != nil && sess.Process.Running()

	verdict := "unhealthy"
	switch {
	case st.State == store.StateLive && sess != nil &&
		monitor.RestartAttempts[st.CameraID] == 0 && !s.opts.Health.Failed(st.CameraID):
		verdict = "healthy"
	case st.State == store.StateLive && sess != nil:
		verdict = "degraded"
	case !st.State.Active():
		verdict = "stopped"
	}

	c.JSON(http.StatusOK, gin.H{
		"stream_id":              st.ID,
		"camera_id":              st.CameraID,
		"state":                  st.State,
		"verdict":                verdict,
		"healthy":                verdict == "healthy",
		"process_alive":          processAlive,
		"restart_attempts":       monitor.RestartAttempts[st.CameraID],
		"auto_restart_suspended": s.opts.Health.Failed(st.CameraID),
	})
}

func (s *Server) streamTransitions(c *gin.Context) {
	id := c.Param("id")

	if _, err := s.opts.Repo.GetStream(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	rows, err := s.opts.Repo.ListTransitions(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": rows, "total": len(rows)})
}

// routerCapabilities proxies the room's RTP capabilities so viewing clients
// can negotiate without talking to the router directly.
func (s *Server) routerCapabilities(c *gin.Context) {
	st, err := s.opts.Repo.GetStream(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	caps, err := s.opts.Router.GetRouterRTPCapabilities(c.Request.Context(), st.CameraID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": st.CameraID, "rtp_capabilities": caps})
}

func (s *Server) healthOverview(c *gin.Context) {
	monitor := s.opts.Health.GetStatus()
	sessions := s.opts.Ingestor.Registry().Snapshot()

	active := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		active = append(active, gin.H{
			"camera_id":     sess.CameraID,
			"room_id":       sess.RoomID,
			"producer_id":   sess.ProducerID,
			"ssrc":          sess.SSRC,
			"started_at":    sess.StartedAt,
			"process_alive": sess.Process != nil && sess.Process.Running(),
		})
	}

	resp := gin.H{
		"monitor":         monitor,
		"active_sessions": active,
	}
	if s.opts.QueueStats != nil {
		resp["restart_queue"] = s.opts.QueueStats()
	}
	c.JSON(http.StatusOK, resp)
}
