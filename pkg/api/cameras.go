package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ethan/vas-ingest/pkg/store"
	"github.com/ethan/vas-ingest/pkg/vaserr"
)

type cameraRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	RTSPURL  string `json:"rtsp_url"`
}

func validRTSPURL(u string) bool {
	return strings.HasPrefix(u, "rtsp://") || strings.HasPrefix(u, "rtsps://")
}

func (s *Server) createCamera(c *gin.Context) {
	var req cameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		s.respondBadRequest(c, "name is required")
		return
	}
	if !validRTSPURL(req.RTSPURL) {
		s.respondBadRequest(c, "rtsp_url must start with rtsp:// or rtsps://")
		return
	}

	if existing, err := s.opts.Repo.GetCameraByRTSPURL(c.Request.Context(), req.RTSPURL); err == nil {
		s.respondError(c, vaserr.Newf(vaserr.KindIllegalTransition,
			"rtsp_url already registered as camera %s", existing.ID))
		return
	}

	cam := &store.Camera{
		Name:     req.Name,
		Location: req.Location,
		RTSPURL:  req.RTSPURL,
	}
	if err := s.opts.Repo.CreateCamera(c.Request.Context(), cam); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cam)
}

func (s *Server) listCameras(c *gin.Context) {
	cams, err := s.opts.Repo.ListCameras(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}

	type cameraView struct {
		*store.Camera
		StreamState store.StreamState `json:"stream_state,omitempty"`
	}

	out := make([]cameraView, 0, len(cams))
	for _, cam := range cams {
		view := cameraView{Camera: cam}
		if st, err := s.opts.Repo.GetStreamByCamera(c.Request.Context(), cam.ID); err == nil {
			view.StreamState = st.State
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, gin.H{"cameras": out, "total": len(out)})
}

func (s *Server) getCamera(c *gin.Context) {
	cam, err := s.opts.Repo.GetCamera(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cam)
}

func (s *Server) updateCamera(c *gin.Context) {
	cam, err := s.opts.Repo.GetCamera(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	var req cameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	if req.RTSPURL != "" && req.RTSPURL != cam.RTSPURL {
		if !validRTSPURL(req.RTSPURL) {
			s.respondBadRequest(c, "rtsp_url must start with rtsp:// or rtsps://")
			return
		}
		if s.opts.Ingestor.Registry().Get(cam.ID) != nil {
			s.respondError(c, vaserr.New(vaserr.KindIllegalTransition,
				"cannot change rtsp_url while the stream is running; stop it first"))
			return
		}
		cam.RTSPURL = req.RTSPURL
	}
	if req.Name != "" {
		cam.Name = req.Name
	}
	if req.Location != "" {
		cam.Location = req.Location
	}

	if err := s.opts.Repo.UpdateCamera(c.Request.Context(), cam); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cam)
}

func (s *Server) deleteCamera(c *gin.Context) {
	id := c.Param("id")

	if s.opts.Ingestor.Registry().Get(id) != nil {
		s.respondError(c, vaserr.New(vaserr.KindIllegalTransition,
			"camera has a running stream; stop it first"))
		return
	}

	if err := s.opts.Repo.DeleteCamera(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "camera_id": id})
}

// validateCamera probes an RTSP URL without registering anything. A source
// that cannot be reached is a negative result, not an API failure.
func (s *Server) validateCamera(c *gin.Context) {
	var req struct {
		RTSPURL string `json:"rtsp_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if !validRTSPURL(req.RTSPURL) {
		s.respondBadRequest(c, "rtsp_url must start with rtsp:// or rtsps://")
		return
	}

	ssrcVal, err := s.opts.Ingestor.Probe(c.Request.Context(), req.RTSPURL)
	if err != nil {
		switch vaserr.KindOf(err) {
		case vaserr.KindRTSPConnectionFailed, vaserr.KindSSRCCaptureFailed, vaserr.KindTimeout:
			c.JSON(http.StatusOK, gin.H{
				"valid":  false,
				"reason": vaserr.KindOf(err).String(),
			})
		default:
			s.respondError(c, err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "ssrc": ssrcVal})
}

func (s *Server) cameraStatus(c *gin.Context) {
	id := c.Param("id")

	cam, err := s.opts.Repo.GetCamera(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}

	resp := gin.H{"camera": cam}

	if st, err := s.opts.Repo.GetStreamByCamera(c.Request.Context(), id); err == nil {
		resp["stream"] = st
	}
	sess := s.opts.Ingestor.Registry().Get(id)
	streaming := gin.H{"active": sess != nil}
	if sess != nil {
		streaming["room_id"] = sess.RoomID
		streaming["started_at"] = sess.StartedAt
		resp["session"] = gin.H{
			"room_id":       sess.RoomID,
			"transport_id":  sess.TransportID,
			"producer_id":   sess.ProducerID,
			"assigned_port": sess.AssignedPort,
			"ssrc":          sess.SSRC,
			"started_at":    sess.StartedAt,
			"process_alive": sess.Process != nil && sess.Process.Running(),
		}
	}
	resp["streaming"] = streaming
	resp["auto_restart_suspended"] = s.opts.Health.Failed(id)

	c.JSON(http.StatusOK, resp)
}

func (s *Server) startStream(c *gin.Context) {
	id := c.Param("id")

	res, err := s.opts.Ingestor.Start(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}

	// A manual start is the operator vouching for the camera: lift any
	// FAILED verdict so auto-restart resumes.
	s.opts.Health.MarkHealthy(res.RoomID)

	status := "started"
	if res.Reconnect {
		status = "reconnected"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"camera_id":      res.CameraID,
		"room_id":        res.RoomID,
		"v2_stream_id":   res.StreamID,
		"transport_id":   res.TransportID,
		"producers":      gin.H{"video": res.VideoProducer},
		"ssrc":           res.SSRC,
		"started_at":     res.StartedAt,
		"producer_ready": res.ProducerReady,
		"reconnect":      res.Reconnect,
	})
}

func (s *Server) stopStream(c *gin.Context) {
	id := c.Param("id")

	if err := s.opts.Ingestor.Stop(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "camera_id": id})
}
