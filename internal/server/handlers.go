package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/amanullahtanweer/fluidy-recorder/internal/audio"
	"github.com/amanullahtanweer/fluidy-recorder/internal/bus"
	"github.com/amanullahtanweer/fluidy-recorder/internal/device"
	"github.com/amanullahtanweer/fluidy-recorder/internal/memo"
	"github.com/amanullahtanweer/fluidy-recorder/internal/session"
	"github.com/amanullahtanweer/fluidy-recorder/internal/store"
	"github.com/amanullahtanweer/fluidy-recorder/internal/transcriber"
	"github.com/gin-gonic/gin"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, device.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, device.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, session.ErrBusy), errors.Is(err, memo.ErrRecordingInProgress):
		return http.StatusConflict
	case errors.Is(err, session.ErrUnknownMode), errors.Is(err, store.ErrInvalidRecord),
		errors.Is(err, memo.ErrUnsupportedLanguage):
		return http.StatusBadRequest
	case errors.Is(err, memo.ErrEmptyTranscript):
		return http.StatusUnprocessableEntity
	case errors.Is(err, transcriber.ErrCapabilityUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrCaptureUnresponsive):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "store": s.store.Initialized()})
}

func (s *Server) handleState(c *gin.Context) {
	ctx := c.Request.Context()
	recording, err := s.store.State(ctx, store.KeyRecording)
	if err != nil {
		s.fail(c, err)
		return
	}
	recordingType, err := s.store.State(ctx, store.KeyRecordingType)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":         s.sessions.State(),
		"session":       s.sessions.Current(),
		"recording":     recording.Bool(),
		"recordingType": recordingType.String(),
		"language":      s.drafts.Language(),
	})
}

type startRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (s *Server) handleStartRecording(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := s.sessions.Start(c.Request.Context(), req.Mode)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleStopRecording(c *gin.Context) {
	if err := s.sessions.Stop(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.sessions.State()})
}

func (s *Server) handleGetDraft(c *gin.Context) {
	c.JSON(http.StatusOK, s.drafts.Draft())
}

func (s *Server) handleClearDraft(c *gin.Context) {
	if err := s.drafts.Clear(); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func parseQuery(c *gin.Context) (store.Query, bool) {
	q := store.Query{Order: store.Order(strings.ToLower(c.DefaultQuery("order", string(store.OrderDesc))))}
	if q.Order != store.OrderAsc && q.Order != store.OrderDesc {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order must be asc or desc"})
		return q, false
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return q, false
		}
		q.Limit = limit
	}
	return q, true
}

func (s *Server) handleListMemos(c *gin.Context) {
	ctx := c.Request.Context()
	if text := c.Query("q"); text != "" {
		memos, err := s.store.Memos().Search(ctx, text)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, memos)
		return
	}
	q, ok := parseQuery(c)
	if !ok {
		return
	}
	memos, err := s.store.Memos().GetAll(ctx, q)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, memos)
}

func (s *Server) handleCountMemos(c *gin.Context) {
	n, err := s.store.Memos().Count(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

type saveRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleSaveMemo(c *gin.Context) {
	var req saveRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	m, err := s.drafts.Save(c.Request.Context(), req.Title)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) handleGetMemo(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	m, err := s.store.Memos().Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if c.Query("audio") == "1" {
		c.Data(http.StatusOK, contentType(m.AudioType), m.AudioBlob)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleUpdateMemo(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := s.store.Memos().Update(c.Request.Context(), id, fields)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleDeleteMemo(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.store.Memos().Delete(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteAllMemos(c *gin.Context) {
	if err := s.store.Memos().DeleteAll(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListVideos(c *gin.Context) {
	q, ok := parseQuery(c)
	if !ok {
		return
	}
	videos, err := s.store.Videos().GetAll(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, videos)
}

func (s *Server) handleGetVideo(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	v, err := s.store.Videos().Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if c.Query("data") == "1" {
		c.Data(http.StatusOK, contentType(v.MimeType), v.Data)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleUpdateVideo(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v, err := s.store.Videos().Update(c.Request.Context(), id, fields)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleDeleteVideo(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.store.Videos().Delete(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteAllVideos(c *gin.Context) {
	if err := s.store.Videos().DeleteAll(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleLanguages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"current":   s.drafts.Language(),
		"supported": transcriber.SupportedLanguages(),
	})
}

type languageRequest struct {
	Code string `json:"code" binding:"required"`
}

func (s *Server) handleSetLanguage(c *gin.Context) {
	var req languageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.drafts.SetLanguage(c.Request.Context(), req.Code); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"current": req.Code})
}

// handleAudioFile hands an uploaded file to the recorder context, which
// plays it into the transcription pipeline.
func (s *Server) handleAudioFile(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	if fh.Size > s.cfg.MaxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.fail(c, err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.cfg.MaxUpload))
	if err != nil {
		s.fail(c, err)
		return
	}
	if _, err := audio.DecodeWAV(data); err != nil {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
		return
	}

	err = s.bus.Deliver(c.Request.Context(), bus.Recorder, bus.Message{
		Type:      bus.TypeProcessAudioFile,
		AudioData: data,
		FileName:  fh.Filename,
		FileType:  fh.Header.Get("Content-Type"),
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, s.drafts.Draft())
}

func contentType(mime string) string {
	if mime == "" {
		return "application/octet-stream"
	}
	return mime
}
