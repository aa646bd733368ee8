// Package server exposes the recorder over HTTP: session control, the memo
// and video libraries, and a websocket stream of transcription events.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/amanullahtanweer/fluidy-recorder/internal/bus"
	"github.com/amanullahtanweer/fluidy-recorder/internal/memo"
	"github.com/amanullahtanweer/fluidy-recorder/internal/session"
	"github.com/amanullahtanweer/fluidy-recorder/internal/store"
	"github.com/amanullahtanweer/fluidy-recorder/internal/transcriber"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Config struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port" validate:"gte=0,lte=65535"`
	// MaxUpload bounds process-audio-file uploads, in bytes.
	MaxUpload int64  `yaml:"max_upload" validate:"gte=0"`
}

// Sessions is the recording state machine.
type Sessions interface {
	Start(ctx context.Context, mode string) (*session.RecordingSession, error)
	Stop(ctx context.Context) error
	State() session.State
	Current() *session.RecordingSession
}

// Drafts is the transcription host.
type Drafts interface {
	Draft() memo.Draft
	Save(ctx context.Context, title string) (*store.Memo, error)
	Clear() error
	Subscribe() (<-chan transcriber.Event, func())
	Language() string
	SetLanguage(ctx context.Context, code string) error
}

type Server struct {
	cfg      Config
	sessions Sessions
	drafts   Drafts
	store    *store.Store
	bus      *bus.Bus
	logger   *zap.SugaredLogger

	router   *gin.Engine
	upgrader websocket.Upgrader

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	streams  sync.WaitGroup
	shutdown chan struct{}
}

func New(cfg Config, sessions Sessions, drafts Drafts, st *store.Store, b *bus.Bus, logger *zap.SugaredLogger) *Server {
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = 32 << 20
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		drafts:   drafts,
		store:    st,
		bus:      b,
		logger:   logger,
		router:   gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		shutdown: make(chan struct{}),
	}
	s.router.Use(gin.Recovery(), s.accessLog)
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.GET("/health", s.handleHealth)
	r.GET("/state", s.handleState)

	r.POST("/recordings", s.handleStartRecording)
	r.POST("/recordings/stop", s.handleStopRecording)

	draft := r.Group("/draft")
	{
		draft.GET("", s.handleGetDraft)
		draft.DELETE("", s.handleClearDraft)
	}

	memos := r.Group("/memos")
	{
		memos.GET("", s.handleListMemos)
		memos.GET("/count", s.handleCountMemos)
		memos.POST("", s.handleSaveMemo)
		memos.DELETE("", s.handleDeleteAllMemos)
		memos.GET("/:id", s.handleGetMemo)
		memos.PATCH("/:id", s.handleUpdateMemo)
		memos.DELETE("/:id", s.handleDeleteMemo)
	}

	videos := r.Group("/videos")
	{
		videos.GET("", s.handleListVideos)
		videos.DELETE("", s.handleDeleteAllVideos)
		videos.GET("/:id", s.handleGetVideo)
		videos.PATCH("/:id", s.handleUpdateVideo)
		videos.DELETE("/:id", s.handleDeleteVideo)
	}

	r.GET("/languages", s.handleLanguages)
	r.PUT("/language", s.handleSetLanguage)
	r.POST("/audio-files", s.handleAudioFile)
	r.GET("/transcription/events", s.handleEvents)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.http = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	srv := s.http
	s.mu.Unlock()

	s.logger.Infof("HTTP control surface listening on %s", listener.Addr())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the event streams and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
	srv := s.http
	s.mu.Unlock()

	s.streams.Wait()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debugf("%s %s %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
}
