// Package rest serves the session retrieval endpoints over HTTP. It is a
// thin adapter: failures carry the same envelope the tool dispatcher
// produces, with the error code mapped onto an HTTP status. Chunk reads
// return the stored bytes unwrapped.
package rest

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hyperifyio/goscrape/internal/auth"
	"github.com/hyperifyio/goscrape/internal/logging"
	"github.com/hyperifyio/goscrape/internal/scraperr"
	"github.com/hyperifyio/goscrape/internal/session"
	"github.com/hyperifyio/goscrape/internal/tools"
)

// Server exposes session reads over HTTP.
type Server struct {
	Store    *session.Store
	Verifier auth.TokenVerifier
	Log      *logging.Logger
	BaseURL  string
}

// NewServer builds a Server; log may be nil.
func NewServer(store *session.Store, verifier auth.TokenVerifier, log *logging.Logger, baseURL string) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{Store: store, Verifier: verifier, Log: log, BaseURL: baseURL}
}

// Router builds the gin engine with all routes installed.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "status": "ok", "service": "goscrape"})
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "status": "healthy"})
	})

	sessions := r.Group("/sessions")
	sessions.GET("/:id/info", s.sessionInfo)
	sessions.GET("/:id/chunks/:i", s.sessionChunk)
	sessions.GET("/:id/urls", s.sessionURLs)
	return r
}

// groups resolves the caller's group set from an optional Bearer token.
// Requests without a token proceed anonymously and can read public sessions.
func (s *Server) groups(c *gin.Context) ([]string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return nil, nil
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return nil, scraperr.New(scraperr.KindAuth, scraperr.CodeAuthError,
			"Authorization header must be a Bearer token")
	}
	if s.Verifier == nil {
		return nil, scraperr.New(scraperr.KindAuth, scraperr.CodeAuthError,
			"this server does not accept tokens")
	}
	info, err := s.Verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	return info.Groups, nil
}

func (s *Server) sessionInfo(c *gin.Context) {
	groups, err := s.groups(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	rec, err := s.Store.Info(c.Param("id"), groups)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": rec})
}

func (s *Server) sessionChunk(c *gin.Context) {
	groups, err := s.groups(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	index, err := strconv.Atoi(c.Param("i"))
	if err != nil {
		s.fail(c, scraperr.Newf(scraperr.KindValidation, scraperr.CodeInvalidChunkIndex,
			"chunk index %q is not a number", c.Param("i")))
		return
	}
	data, rec, err := s.Store.Chunk(c.Param("id"), index, groups)
	if err != nil {
		s.fail(c, err)
		return
	}
	// Raw bytes, not an envelope: fetching every chunk URL in order and
	// concatenating the bodies must reproduce the blob exactly.
	c.Header("X-Total-Chunks", strconv.Itoa(rec.TotalChunks))
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (s *Server) sessionURLs(c *gin.Context) {
	groups, err := s.groups(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	urls, err := s.Store.URLs(c.Param("id"), groups, s.BaseURL)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "chunk_urls": urls})
}

func (s *Server) fail(c *gin.Context, err error) {
	se := scraperr.As(err)
	s.Log.Warn("rest_request_failed", logging.Scope{}, c.FullPath(), "handler", "rest",
		se.Code, scraperr.Recovery(se.Code), map[string]string{"path": c.Request.URL.Path})
	c.JSON(statusFor(se.Code), tools.Fail(err))
}

func statusFor(code string) int {
	switch code {
	case scraperr.CodeAuthError:
		return http.StatusUnauthorized
	case scraperr.CodePermissionDenied:
		return http.StatusForbidden
	case scraperr.CodeSessionNotFound:
		return http.StatusNotFound
	case scraperr.CodeInvalidChunkIndex, scraperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case scraperr.CodeContentTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
