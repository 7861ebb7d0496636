package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// StatusRouter exposes read-only server state over HTTP.
func (s *Server) StatusRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.healthz)
	router.GET("/online", s.online)

	return router
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"registeredUsers":   s.auth.UserCount(),
		"activeConnections": s.active.Len(),
	})
}

func (s *Server) online(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": s.Online()})
}

// ServeStatus runs the status endpoint on addr until ctx is cancelled.
func (s *Server) ServeStatus(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.StatusRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", addr).Msg("Status endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
