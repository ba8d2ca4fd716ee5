package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"authservice/internal/domain/models"
	"authservice/internal/http-server/handlers/auth"
	"authservice/internal/http-server/middleware"
	"authservice/internal/lib/jwt"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

type Service interface {
	auth.Auth
	Authenticate(ctx context.Context, accessToken string) (*jwt.Claims, error)
}

type Options struct {
	AllowedOrigins []string
	AdminKey       string
}

// NewRouter builds the gin engine serving the auth API.
func NewRouter(log *slog.Logger, service Service, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(log))

	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     opts.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", auth.AdminKeyHeader},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := auth.New(log, service, opts.AdminKey)

	api := r.Group("/api/auth")
	api.POST("/register", h.Register)
	api.POST("/login", h.Login)
	api.POST("/refresh", h.Refresh)
	api.POST("/revoke", h.Revoke)
	api.GET("/me", middleware.BearerAuth(log, service), h.Me)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, models.AuthResult{Errors: []string{"Not found"}})
	})

	return r
}
