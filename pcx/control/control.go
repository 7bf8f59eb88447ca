// Package control is the optional admin/introspection HTTP surface,
// grounded on the teacher's api/server.go (gin Server wrapping app
// state), api/auth.go (JWT issuance/validation) and server/httpx.go
// (graceful bring-up/shutdown of the underlying net/http.Server). It is
// never required for the redirector itself to run — see spec.md §1's
// "proxy health probing UI" as an out-of-scope external collaborator;
// this is a minimal introspection surface, not that UI.
package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"proxychains/pcx/audit"
	"proxychains/pcx/bridge"
	"proxychains/pcx/common/bruteguard"
	"proxychains/pcx/common/logx"
	"proxychains/pcx/events"
	"proxychains/pcx/proxycfg"
	"proxychains/pcx/registry"
	"proxychains/pcx/sysinfo"
)

var log = logx.New(logx.WithPrefix("control"))

type Claims struct {
	Admin bool `json:"admin"`
	jwt.RegisteredClaims
}

// Server is the admin HTTP surface. It never mutates the worker's data
// path; every route is a read-only snapshot except /admin/login.
type Server struct {
	Registry *registry.Registry
	Ledger   audit.Ledger
	Hub      *events.Hub
	Sys      *sysinfo.Monitor

	cfg   proxycfg.ControlConfig
	guard *bruteguard.Guard
}

func New(reg *registry.Registry, ledger audit.Ledger, hub *events.Hub, cfg proxycfg.ControlConfig) *Server {
	return &Server{
		Registry: reg,
		Ledger:   ledger,
		Hub:      hub,
		Sys:      sysinfo.New(reg.Len),
		cfg:      cfg,
		guard:    bruteguard.New(bruteguard.Config{}),
	}
}

func (s *Server) tokenTTL() time.Duration {
	return 24 * time.Hour
}

func (s *Server) makeToken() (string, error) {
	now := time.Now()
	claims := Claims{
		Admin: true,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL())),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(s.cfg.JWTSecret))
}

func (s *Server) parseToken(raw string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || !c.Admin {
		return nil, errors.New("invalid token")
	}
	return c, nil
}

func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(h), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if _, err := s.parseToken(strings.TrimSpace(h[7:])); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), gin.Logger())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.POST("/admin/login", s.login)

	admin := r.Group("/admin")
	admin.Use(s.authRequired())
	{
		admin.GET("/bridges", s.listBridges)
		admin.GET("/sysinfo", s.systemInfo)
		admin.GET("/events", s.wsEvents)
	}

	return r
}

func (s *Server) login(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}

	ip := c.ClientIP()
	if ok, retry := s.guard.Allow(ip, "admin"); !ok {
		if retry > 0 {
			c.Header("Retry-After", fmt.Sprintf("%.0f", retry.Seconds()))
		}
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many attempts, try later"})
		return
	}

	if s.cfg.AdminPasswordHash == "" || bcrypt.CompareHashAndPassword(
		[]byte(s.cfg.AdminPasswordHash), []byte(req.Password)) != nil {
		s.guard.Fail(ip, "admin")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login failed"})
		return
	}
	s.guard.Success(ip, "admin")

	tok, err := s.makeToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

type bridgeView struct {
	FD     int    `json:"fd"`
	Target string `json:"target"`
}

func (s *Server) listBridges(c *gin.Context) {
	out := make([]bridgeView, 0)
	s.Registry.Each(func(fd int, b *bridge.Bridge) {
		out = append(out, bridgeView{FD: fd, Target: b.TargetAddr.String()})
	})
	c.JSON(http.StatusOK, gin.H{"bridges": out})
}

func (s *Server) systemInfo(c *gin.Context) {
	snap, err := s.Sys.Snapshot()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) wsEvents(c *gin.Context) {
	if s.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "events disabled"})
		return
	}
	if err := s.Hub.ServeWS(c.Writer, c.Request); err != nil {
		log.Debugf("ws events: %v", err)
	}
}

// Serve brings an http.Server up on addr and blocks until ctx is
// cancelled, then shuts it down gracefully — mirrors the teacher's
// server/httpx.go buildHTTPServer/startMainAsync/shutdownAll split,
// collapsed into one blocking call since this package has no TLS
// certificate rotation to manage.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
