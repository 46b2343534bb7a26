package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"
)

// Capability is a permission carried by an API key. Capabilities replace
// the owner/moderator role checks of a session-based permission layer.
type Capability string

const (
	CapEdit     Capability = "edit"
	CapDelete   Capability = "delete"
	CapModerate Capability = "moderate"
	CapSend     Capability = "send"
)

// Caller identifies the authenticated API key
type Caller struct {
	Name         string
	UserID       string
	capabilities map[Capability]bool
}

// Has reports whether the caller holds the capability. Moderate implies
// edit and delete on any record.
func (c *Caller) Has(capability Capability) bool {
	if c.capabilities[CapModerate] && (capability == CapEdit || capability == CapDelete) {
		return true
	}
	return c.capabilities[capability]
}

type contextKey string

const callerKey contextKey = "caller"

// CallerFromContext returns the authenticated caller, if any
func CallerFromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerKey).(*Caller)
	return c
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// authMiddleware resolves the presented API key against the configured
// bcrypt hashes and attaches the caller to the request context
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.config.API.Keys) == 0 {
			// No keys configured, allow all with full capabilities
			caller := &Caller{
				Name:   "anonymous",
				UserID: "anonymous",
				capabilities: map[Capability]bool{
					CapEdit: true, CapDelete: true, CapModerate: true, CapSend: true,
				},
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			auth = r.Header.Get("X-API-Key")
		}
		auth = strings.TrimPrefix(auth, "Bearer ")

		if auth == "" {
			s.sendError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		for _, key := range s.config.API.Keys {
			if bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(auth)) == nil {
				caller := &Caller{
					Name:         key.Name,
					UserID:       key.UserID,
					capabilities: make(map[Capability]bool, len(key.Capabilities)),
				}
				for _, capability := range key.Capabilities {
					caller.capabilities[Capability(capability)] = true
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
				return
			}
		}

		s.logger.Warn("unauthorized API request",
			"remote_addr", r.RemoteAddr,
			"path", r.URL.Path,
		)
		s.sendError(w, http.StatusUnauthorized, "invalid API key")
	})
}

// requireCapability wraps a handler with a capability check
func (s *Server) requireCapability(capability Capability, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())
		if caller == nil || !caller.Has(capability) {
			s.sendError(w, http.StatusForbidden, "missing capability: "+string(capability))
			return
		}
		h(w, r)
	}
}
