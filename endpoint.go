// This file contains the Endpoint which is the WebSocket accept surface. It
// authenticates upgrade requests through an injected identity resolver,
// enforces origin checks and the connection ceiling, upgrades the socket, and
// hands the new transport to the MessagingService. Everything after the
// handshake is the service's business.
package courier

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// IdentityFunc resolves the authenticated user and device metadata for an
// upgrade request. Authentication itself is an external concern; courier only
// needs the resolved identity. Returning an error declines the upgrade with
// 401 before the socket is established.
type IdentityFunc func(r *http.Request) (userID string, device DeviceInfo, err error)

// Endpoint accepts WebSocket connections and registers them with the service.
type Endpoint struct {
	service  *MessagingService
	identity IdentityFunc
	upgrader websocket.Upgrader
	options  *Options
	logger   zerolog.Logger
	ctx      context.Context
}

func createOriginChecker(opts *Options) func(*http.Request) bool {
	var compiledRegexps []*regexp.Regexp
	if opts.CheckOrigin && len(opts.AllowedOriginRegexps) > 0 {
		compiledRegexps = make([]*regexp.Regexp, 0, len(opts.AllowedOriginRegexps))

		for _, pattern := range opts.AllowedOriginRegexps {
			compiledRegexps = append(compiledRegexps, pattern)
		}
	}
	return func(r *http.Request) bool {
		if !opts.CheckOrigin {
			return true
		}
		origin := r.Header.Get("Origin")

		if origin == "" {
			return false
		}
		for _, allowed := range opts.AllowedOrigins {
			if allowed == "*" {
				return true
			}
			if allowed == origin {
				return true
			}
		}
		for _, pattern := range compiledRegexps {
			if pattern.MatchString(origin) {
				return true
			}
		}
		return false
	}
}

// NewEndpoint creates the accept surface for service. The identity resolver
// is required; a nil resolver declines every request.
func NewEndpoint(ctx context.Context, service *MessagingService, identity IdentityFunc, opts *Options) *Endpoint {
	if opts == nil {
		opts = DefaultOptions()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:    opts.ReadBufferSize,
		WriteBufferSize:   opts.WriteBufferSize,
		CheckOrigin:       createOriginChecker(opts),
		EnableCompression: opts.EnableCompression,
	}
	return &Endpoint{
		service:  service,
		identity: identity,
		upgrader: upgrader,
		options:  opts,
		logger:   opts.Logger,
		ctx:      ctx,
	}
}

func (e *Endpoint) checkState() error {
	select {
	case <-e.ctx.Done():
		return wrapF(e.ctx.Err(), "endpoint is shutting down")

	default:
		return nil
	}
}

// HTTPHandler returns the http.HandlerFunc that upgrades requests into
// courier connections. Mount it on the server's websocket path.
func (e *Endpoint) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := e.checkState(); err != nil {
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)

			return
		}
		if e.identity == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)

			return
		}
		userID, device, err := e.identity(r)

		if err != nil || userID == "" {
			e.logger.Debug().
				Err(err).
				Str("remote_addr", r.RemoteAddr).
				Msg("declined upgrade request")

			http.Error(w, "Unauthorized", http.StatusUnauthorized)

			return
		}
		if e.options.MaxConnections > 0 && e.service.registry.Count() >= e.options.MaxConnections {
			http.Error(w, "Too Many Connections", http.StatusServiceUnavailable)

			return
		}
		if device.RemoteAddr == "" {
			device.RemoteAddr = r.RemoteAddr
		}
		if device.UserAgent == "" {
			device.UserAgent = r.Header.Get("User-Agent")
		}
		wsConn, err := e.upgrader.Upgrade(w, r, nil)

		if err != nil {
			e.logger.Warn().
				Err(err).
				Str("remote_addr", r.RemoteAddr).
				Msg("websocket upgrade failed")

			return
		}
		conn, err := newConn(e.ctx, wsConn, userID, device, uuid.NewString(), e.options)

		if err != nil {
			e.options.Hooks.metrics().ConnectionError("", err)

			_ = wsConn.Close()

			return
		}
		if _, err := e.service.Connect(conn); err != nil {
			e.options.Hooks.metrics().ConnectionError(conn.GetID(), err)

			_ = conn.SendJSON(errorFrame(err))

			conn.Close()

			return
		}
	}
}
