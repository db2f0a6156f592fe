package server

import (
	"net/http"

	"github.com/cyberinferno/go-sockjs/config"
	"github.com/cyberinferno/go-sockjs/logger"
	"github.com/cyberinferno/go-sockjs/session"
	"github.com/cyberinferno/go-sockjs/transport"
)

// Role is what a session route does with its request.
type Role int

const (
	// RoleReceive attaches the request to the session as a consumer.
	RoleReceive Role = iota
	// RoleSend hands the request body to the session as client messages.
	RoleSend
)

// Route binds a method and path suffix under /{server}/{session} to a
// transport handler.
type Route struct {
	Method string
	Suffix string
	// Transport is the protocol name of the handler, e.g. "xhr_streaming".
	Transport string
	Role      Role
	Handler   http.Handler
}

// Routes builds the transport table for cfg. It is computed once per server
// and never modified afterwards.
func Routes(cfg config.Config, reg *session.Registry, log logger.Logger) []Route {
	streaming := transport.StreamingOptions{
		ResponseLimit: cfg.ResponseLimit,
		MaxDuration:   cfg.StreamingMaxDuration,
	}

	routes := []Route{
		{
			Method:    http.MethodPost,
			Suffix:    "/xhr",
			Transport: "xhr",
			Role:      RoleReceive,
			Handler:   transport.NewPolling(reg, transport.PollingOptions{Timeout: cfg.PollTimeout}, log),
		},
		{
			Method:    http.MethodPost,
			Suffix:    "/xhr_send",
			Transport: "xhr_send",
			Role:      RoleSend,
			Handler:   transport.NewSend(reg, transport.SendOptions{}, log),
		},
		{
			Method:    http.MethodPost,
			Suffix:    "/xhr_streaming",
			Transport: "xhr_streaming",
			Role:      RoleReceive,
			Handler:   transport.NewXHRStreaming(reg, streaming, log),
		},
		{
			Method:    http.MethodGet,
			Suffix:    "/eventsource",
			Transport: "eventsource",
			Role:      RoleReceive,
			Handler:   transport.NewEventSource(reg, streaming, log),
		},
	}

	if cfg.WebsocketEnabled {
		routes = append(routes, Route{
			Method:    http.MethodGet,
			Suffix:    "/websocket",
			Transport: "websocket",
			Role:      RoleReceive,
			Handler:   transport.NewWebsocket(reg, transport.WebsocketOptions{}, log),
		})
	}

	return routes
}

// preflightMethods groups the methods of every route that browsers preflight,
// keyed by suffix. GET-only routes are not preflighted.
func preflightMethods(routes []Route) map[string][]string {
	out := make(map[string][]string)
	for _, rt := range routes {
		if rt.Method == http.MethodPost {
			out[rt.Suffix] = append(out[rt.Suffix], rt.Method)
		}
	}

	return out
}
