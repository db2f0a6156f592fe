package server

import (
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/cyberinferno/go-sockjs/logger"
)

// cookieName is the sticky-session cookie load balancers key on.
const cookieName = "JSESSIONID"

// cacheForever is the max age of preflight responses.
const cacheForever = 365 * 24 * time.Hour

func recoverer(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}

				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				buf := make([]byte, 8192)
				n := runtime.Stack(buf, false)
				log.Error("panic recovered",
					logger.Field{Key: "method", Value: r.Method},
					logger.Field{Key: "path", Value: r.URL.Path},
					logger.Field{Key: "panic", Value: fmt.Sprint(rec)},
					logger.Field{Key: "stack", Value: string(buf[:n])},
				)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log.Debug("request",
				logger.Field{Key: "method", Value: r.Method},
				logger.Field{Key: "path", Value: r.URL.Path},
				logger.Field{Key: "status", Value: ww.Status()},
				logger.Field{Key: "bytes", Value: ww.BytesWritten()},
				logger.Field{Key: "duration", Value: time.Since(start).String()},
			)
		})
	}
}

// cors allows the requesting origin with credentials, which SockJS clients
// rely on for the sticky-session cookie.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" {
			origin = "*"
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		if origin != "*" {
			h.Set("Access-Control-Allow-Credentials", "true")
		}

		if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
			h.Set("Access-Control-Allow-Headers", reqHeaders)
		}

		next.ServeHTTP(w, r)
	})
}

func sessionCookie(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value := "dummy"
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			value = c.Value
		}

		http.SetCookie(w, &http.Cookie{Name: cookieName, Value: value, Path: "/"})
		next.ServeHTTP(w, r)
	})
}

func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, no-cache, no-transform, must-revalidate, max-age=0")
		next.ServeHTTP(w, r)
	})
}

// preflight answers OPTIONS for a route that accepts methods.
func preflight(methods ...string) http.HandlerFunc {
	allow := strings.Join(append([]string{http.MethodOptions}, methods...), ", ")
	maxAge := strconv.Itoa(int(cacheForever.Seconds()))

	return func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Allow", allow)
		h.Set("Access-Control-Allow-Methods", allow)
		h.Set("Cache-Control", "public, max-age="+maxAge)
		h.Set("Access-Control-Max-Age", maxAge)
		h.Set("Expires", time.Now().Add(cacheForever).UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusNoContent)
	}
}

// sendRateLimit limits xhr_send requests per client IP per minute.
func sendRateLimit(perMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Too many requests.", http.StatusTooManyRequests)
		}),
	)
}
