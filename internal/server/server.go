package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func NewRouter(server *Server, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(zapLoggerMiddleware(logger))

	r.Route("/api", func(api chi.Router) {
		api.Get("/devices", server.handleDevices)
		api.Get("/groups", server.handleGroups)
		api.Get("/status", server.handleStatus)

		api.Route("/streams/{streamID}", func(st chi.Router) {
			st.Post("/", server.handleCreateStream)
			st.Delete("/", server.handleDeleteStream)
			st.Post("/metadata", server.handleStreamMetadata)
			st.Post("/play", server.handlePlay)
			st.Post("/stop", server.handleStop)
		})

		api.Route("/devices/{deviceIP}/volume", func(vol chi.Router) {
			vol.Get("/", server.handleVolume)
			vol.Post("/", server.handleVolume)
		})
	})

	// Audio paths skip the compression and logging noise: one is a
	// websocket upgrade, the other a never-ending body.
	r.Get("/ingest/{streamID}", server.handleIngest)
	r.Get("/stream/{streamID}", server.handleLive)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
			next.ServeHTTP(w, r)
		})
	}
}
