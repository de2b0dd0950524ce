package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter wires the HTTP surface. gatherer may be nil to skip /metrics.
func NewRouter(apiHandler *APIHandler, events *EventHub, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(apiHandler.logger))
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		// Everything else waits for persisted state to load.
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.RequireLoaded)

			if events != nil {
				r.Handle("/events", events)
			}

			r.Get("/characters", apiHandler.ListCharactersHandler)
			r.Post("/characters", apiHandler.CreateCharacterHandler)
			r.Post("/characters/avatar", apiHandler.GenerateAvatarHandler)
			r.Put("/characters/{id}", apiHandler.UpdateCharacterHandler)
			r.Delete("/characters/{id}", apiHandler.DeleteCharacterHandler)

			r.Get("/chats", apiHandler.ListChatsHandler)
			r.Post("/chats", apiHandler.CreateChatHandler)
			r.Post("/chats/direct/{characterID}", apiHandler.StartDirectChatHandler)
			r.Get("/chats/{chatID}", apiHandler.GetChatHandler)
			r.Patch("/chats/{chatID}", apiHandler.UpdateChatHandler)
			r.Delete("/chats/{chatID}", apiHandler.DeleteChatHandler)
			r.Post("/chats/{chatID}/messages", apiHandler.PostMessageHandler)
			r.Post("/chats/{chatID}/media", apiHandler.GenerateMediaHandler)
			r.Post("/chats/{chatID}/background", apiHandler.GenerateBackgroundHandler)
			r.Get("/chats/{chatID}/messages/{messageID}/speech", apiHandler.SpeechHandler)

			r.Get("/gallery", apiHandler.ListGalleryHandler)
			r.Post("/gallery", apiHandler.SaveToGalleryHandler)
			r.Delete("/gallery/{id}", apiHandler.DeleteGalleryItemHandler)
		})
	})

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("Request served",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
