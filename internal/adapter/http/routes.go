package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Driftwald/ReelStudio/internal/middleware"
)

// MountRoutes attaches every REST and WebSocket endpoint to r. Health and
// /ws live at the root; everything else sits under the versioned prefix.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)
	r.Get("/ws", h.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		// /ws is long-lived and must stay outside this timeout.
		r.Use(chimw.Timeout(30 * time.Second))
		if h.Idempotency != nil {
			r.Use(middleware.Idempotency(h.Idempotency))
		}
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{
				"service": "reelstudio",
				"version": h.Version,
			})
		})

		// Tasks
		r.Post("/tasks", h.CreateTask)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/{id}", h.GetTask)
		r.Get("/tasks/{id}/events", h.ListTaskEvents)
		r.Post("/tasks/{id}/selection", h.SelectImages)
		r.Post("/tasks/{id}/cancel", h.CancelTask)
		r.Post("/tasks/{id}/regenerate", h.RegenerateTask)
		r.Delete("/tasks/{id}", h.DeleteTask)

		// Files
		r.Post("/files", h.UploadFile)
		r.Get("/files/{id}", h.GetFile)

		// Admin
		r.Post("/admin/sweep", h.SweepFiles)
		r.Get("/admin/storage", h.StorageStats)

		// Settings
		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.UpdateSettings)

		r.Get("/health", h.Health)
	})
}
