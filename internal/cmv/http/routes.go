package cmvhttp

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/barops/cmv/internal/cmv"
	"github.com/barops/cmv/internal/shared"
	"github.com/barops/cmv/jobs"
)

const (
	heavyRateLimit  = 10
	heavyRateWindow = time.Minute
)

// MountRoutes registers the period endpoints. Exports and recomputes hit
// the Transaction Store and are rate limited per actor.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(heavyRateLimit, heavyRateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Route("/periods", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Get("/current-week", h.handleCurrentWeek)
		r.Post("/create-missing", h.handleCreateMissing)
		r.Group(func(gr chi.Router) {
			gr.Use(limiter)
			gr.Get("/export.xlsx", h.handleExport)
			gr.Post("/recompute", h.handleRecompute)
		})
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Put("/", h.handleUpdate)
			r.Delete("/", h.handleDelete)
			r.Get("/explain", h.handleExplain)
		})
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if actor := strings.TrimSpace(r.Header.Get(actorHeader)); actor != "" {
		return "actor:" + actor, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

var (
	_ PeriodService    = (*cmv.Manager)(nil)
	_ TaskEnqueuer     = (*jobs.Client)(nil)
	_ IdempotencyStore = (*shared.IdempotencyStore)(nil)
)
