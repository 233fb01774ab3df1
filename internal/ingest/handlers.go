package ingest

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/visitlens/internal/ipbehavior"
	"github.com/mbd888/visitlens/internal/logging"
	"github.com/mbd888/visitlens/internal/metrics"
	"github.com/mbd888/visitlens/internal/traces"
	"github.com/mbd888/visitlens/internal/validation"
)

// Handler provides the visit collection endpoint.
type Handler struct {
	store    Store
	enricher *ipbehavior.Enricher
}

// NewHandler creates a new ingestion handler.
func NewHandler(store Store, enricher *ipbehavior.Enricher) *Handler {
	return &Handler{store: store, enricher: enricher}
}

// RegisterRoutes sets up collection routes. Both verbs are registered
// because the collector prefers sendBeacon (POST) and falls back to an
// image pixel (GET).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/collect", h.Collect)
	r.GET("/collect", h.Collect)
}

// Collect handles one fire-and-forget visit submission. The payload is a
// flat URL-encoded signal map; malformed pairs degrade to the parseable
// subset and never produce a client error. The response carries no body
// the collector would read.
func (h *Handler) Collect(c *gin.Context) {
	values := h.signalValues(c)
	if len(values) == 0 {
		metrics.VisitsRejectedTotal.WithLabelValues("empty").Inc()
		c.Status(http.StatusNoContent)
		return
	}

	ip := c.ClientIP()
	now := time.Now().UTC()
	h.enricher.Annotate(values, ip, now)

	ctx, span := traces.StartSpan(c.Request.Context(), "ingest.collect", traces.VisitorIP(ip))
	defer span.End()

	ev := &RawEvent{
		IPAddress:  ip,
		ReceivedAt: now,
		SignalBlob: values.Encode(),
	}
	if err := h.store.Append(ctx, ev); err != nil {
		logging.L(ctx).Error("failed to append raw event", "error", err)
		metrics.VisitsRejectedTotal.WithLabelValues("storage").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "storage_error",
			"message": "Could not record visit",
		})
		return
	}

	metrics.VisitsIngestedTotal.Inc()
	c.Status(http.StatusNoContent)
}

// signalValues merges form body and query string signals, body winning on
// key collisions. Parse errors surface only the parseable subset. Values
// are sanitized before the blob is frozen: Postgres TEXT rejects NUL
// bytes, and no legitimate signal value approaches the length cap.
func (h *Handler) signalValues(c *gin.Context) url.Values {
	values := url.Values{}
	for k, vs := range c.Request.URL.Query() {
		if len(vs) > 0 {
			values.Set(k, validation.SanitizeString(vs[0], validation.MaxStringLength))
		}
	}

	if c.Request.Method == http.MethodPost {
		// ParseForm reports the first bad escape but still fills in the
		// pairs it could decode.
		_ = c.Request.ParseForm()
		for k, vs := range c.Request.PostForm {
			if len(vs) > 0 {
				values.Set(k, validation.SanitizeString(vs[0], validation.MaxStringLength))
			}
		}
	}
	return values
}
