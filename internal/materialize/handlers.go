package materialize

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/visitlens/internal/logging"
	"github.com/mbd888/visitlens/internal/pagination"
	"github.com/mbd888/visitlens/internal/scoring"
	"github.com/mbd888/visitlens/internal/traces"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handler provides the parsed-record read API and the admin pipeline
// endpoints.
type Handler struct {
	store        Store
	materializer *Materializer
}

// NewHandler creates a new records handler.
func NewHandler(store Store, m *Materializer) *Handler {
	return &Handler{store: store, materializer: m}
}

// RegisterRoutes sets up public read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/records", h.ListRecords)
	r.GET("/records/:sourceId", h.GetRecord)
	r.GET("/stats", h.Stats)
}

// RegisterAdminRoutes sets up pipeline control routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/pipeline/run", h.RunPipeline)
	r.POST("/pipeline/backfill", h.RunBackfill)
	r.GET("/pipeline/status", h.PipelineStatus)
}

// recordView decorates a record with its display risk bucket. The bucket
// is derived at read time and never stored.
type recordView struct {
	*Record
	RiskBucket string `json:"riskBucket"`
}

func view(r *Record) recordView {
	return recordView{Record: r, RiskBucket: scoring.RiskBucket(r.BotScore)}
}

// ListRecords handles GET /records?limit=50&minScore=0&cursor=...
func (h *Handler) ListRecords(c *gin.Context) {
	limit := intQuery(c, "limit", defaultListLimit)
	if limit < 1 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	minScore := intQuery(c, "minScore", 0)

	beforeID, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Malformed pagination cursor",
		})
		return
	}

	// One extra row tells us whether another page exists.
	records, err := h.store.ListRecent(c.Request.Context(), limit+1, minScore, beforeID)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list records", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "storage_error",
			"message": "Could not list records",
		})
		return
	}

	records, nextCursor, hasMore := pagination.ComputePage(records, limit, func(r *Record) int64 {
		return r.SourceID
	})

	views := make([]recordView, 0, len(records))
	for _, r := range records {
		views = append(views, view(r))
	}
	resp := gin.H{"records": views, "count": len(views), "hasMore": hasMore}
	if nextCursor != "" {
		resp["nextCursor"] = nextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// GetRecord handles GET /records/:sourceId
func (h *Handler) GetRecord(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("sourceId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_source_id",
			"message": "sourceId must be an integer",
		})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "records.get", traces.SourceID(id))
	defer span.End()

	r, err := h.store.GetBySourceID(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No parsed record for that source id",
		})
		return
	}
	if err != nil {
		logging.L(ctx).Error("failed to get record", "error", err, "source_id", id)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "storage_error",
			"message": "Could not load record",
		})
		return
	}
	c.JSON(http.StatusOK, view(r))
}

// Stats handles GET /stats
func (h *Handler) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	buckets, err := h.store.BucketCounts(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error"})
		return
	}
	total, err := h.store.CountRecords(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error"})
		return
	}
	wm, err := h.store.Watermark(ctx, h.materializer.pipeline)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"totalRecords": total,
		"riskBuckets":  buckets,
		"watermark":    wm,
	})
}

// RunPipeline handles POST /pipeline/run?batchSize=500
func (h *Handler) RunPipeline(c *gin.Context) {
	batchSize := intQuery(c, "batchSize", 0)

	res, err := h.materializer.RunIncrementalBatch(c.Request.Context(), batchSize)
	if err != nil {
		logging.L(c.Request.Context()).Error("manual batch failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "batch_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

// RunBackfill handles POST /pipeline/backfill
func (h *Handler) RunBackfill(c *gin.Context) {
	res, err := h.materializer.RunBackfill(c.Request.Context())
	if errors.Is(err, ErrAlreadyRunning) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_running",
			"message": "Another pipeline run holds the lock",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("backfill failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "backfill_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

// PipelineStatus handles GET /pipeline/status
func (h *Handler) PipelineStatus(c *gin.Context) {
	status, err := h.materializer.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func intQuery(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
