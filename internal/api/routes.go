package api

import (
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rawblock/trace-engine/internal/classify"
	"github.com/rawblock/trace-engine/internal/db"
	"github.com/rawblock/trace-engine/internal/etherscan"
	"github.com/rawblock/trace-engine/internal/jobs"
	"github.com/rawblock/trace-engine/pkg/models"
)

type APIHandler struct {
	dbStore    *db.PostgresStore
	explorer   *etherscan.Client
	classifier *classify.Classifier
	manager    *jobs.Manager
	wsHub      *Hub
}

func SetupRouter(dbStore *db.PostgresStore, explorer *etherscan.Client, classifier *classify.Classifier, manager *jobs.Manager, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://rawblock.net,https://www.rawblock.net
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			// Check if the request origin is in the allowed list
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		dbStore:    dbStore,
		explorer:   explorer,
		classifier: classifier,
		manager:    manager,
		wsHub:      wsHub,
	}

	startLimiter := NewRateLimiter(30, 10)

	api := r.Group("/api/v1")
	{
		// Public surface: health and the progress stream.
		api.GET("/health", handler.handleHealth)
		api.GET("/stream", wsHub.Subscribe)

		protected := api.Group("")
		protected.Use(AuthMiddleware())
		{
			protected.POST("/incidents", handler.handleCreateIncident)
			protected.POST("/process_incident/:incident_id", startLimiter.Middleware(), handler.handleProcessIncident)
			protected.GET("/jobs/:job_id", handler.handleJobStatus)
			protected.DELETE("/jobs/:job_id", handler.handleCancelJob)
			protected.GET("/graph/:incident_id", handler.handleGetGraph)
			protected.GET("/tx/:tx_hash", handler.handleGetTransaction)
			protected.GET("/stats", handler.handleStats)
			protected.POST("/admin/known_addresses", handler.handleAddKnownAddress)
		}
	}

	return r
}

// handleCreateIncident records a theft incident with its seed
// transactions and returns the generated incident id.
func (h *APIHandler) handleCreateIncident(c *gin.Context) {
	var req struct {
		WalletAddress   string  `json:"walletAddress" binding:"required"`
		AmountStolenETH float64 `json:"amountStolenEth"`
		Transactions    []struct {
			TxHash      string  `json:"txHash" binding:"required"`
			From        string  `json:"from" binding:"required"`
			To          string  `json:"to" binding:"required"`
			ValueETH    float64 `json:"valueEth"`
			BlockNumber int64   `json:"blockNumber"`
			Timestamp   int64   `json:"timestamp"`
		} `json:"transactions" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	seeds := make([]models.SeedTransaction, len(req.Transactions))
	for i, t := range req.Transactions {
		seeds[i] = models.SeedTransaction{
			TxHash:      t.TxHash,
			From:        t.From,
			To:          t.To,
			ValueETH:    t.ValueETH,
			BlockNumber: t.BlockNumber,
			Timestamp:   t.Timestamp,
		}
	}
	incident := models.Incident{
		WalletAddress:   req.WalletAddress,
		AmountStolenETH: req.AmountStolenETH,
	}

	id, err := h.dbStore.CreateIncident(c.Request.Context(), incident, seeds)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create incident", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"incidentId": id})
}

// handleProcessIncident starts the trace job for an incident.
// POST /api/v1/process_incident/:incident_id
func (h *APIHandler) handleProcessIncident(c *gin.Context) {
	incidentID := c.Param("incident_id")
	if _, err := uuid.Parse(incidentID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid incident id format"})
		return
	}

	outcome, err := h.manager.Start(c.Request.Context(), incidentID)
	switch outcome.Outcome {
	case jobs.OutcomeAccepted:
		c.JSON(http.StatusOK, gin.H{
			"status":                     "processing_started",
			"jobId":                      outcome.JobID,
			"message":                    outcome.Message,
			"estimatedCompletionSeconds": outcome.EstimatedSeconds,
		})
	case jobs.OutcomeConflict:
		c.JSON(http.StatusConflict, gin.H{
			"errorCode": outcome.ErrorCode,
			"message":   outcome.Message,
			"jobId":     outcome.JobID,
		})
	case jobs.OutcomeNotFound:
		c.JSON(http.StatusNotFound, gin.H{
			"errorCode": outcome.ErrorCode,
			"message":   outcome.Message,
		})
	default:
		msg := outcome.Message
		if msg == "" && err != nil {
			msg = err.Error()
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"errorCode": models.CodeInternalError,
			"message":   msg,
		})
	}
}

// handleJobStatus returns the persisted job record, with an ETA when
// the job is still running.
func (h *APIHandler) handleJobStatus(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job id format"})
		return
	}

	view, err := h.manager.Status(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load job status", "details": err.Error()})
		return
	}
	if view == nil {
		c.JSON(http.StatusNotFound, gin.H{"errorCode": models.CodeIncidentNotFound, "message": "No job record for " + jobID})
		return
	}
	c.JSON(http.StatusOK, view)
}

// handleCancelJob cancels a running job cooperatively.
func (h *APIHandler) handleCancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job id format"})
		return
	}

	if !h.manager.Cancel(jobID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No active job for " + jobID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling", "jobId": jobID})
}

// handleGetGraph returns the persisted graph of an incident: the job
// record plus every node and edge.
func (h *APIHandler) handleGetGraph(c *gin.Context) {
	incidentID := c.Param("incident_id")
	if _, err := uuid.Parse(incidentID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid incident id format"})
		return
	}

	status, err := h.dbStore.GetGraphStatus(c.Request.Context(), incidentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load graph record", "details": err.Error()})
		return
	}
	if status == nil {
		c.JSON(http.StatusNotFound, gin.H{"errorCode": models.CodeIncidentNotFound, "message": "No graph for " + incidentID})
		return
	}

	nodes, edges, err := h.dbStore.LoadGraph(c.Request.Context(), incidentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load graph", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"record": status,
		"nodes":  nodes,
		"edges":  edges,
	})
}

// handleGetTransaction looks up one transaction and, when available,
// its receipt through the explorer proxy endpoints. Both answers come
// from the shared response cache on repeat lookups.
func (h *APIHandler) handleGetTransaction(c *gin.Context) {
	txHash := strings.ToLower(c.Param("tx_hash"))
	if !isTxHash(txHash) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid transaction hash format"})
		return
	}

	tx, err := h.explorer.GetTransactionByHash(c.Request.Context(), txHash)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Explorer lookup failed", "details": err.Error()})
		return
	}
	if len(tx) == 0 || string(tx) == "null" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found", "txHash": txHash})
		return
	}

	resp := gin.H{"txHash": txHash, "transaction": tx}
	// A pending transaction has no receipt yet; that is not an error.
	if receipt, err := h.explorer.GetTransactionReceipt(c.Request.Context(), txHash); err == nil &&
		len(receipt) > 0 && string(receipt) != "null" {
		resp["receipt"] = receipt
	}
	c.JSON(http.StatusOK, resp)
}

// isTxHash reports whether s is a 0x-prefixed 32-byte hex hash.
func isTxHash(s string) bool {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, r := range s[2:] {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// handleHealth returns engine status and dependency connectivity.
func (h *APIHandler) handleHealth(c *gin.Context) {
	dbConnected := false
	if h.dbStore != nil {
		dbConnected = h.dbStore.Ping(c.Request.Context()) == nil
	}
	explorerReachable := false
	if h.explorer != nil {
		explorerReachable = h.explorer.HealthCheck(c.Request.Context()) == nil
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            "operational",
		"engine":            "RawBlock Trace Engine v1.0",
		"dbConnected":       dbConnected,
		"explorerReachable": explorerReachable,
		"activeJobs":        h.manager.ActiveCount(),
	})
}

// handleStats exposes controller, cache, and directory statistics.
func (h *APIHandler) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"jobs":       h.manager.Stats(),
		"cache":      h.explorer.CacheStats(),
		"classifier": h.classifier.Stats(),
	})
}

// handleAddKnownAddress registers a directory entry at runtime.
// Administrative side-channel; the static directory itself is immutable.
func (h *APIHandler) handleAddKnownAddress(c *gin.Context) {
	var req struct {
		Address    string  `json:"address" binding:"required"`
		Kind       string  `json:"kind" binding:"required"`
		Confidence float64 `json:"confidence"`
		Name       string  `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if req.Confidence < 0 || req.Confidence > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Confidence must be in [0,100]"})
		return
	}

	h.classifier.AddKnownAddress(req.Address, req.Kind, req.Confidence, req.Name)
	log.Printf("[API] Known address added: %s (%s)", req.Address, req.Name)
	c.JSON(http.StatusOK, gin.H{"status": "added", "address": strings.ToLower(req.Address)})
}
