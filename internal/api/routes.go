package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/avossen/hookline/internal/analysis"
	"github.com/avossen/hookline/internal/cache"
	"github.com/avossen/hookline/internal/models"
	"github.com/avossen/hookline/internal/queue"
	"github.com/avossen/hookline/internal/scheduler"
	"github.com/avossen/hookline/internal/scraper"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// server bundles the dependencies handlers close over.
type server struct {
	db           *gorm.DB
	client       scraper.Client
	orch         *analysis.Orchestrator
	profiles     *cache.Cache
	recentWindow time.Duration
	maxAttempts  int
	stuckAfter   time.Duration
	log          *zap.Logger
}

// registerRoutes sets up all API routes on the gin router.
func registerRoutes(router *gin.Engine, s *server) {
	router.GET("/healthz", s.handleHealthz)

	v1 := router.Group("/api/v1")

	v1.POST("/queue", s.handleEnqueue)
	v1.GET("/queue", s.handleQueueList)
	v1.GET("/queue/:username", s.handleQueueGet)
	v1.POST("/queue/:username/pause", s.handleQueuePause)
	v1.POST("/queue/:username/resume", s.handleQueueResume)
	v1.POST("/queue/:username/retry", s.handleQueueRetry)
	v1.POST("/queue/:username/priority", s.handleQueuePriority)

	v1.GET("/profiles/:username", s.handleProfileGet)
	v1.GET("/profiles/:username/similar", s.handleProfileSimilar)

	v1.POST("/analysis", s.handleJobCreate)
	v1.GET("/analysis", s.handleJobList)
	v1.GET("/analysis/:session", s.handleJobStatus)
	v1.POST("/analysis/:session/start", s.handleJobStart)
	v1.POST("/analysis/:session/pause", s.handleJobPause)
	v1.POST("/analysis/:session/resume", s.handleJobResume)
	v1.POST("/analysis/:session/competitors/:username", s.handleCompetitorToggle)
	v1.GET("/analysis/:session/results", s.handleJobResults)

	v1.GET("/stats", s.handleStats)
	v1.GET("/events", s.handleEvents)
}

// renderError maps operation errors to HTTP statuses: missing rows are 404,
// anything else a lifecycle call rejects is a caller error.
func renderError(c *gin.Context, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *server) handleHealthz(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type enqueueRequest struct {
	Username string `json:"username" binding:"required"`
	Source   string `json:"source"`
}

func (s *server) handleEnqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	adm, err := queue.Request(s.db, queue.RequestOpts{
		Username:     req.Username,
		Source:       req.Source,
		MaxAttempts:  s.maxAttempts,
		RecentWindow: s.recentWindow,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if adm.Queued {
		status = http.StatusAccepted
	}
	c.JSON(status, adm)
}

func (s *server) handleQueueList(c *gin.Context) {
	var filters queue.ListFilters
	filters.Status = c.Query("status")
	if v := c.Query("priority"); v != "" {
		p, err := queue.ParsePriority(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filters.Priority = p
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		filters.Limit = n
	}

	entries, err := queue.List(s.db, filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	rows := make([]EntryRow, len(entries))
	for i := range entries {
		rows[i] = entryRow(&entries[i], 0)
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows, "count": len(rows)})
}

func (s *server) handleQueueGet(c *gin.Context) {
	entry, err := queue.Get(s.db, c.Param("username"))
	if err != nil {
		renderError(c, err)
		return
	}

	pos := 0
	if entry.Status == "pending" {
		if p, err := queue.Position(s.db, entry); err == nil {
			pos = p
		}
	}
	c.JSON(http.StatusOK, entryRow(entry, pos))
}

func (s *server) handleQueuePause(c *gin.Context) {
	entry, err := queue.Pause(s.db, c.Param("username"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, entryRow(entry, 0))
}

func (s *server) handleQueueResume(c *gin.Context) {
	entry, err := queue.Resume(s.db, c.Param("username"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, entryRow(entry, 0))
}

func (s *server) handleQueueRetry(c *gin.Context) {
	username, err := queue.NormalizeUsername(c.Param("username"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entry, err := scheduler.ForceRetry(s.db, username)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, entryRow(entry, 0))
}

type priorityRequest struct {
	Priority string `json:"priority" binding:"required"` // high or low
}

func (s *server) handleQueuePriority(c *gin.Context) {
	var req priorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	priority, err := queue.ParsePriority(req.Priority)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := queue.SetPriority(s.db, c.Param("username"), priority); err != nil {
		renderError(c, err)
		return
	}
	entry, err := queue.Get(s.db, c.Param("username"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, entryRow(entry, 0))
}

func (s *server) handleProfileGet(c *gin.Context) {
	username, err := queue.NormalizeUsername(c.Param("username"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if cached, ok := s.profiles.Get(username); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	var profile models.Profile
	if err := s.db.Where("username = ?", username).First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile " + username + " not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	row := profileRow(s.db, &profile)
	s.profiles.Set(username, row)
	c.JSON(http.StatusOK, row)
}

func (s *server) handleProfileSimilar(c *gin.Context) {
	username, err := queue.NormalizeUsername(c.Param("username"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var profile models.Profile
	if err := s.db.Where("username = ?", username).First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile " + username + " not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	similar := decodeSimilar(profile.SimilarAccounts)
	if len(similar) == 0 && s.client != nil {
		found, err := s.client.FindSimilar(c.Request.Context(), username, scheduler.DefaultSimilarCount)
		if err != nil {
			s.log.Warn("similar accounts fetch failed",
				zap.String("username", username), zap.Error(err))
		} else if len(found) > 0 {
			similar = found
			if encoded, err := json.Marshal(found); err == nil {
				s.db.Model(&models.Profile{}).Where("username = ?", username).
					Update("similar_accounts", string(encoded))
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"username": username, "similar_accounts": similar})
}

type createJobRequest struct {
	PrimaryUsername     string   `json:"primary_username" binding:"required"`
	Competitors         []string `json:"competitors"`
	Priority            int      `json:"priority"`
	ContentStrategy     string   `json:"content_strategy"`
	SelectionMethod     string   `json:"selection_method"`
	AutoRerun           bool     `json:"auto_rerun"`
	RerunFrequencyHours int      `json:"rerun_frequency_hours"`
}

func (s *server) handleJobCreate(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := analysis.CreateJob(s.db, analysis.CreateJobOpts{
		PrimaryUsername:     req.PrimaryUsername,
		Competitors:         req.Competitors,
		ContentStrategy:     req.ContentStrategy,
		Priority:            req.Priority,
		SelectionMethod:     req.SelectionMethod,
		AutoRerun:           req.AutoRerun,
		RerunFrequencyHours: req.RerunFrequencyHours,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, jobRow(job))
}

func (s *server) handleJobList(c *gin.Context) {
	filters := analysis.JobFilters{
		Status:          c.Query("status"),
		PrimaryUsername: c.Query("username"),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		filters.Limit = n
	}

	jobs, err := analysis.ListJobs(s.db, filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	rows := make([]JobRow, len(jobs))
	for i := range jobs {
		rows[i] = jobRow(&jobs[i])
	}
	c.JSON(http.StatusOK, gin.H{"jobs": rows, "count": len(rows)})
}

func (s *server) handleJobStatus(c *gin.Context) {
	summary, err := analysis.JobStatus(s.db, c.Param("session"))
	if err != nil {
		renderError(c, err)
		return
	}

	resp := gin.H{"job": jobRow(summary.Job)}
	if summary.LatestRun != nil {
		resp["latest_run"] = runRow(summary.LatestRun, false)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) handleJobStart(c *gin.Context) {
	if s.orch == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analysis runner is not configured"})
		return
	}

	job, err := analysis.GetJobBySession(s.db, c.Param("session"))
	if err != nil {
		renderError(c, err)
		return
	}

	// The run detaches from the request; progress is polled via the
	// status route.
	go func(jobID uint, session string) {
		if _, err := s.orch.RunAnalysis(context.Background(), jobID); err != nil {
			s.log.Error("analysis run failed",
				zap.String("session", session), zap.Error(err))
		}
	}(job.ID, job.SessionID)

	c.JSON(http.StatusAccepted, gin.H{"session_id": job.SessionID, "status": "started"})
}

func (s *server) handleJobPause(c *gin.Context) {
	job, err := analysis.PauseJob(s.db, c.Param("session"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobRow(job))
}

func (s *server) handleJobResume(c *gin.Context) {
	job, err := analysis.ResumeJob(s.db, c.Param("session"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobRow(job))
}

type competitorToggleRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (s *server) handleCompetitorToggle(c *gin.Context) {
	var req competitorToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := analysis.GetJobBySession(s.db, c.Param("session"))
	if err != nil {
		renderError(c, err)
		return
	}
	if err := analysis.SetCompetitorActive(s.db, job.ID, c.Param("username"), *req.Active); err != nil {
		renderError(c, err)
		return
	}

	username, _ := queue.NormalizeUsername(c.Param("username"))
	c.JSON(http.StatusOK, gin.H{
		"session_id": job.SessionID,
		"username":   username,
		"active":     *req.Active,
	})
}

func (s *server) handleJobResults(c *gin.Context) {
	job, err := analysis.JobResults(s.db, c.Param("session"))
	if err != nil {
		renderError(c, err)
		return
	}

	runs := make([]RunRow, len(job.Runs))
	for i := range job.Runs {
		runs[i] = runRow(&job.Runs[i], true)
	}
	c.JSON(http.StatusOK, gin.H{"job": jobRow(job), "runs": runs})
}

func (s *server) handleStats(c *gin.Context) {
	stats, err := GatherStats(s.db, s.stuckAfter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
