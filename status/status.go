// Package status serves a worker's live training progress over HTTP.
package status

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Report is what GET /api/status returns.
type Report struct {
	Rank       int       `json:"rank"`
	WorldSize  int       `json:"worldSize"`
	Leader     bool      `json:"leader"`
	Epoch      int64     `json:"epoch"`
	GlobalStep int64     `json:"globalStep"`
	Phase      string    `json:"phase"`
	Loss       float64   `json:"loss"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Tracker is updated by the training loop and read by the HTTP handler.
type Tracker struct {
	mu     sync.Mutex
	report Report
}

func NewTracker(rank, worldSize int, leader bool) *Tracker {
	return &Tracker{report: Report{
		Rank:      rank,
		WorldSize: worldSize,
		Leader:    leader,
		Phase:     "starting",
		UpdatedAt: time.Now(),
	}}
}

func (t *Tracker) SetPhase(step int64, phase string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report.GlobalStep = step
	t.report.Phase = phase
	t.report.UpdatedAt = time.Now()
}

func (t *Tracker) SetProgress(epoch, step int64, loss float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report.Epoch = epoch
	t.report.GlobalStep = step
	t.report.Loss = loss
	t.report.UpdatedAt = time.Now()
}

func (t *Tracker) Snapshot() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report
}

func NewRouter(tracker *Tracker) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	api := router.Group("/api")
	{
		api.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, tracker.Snapshot())
		})
	}
	return router
}

// Serve blocks serving the status API on addr.
func Serve(addr string, tracker *Tracker, logger *zap.Logger) error {
	logger.Info("status endpoint listening", zap.String("addr", addr))
	return NewRouter(tracker).Run(addr)
}
