package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/udaykr117/durableq/internal/job"
	"github.com/udaykr117/durableq/internal/queue"
)

type Server struct {
	svc    *queue.Service
	port   int
	router *gin.Engine
}

func NewServer(svc *queue.Service, port int) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{svc: svc, port: port, router: router}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleDashboard)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	api.GET("/stats", s.handleStats)
	api.GET("/jobs", s.handleJobCounts)
	api.GET("/jobs/list", s.handleListJobs)
	api.GET("/jobs/:id", s.handleGetJob)
	api.POST("/jobs", s.handleEnqueue)
	api.POST("/dlq/:id/retry", s.handleRetry)
	api.GET("/executions", s.handleExecutions)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Dashboard server starting on http://localhost%s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Println("Stopping dashboard server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.svc.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleJobCounts(c *gin.Context) {
	st, err := s.svc.Status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st.Counts)
}

func (s *Server) handleListJobs(c *gin.Context) {
	jobs, err := s.svc.ListJobs(c.Request.Context(), c.Query("state"))
	if err != nil {
		writeError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(jobs), "jobs": jobs})
}

func (s *Server) handleGetJob(c *gin.Context) {
	ctx := c.Request.Context()
	j, err := s.svc.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	execs, err := s.svc.RecentExecutions(ctx, j.ID, 10)
	if err != nil {
		writeError(c, err)
		return
	}
	if execs == nil {
		execs = []job.Execution{}
	}
	c.JSON(http.StatusOK, gin.H{"job": j, "executions": execs})
}

func (s *Server) handleEnqueue(c *gin.Context) {
	var spec queue.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	j, err := s.svc.Enqueue(c.Request.Context(), spec)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, j)
}

func (s *Server) handleRetry(c *gin.Context) {
	j, err := s.svc.RequeueFromDLQ(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) handleExecutions(c *gin.Context) {
	limit := 20
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}
	execs, err := s.svc.RecentExecutions(c.Request.Context(), c.Query("job_id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if execs == nil {
		execs = []job.Execution{}
	}
	c.JSON(http.StatusOK, execs)
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, job.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, job.ErrDuplicateID), errors.Is(err, queue.ErrNotDead):
		status = http.StatusConflict
	case errors.Is(err, job.ErrInvalid):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleDashboard(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
	<title>QueueCTL Dashboard</title>
	<style>
	body { font-family: 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 20px; background: #f4f6f8; color: #222; }
	h1 { margin-top: 0; }
	.cards { display: flex; gap: 12px; flex-wrap: wrap; margin-bottom: 20px; }
	.card { background: #fff; border-radius: 8px; padding: 14px 18px; min-width: 120px; box-shadow: 0 1px 3px rgba(0,0,0,.1); }
	.card .label { font-size: 12px; text-transform: uppercase; color: #666; }
	.card .value { font-size: 26px; font-weight: 600; }
	table { width: 100%; border-collapse: collapse; background: #fff; }
	th, td { text-align: left; padding: 6px 10px; border-bottom: 1px solid #eee; font-size: 13px; }
	.ok { color: #1a7f37; } .fail { color: #cf222e; }
	button { font-size: 12px; }
	</style>
</head>
<body>
	<h1>QueueCTL Dashboard</h1>
	<div class="cards" id="counts"></div>
	<div class="cards" id="stats"></div>

	<h2>Dead Letter Queue</h2>
	<table>
		<thead><tr><th>ID</th><th>Command</th><th>Attempts</th><th>Last Error</th><th></th></tr></thead>
		<tbody id="dlq"></tbody>
	</table>

	<h2>Recent Executions</h2>
	<table>
		<thead><tr><th>Job</th><th>Worker</th><th>Started</th><th>Duration</th><th>Result</th><th>Error</th></tr></thead>
		<tbody id="executions"></tbody>
	</table>

	<script>
	function esc(s) {
		return String(s == null ? '' : s).replace(/[&<>"]/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;'}[c]));
	}
	function card(label, value) {
		return '<div class="card"><div class="label">' + esc(label) + '</div><div class="value">' + esc(value) + '</div></div>';
	}
	async function getJSON(url) {
		const res = await fetch(url);
		return res.json();
	}
	async function retry(id) {
		await fetch('/api/dlq/' + encodeURIComponent(id) + '/retry', {method: 'POST'});
		refresh();
	}
	async function refresh() {
		const stats = await getJSON('/api/stats');
		const counts = stats.counts || {};
		document.getElementById('counts').innerHTML =
			['pending', 'processing', 'completed', 'dead'].map(s => card(s, counts[s] || 0)).join('') +
			card('workers', stats.active_workers);
		document.getElementById('stats').innerHTML =
			card('processed', stats.total_processed) +
			card('success rate', stats.success_rate.toFixed(1) + '%') +
			card('avg ms (24h)', Math.round(stats.avg_duration_ms)) +
			card('timeouts', stats.total_timeout);

		const dead = await getJSON('/api/jobs/list?state=dead');
		document.getElementById('dlq').innerHTML = dead.jobs.map(j =>
			'<tr><td>' + esc(j.id) + '</td><td>' + esc(j.command) + '</td><td>' + j.attempts +
			'</td><td>' + esc(j.last_error) + '</td><td><button onclick="retry(\'' + esc(j.id) + '\')">retry</button></td></tr>'
		).join('');

		const execs = await getJSON('/api/executions?limit=20');
		document.getElementById('executions').innerHTML = execs.map(e =>
			'<tr><td>' + esc(e.job_id) + '</td><td>' + esc(e.worker_id) + '</td><td>' + esc(new Date(e.started_at).toLocaleTimeString()) +
			'</td><td>' + e.duration_ms + ' ms</td><td class="' + (e.success ? 'ok">ok' : 'fail">' + (e.timeout ? 'timeout' : 'failed')) +
			'</td><td>' + esc(e.error) + '</td></tr>'
		).join('');
	}
	refresh();
	setInterval(refresh, 3000);
	</script>
</body>
</html>
`
