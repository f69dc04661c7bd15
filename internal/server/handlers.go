package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/sentinel/internal/apperr"
	"github.com/loykin/sentinel/internal/coordinator"
	"github.com/loykin/sentinel/internal/duration"
	"github.com/loykin/sentinel/internal/store"
	"github.com/loykin/sentinel/internal/workload"
)

func (r *Router) handleCreate(c *gin.Context) {
	var req coordinator.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apperr.Wrap(apperr.InvalidField, err, "invalid request body"))
		return
	}
	id, err := r.coord.CreateWorkload(c.Request.Context(), req)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (r *Router) handleUpdate(c *gin.Context) {
	var patch coordinator.UpdatePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		writeErr(c, apperr.Wrap(apperr.InvalidField, err, "invalid request body"))
		return
	}
	if err := r.coord.UpdateWorkload(c.Request.Context(), c.Param("ref"), patch); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) handleDelete(c *gin.Context) {
	force := c.Query("force") == "true" || c.Query("force") == "1"
	grace, err := optionalDuration(c.Query("grace"))
	if err != nil {
		writeErr(c, err)
		return
	}
	if err := r.coord.DeleteWorkload(c.Request.Context(), c.Param("ref"), force, grace); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.coord.Start(c.Request.Context(), c.Param("ref")); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (r *Router) handleStop(c *gin.Context) {
	grace, err := optionalDuration(c.Query("grace"))
	if err != nil {
		writeErr(c, err)
		return
	}
	force := c.Query("force") == "true" || c.Query("force") == "1"
	if err := r.coord.Stop(c.Request.Context(), c.Param("ref"), grace, force); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) handleRestart(c *gin.Context) {
	delay, err := optionalDuration(c.Query("delay"))
	if err != nil {
		writeErr(c, err)
		return
	}
	if err := r.coord.Restart(c.Request.Context(), c.Param("ref"), delay); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (r *Router) handleList(c *gin.Context) {
	out := r.coord.List(coordinator.ListFilter{
		Pattern: c.Query("pattern"),
		Group:   c.Query("group"),
	})
	c.JSON(http.StatusOK, out)
}

func (r *Router) handleDescribe(c *gin.Context) {
	w, st, err := r.coord.Describe(c.Param("ref"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workload": w, "state": st})
}

func (r *Router) handleLogs(c *gin.Context) {
	q := store.LogQuery{
		Stream:   workload.Stream(c.Query("stream")),
		Contains: c.Query("grep"),
	}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErr(c, apperr.Wrap(apperr.InvalidField, err, "invalid since"))
			return
		}
		q.Since = t
	}
	if v := c.Query("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErr(c, apperr.Wrap(apperr.InvalidField, err, "invalid until"))
			return
		}
		q.Until = t
	}
	if v := c.Query("since_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeErr(c, apperr.Wrap(apperr.InvalidField, err, "invalid since_seq"))
			return
		}
		q.SinceSeq = n
	}
	if v := c.Query("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(c, apperr.New(apperr.InvalidField, "invalid tail %q", v))
			return
		}
		q.Tail = n
	}
	recs, err := r.coord.QueryLogs(c.Request.Context(), c.Param("ref"), q)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (r *Router) handleMetrics(c *gin.Context) {
	var since, until time.Time
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErr(c, apperr.Wrap(apperr.InvalidField, err, "invalid since"))
			return
		}
		since = t
	}
	if v := c.Query("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErr(c, apperr.Wrap(apperr.InvalidField, err, "invalid until"))
			return
		}
		until = t
	}
	samples, err := r.coord.QueryMetrics(c.Request.Context(), c.Param("ref"), since, until)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, samples)
}

// policyRequest carries wire-format durations.
type policyRequest struct {
	Name                string  `json:"name"`
	MaxRetries          int     `json:"max_retries"`
	Unlimited           bool    `json:"unlimited"`
	InitialDelay        string  `json:"initial_delay"`
	BackoffMultiplier   float64 `json:"backoff_multiplier"`
	MaxDelay            string  `json:"max_delay"`
	RestartOnExitCodes  []int   `json:"restart_on_exit_codes"`
	RestartOnNormalExit bool    `json:"restart_on_normal_exit"`
	RestartOnLost       bool    `json:"restart_on_lost"`
}

func (r *Router) handlePutPolicy(c *gin.Context) {
	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apperr.Wrap(apperr.InvalidPolicy, err, "invalid request body"))
		return
	}
	p := workload.RestartPolicy{
		Name:                req.Name,
		MaxRetries:          req.MaxRetries,
		BackoffMultiplier:   req.BackoffMultiplier,
		RestartOnExitCodes:  req.RestartOnExitCodes,
		RestartOnNormalExit: req.RestartOnNormalExit,
		RestartOnLost:       req.RestartOnLost,
	}
	if req.Unlimited {
		p.MaxRetries = workload.UnlimitedRetries
	}
	if p.BackoffMultiplier == 0 {
		p.BackoffMultiplier = 1.0
	}
	var err error
	if req.InitialDelay != "" {
		if p.InitialDelay, err = duration.Parse(req.InitialDelay); err != nil {
			writeErr(c, apperr.Wrap(apperr.InvalidPolicy, err, "initial_delay"))
			return
		}
	}
	if req.MaxDelay != "" {
		if p.MaxDelay, err = duration.Parse(req.MaxDelay); err != nil {
			writeErr(c, apperr.Wrap(apperr.InvalidPolicy, err, "max_delay"))
			return
		}
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = p.InitialDelay
	}
	if err := r.coord.PutPolicy(c.Request.Context(), p); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type scheduleRequest struct {
	Workload   string `json:"workload"`
	Kind       string `json:"kind"`
	Expression string `json:"expression"`
	Enabled    bool   `json:"enabled"`
}

func (r *Router) handlePutSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apperr.Wrap(apperr.InvalidField, err, "invalid request body"))
		return
	}
	id, err := r.coord.PutSchedule(c.Request.Context(), coordinator.ScheduleRequest{
		Workload:   req.Workload,
		Kind:       workload.ScheduleKind(req.Kind),
		Expression: req.Expression,
		Enabled:    req.Enabled,
	})
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (r *Router) handleListSchedules(c *gin.Context) {
	out, err := r.coord.Schedules(c.Query("workload"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) handleEnableSchedule(c *gin.Context) {
	if err := r.coord.EnableSchedule(c.Request.Context(), c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) handleDisableSchedule(c *gin.Context) {
	if err := r.coord.DisableSchedule(c.Request.Context(), c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleEvents streams events as server-sent events until the client leaves.
func (r *Router) handleEvents(c *gin.Context) {
	sub := r.coord.Subscribe(c.Query("workload"), 256)
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return false
			}
			payload, _ := json.Marshal(e)
			c.SSEvent("message", string(payload))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (r *Router) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, r.coord.Health())
}

func optionalDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := duration.Parse(v)
	if err != nil {
		return 0, apperr.Wrap(apperr.InvalidField, err, "invalid duration %q", v)
	}
	return d, nil
}
