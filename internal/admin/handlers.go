package admin

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"lecturebot/internal/storage"
	"lecturebot/internal/uploader"
)

type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type batchView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ChatID      int64     `json:"channel_id"`
	Active      bool      `json:"active"`
	Running     bool      `json:"running"`
	Token       string    `json:"token"`
	ConnectedAt time.Time `json:"connected_at"`
	LastCheck   time.Time `json:"last_check,omitempty"`
}

type addBatchRequest struct {
	BatchID string `json:"batch_id" binding:"required"`
	Token   string `json:"token" binding:"required"`
	ChatID  int64  `json:"channel_id" binding:"required"`
	Name    string `json:"name"`
}

type tokenRequest struct {
	Token string `json:"token" binding:"required"`
}

type statusView struct {
	Uptime  string              `json:"uptime"`
	Ledger  int                 `json:"ledger_size"`
	Tasks   []uploader.TaskInfo `json:"tasks"`
	Batches int                 `json:"batches"`
}

func ok(c *gin.Context, code int, data any) {
	c.JSON(code, apiResponse{Success: true, Data: data})
}

func fail(c *gin.Context, code int, msg string) {
	c.JSON(code, apiResponse{Success: false, Error: msg})
}

// failErr maps Ops errors onto HTTP status codes.
func failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fail(c, http.StatusNotFound, "batch not found")
	case errors.Is(err, ErrExists):
		fail(c, http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnverified):
		fail(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInvalid):
		fail(c, http.StatusBadRequest, err.Error())
	default:
		fail(c, http.StatusInternalServerError, err.Error())
	}
}

// MaskToken keeps the first and last four characters of a credential.
func MaskToken(t string) string {
	if len(t) <= 8 {
		return strings.Repeat("*", len(t))
	}
	return t[:4] + "..." + t[len(t)-4:]
}

func actor(c *gin.Context) string { return "admin:" + c.ClientIP() }

func (s *Service) running() map[string]bool {
	out := map[string]bool{}
	for _, t := range s.d.Tasks.Tasks() {
		out[t.BatchID] = true
	}
	return out
}

func (s *Service) healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Service) listBatches(c *gin.Context) {
	bs, err := s.ops.List(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	run := s.running()
	out := make([]batchView, 0, len(bs))
	for _, b := range bs {
		out = append(out, batchView{
			ID: b.ID, Name: b.Name, ChatID: b.ChatID, Active: b.Active, Running: run[b.ID],
			Token: MaskToken(b.Token), ConnectedAt: b.ConnectedAt, LastCheck: b.LastCheck,
		})
	}
	ok(c, http.StatusOK, out)
}

func (s *Service) listTasks(c *gin.Context) {
	n := 0
	if bs, err := s.ops.List(c.Request.Context()); err == nil {
		n = len(bs)
	}
	st := statusView{
		Uptime:  time.Since(s.started).Truncate(time.Second).String(),
		Tasks:   s.d.Tasks.Tasks(),
		Batches: n,
	}
	if s.d.Ledger != nil {
		st.Ledger = s.d.Ledger.Len()
	}
	ok(c, http.StatusOK, st)
}

func (s *Service) addBatch(c *gin.Context) {
	var req addBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	b, started, err := s.ops.Add(c.Request.Context(), actor(c), req.BatchID, req.Token, req.ChatID, req.Name)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, batchView{
		ID: b.ID, Name: b.Name, ChatID: b.ChatID, Active: b.Active, Running: started,
		Token: MaskToken(b.Token), ConnectedAt: b.ConnectedAt,
	})
}

func (s *Service) deleteBatch(c *gin.Context) {
	id := c.Param("id")
	if err := s.ops.Delete(c.Request.Context(), actor(c), id); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"id": id})
}

func (s *Service) toggleBatch(c *gin.Context) {
	id := c.Param("id")
	active, err := s.ops.Toggle(c.Request.Context(), actor(c), id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"id": id, "active": active})
}

func (s *Service) updateToken(c *gin.Context) {
	id := c.Param("id")
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if err := s.ops.UpdateToken(c.Request.Context(), actor(c), id, req.Token); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"id": id, "token": MaskToken(strings.TrimSpace(req.Token))})
}
