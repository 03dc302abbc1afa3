package api

import (
	"errors"
	"net/http"

	"encodeagent/history"
	"encodeagent/task"

	"github.com/gin-gonic/gin"
)

// Controller is the agent surface exposed over HTTP.
type Controller interface {
	Status() task.AgentStatus
	Queued() []task.Task
	RecentlyFinished() []history.Entry
	Pause()
	Unpause()
	AbortCurrent() bool
	Restart() error
}

type Handler struct {
	agent Controller
}

func NewHandler(agent Controller) *Handler {
	return &Handler{agent: agent}
}

// QueueResponse lists queued sources and the most recent results.
type QueueResponse struct {
	QueuedTasks           []string        `json:"queuedTasks"`
	RecentlyFinishedTasks []history.Entry `json:"recentlyFinishedTasks"`
}

func (h *Handler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.agent.Status())
}

// handleQueue reports queued tasks in processing order.
func (h *Handler) handleQueue(c *gin.Context) {
	queued := h.agent.Queued()
	resp := QueueResponse{
		QueuedTasks:           make([]string, 0, len(queued)),
		RecentlyFinishedTasks: h.agent.RecentlyFinished(),
	}
	for _, t := range queued {
		resp.QueuedTasks = append(resp.QueuedTasks, t.RelativePath)
	}
	if resp.RecentlyFinishedTasks == nil {
		resp.RecentlyFinishedTasks = []history.Entry{}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) handlePause(c *gin.Context) {
	h.agent.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (h *Handler) handleUnpause(c *gin.Context) {
	h.agent.Unpause()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

// handleAbort kills the running task. The agent pauses itself afterwards.
func (h *Handler) handleAbort(c *gin.Context) {
	aborted := h.agent.AbortCurrent()
	c.JSON(http.StatusOK, gin.H{"aborted": aborted})
}

// handleRestart starts a stopped agent. A running agent is left alone.
func (h *Handler) handleRestart(c *gin.Context) {
	err := h.agent.Restart()
	switch {
	case errors.Is(err, task.ErrStillActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to restart agent", "details": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "Agent restarted"})
	}
}
