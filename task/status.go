package task

import (
	"sync"
	"sync/atomic"
	"time"
)

type CurrentTask struct {
	ID           string `json:"id"`
	RelativePath string `json:"relativePath"`
}

// AgentStatus is a point-in-time view of the agent.
type AgentStatus struct {
	AgentActive   bool          `json:"agentActive"`
	EncoderActive bool          `json:"encoderActive"`
	Paused        bool          `json:"paused"`
	Percent       float64       `json:"percent"`
	FPS           float64       `json:"fps"`
	AvgFPS        float64       `json:"avgFps"`
	ETA           time.Duration `json:"-"`
	ETASeconds    int64         `json:"etaSeconds"`
	CurrentTask   *CurrentTask  `json:"currentTask"`
	Comment       string        `json:"comment"`
	Error         string        `json:"error,omitempty"`
}

// Publisher holds the current AgentStatus. Writers are serialized; readers
// never block and always see a complete snapshot.
type Publisher struct {
	mu        sync.Mutex
	current   atomic.Pointer[AgentStatus]
	onPublish func(AgentStatus)
}

// NewPublisher starts from the idle status. onPublish, if set, is called
// with every new snapshot.
func NewPublisher(onPublish func(AgentStatus)) *Publisher {
	p := &Publisher{onPublish: onPublish}
	idle := AgentStatus{ETA: -time.Second, ETASeconds: -1}
	p.current.Store(&idle)
	return p
}

// Update applies fn to a copy of the current status and publishes it.
func (p *Publisher) Update(fn func(*AgentStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := *p.current.Load()
	if next.CurrentTask != nil {
		ct := *next.CurrentTask
		next.CurrentTask = &ct
	}
	fn(&next)
	next.ETASeconds = int64(next.ETA / time.Second)
	if next.ETA < 0 {
		next.ETASeconds = -1
	}
	p.current.Store(&next)
	if p.onPublish != nil {
		p.onPublish(next)
	}
}

// Snapshot returns a copy of the current status.
func (p *Publisher) Snapshot() AgentStatus {
	s := *p.current.Load()
	if s.CurrentTask != nil {
		ct := *s.CurrentTask
		s.CurrentTask = &ct
	}
	return s
}

// Reset clears everything tied to the current task.
func (p *Publisher) Reset() {
	p.Update(func(s *AgentStatus) {
		s.EncoderActive = false
		s.CurrentTask = nil
		s.Percent, s.FPS, s.AvgFPS = 0, 0, 0
		s.ETA = -time.Second
		s.Comment = ""
	})
}
