package websub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/tomnomnom/linkheader"
	"meow.tf/websub-client/model"
	"meow.tf/websub-client/topic"
)

// Job is an authenticated notification waiting to be dispatched.
type Job struct {
	Subscription model.Subscription
	Type         topic.Type
	Header       http.Header
	Body         []byte
	Received     time.Time
}

// Worker is an interface to allow other types of notification dispatchers.
// Add must not block; it returns ErrQueueFull when the job cannot be queued.
type Worker interface {
	Add(job Job) error
	Start()
	Stop()
}

// NewGoWorker creates a new worker dispatching to m with workerCount goroutines.
func NewGoWorker(m *Manager, workerCount int) *GoWorker {
	return &GoWorker{
		manager:     m,
		workerCount: workerCount,
		jobCh:       make(chan Job, 64),
		done:        make(chan struct{}),
	}
}

// GoWorker is a basic Goroutine-based worker.
// It will start workerCount workers and process jobs from a channel.
type GoWorker struct {
	manager     *Manager
	workerCount int
	jobCh       chan Job
	done        chan struct{}
}

// Add will add a job to the queue. It returns ErrDestroyed after Stop
// and ErrQueueFull when every slot is taken.
func (w *GoWorker) Add(job Job) error {
	select {
	case <-w.done:
		return ErrDestroyed
	default:
	}

	select {
	case w.jobCh <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start will start the worker routines.
func (w *GoWorker) Start() {
	for i := 0; i < w.workerCount; i++ {
		go w.run()
	}
}

// Stop signals each worker routine to exit.
func (w *GoWorker) Stop() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

// run pulls jobs off the job channel and processes them.
func (w *GoWorker) run() {
	for {
		select {
		case job := <-w.jobCh:
			w.manager.dispatch(job)
		case <-w.done:
			return
		}
	}
}

// notificationEnvelope is the Helix notification body.
type notificationEnvelope struct {
	Data []json.RawMessage `json:"data"`
}

// decodeMessage builds the Message event for job.
func decodeMessage(job Job) (*Message, error) {
	msg := &Message{
		ID:        job.Subscription.ID,
		Type:      job.Type,
		Topic:     job.Subscription.Topic,
		MessageID: job.Header.Get("Twitch-Notification-Id"),
		Timestamp: job.Received,
		Body:      job.Body,
	}

	if ts, err := time.Parse(time.RFC3339, job.Header.Get("Twitch-Notification-Timestamp")); err == nil {
		msg.Timestamp = ts
	}

	for _, link := range linkheader.ParseMultiple(job.Header.Values("Link")) {
		switch link.Rel {
		case "hub":
			msg.Hub = link.URL
		case "self":
			msg.Topic = link.URL
		}
	}

	var env notificationEnvelope

	if err := json.Unmarshal(job.Body, &env); err != nil {
		return msg, errors.Wrap(err, "decode notification")
	}

	msg.Data = env.Data

	return msg, nil
}
