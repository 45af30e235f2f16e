package websub

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"meow.tf/websub-client/model"
	"meow.tf/websub-client/signature"
	"meow.tf/websub-client/topic"
)

// maxNotificationSize bounds the notification body read into memory.
const maxNotificationSize = 1 << 20

// Router returns a router serving the verification (GET) and notification (POST)
// callbacks of every topic type. Mount it at the base path of the manager's callback URL.
func (m *Manager) Router() chi.Router {
	r := chi.NewRouter()

	for _, t := range topic.Types() {
		r.Get("/"+t.Segment(), m.handleVerify)
		r.Post("/"+t.Segment(), m.handleNotification(t))
	}

	return r
}

// ServeHTTP is a generic webserver handler for the subscriber callbacks.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.router.ServeHTTP(w, r)
}

func (m *Manager) handleVerify(w http.ResponseWriter, r *http.Request) {
	body, err := m.Verify(r.Context(), r.URL.Query())

	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, body)
}

func (m *Manager) handleNotification(t topic.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationSize))

		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		job, err := m.authenticate(t, r.URL.Query(), r.Header, body)

		if err != nil {
			writeError(w, err)
			return
		}

		// Acknowledge before dispatching; the hub only needs receipt.
		w.WriteHeader(http.StatusOK)

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		if err := m.worker.Add(*job); err != nil {
			m.emitError(job.Subscription.ID, err)
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	var verr model.ValidationError

	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "subscription not found", http.StatusNotFound)
	case errors.Is(err, signature.ErrMissingSignature),
		errors.Is(err, signature.ErrInvalidSignature),
		errors.Is(err, signature.ErrSignatureMismatch):
		http.Error(w, "signature verification failed", http.StatusForbidden)
	case errors.As(err, &verr):
		http.Error(w, verr.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrDestroyed):
		http.Error(w, "subscriber shutting down", http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
