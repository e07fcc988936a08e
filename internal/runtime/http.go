package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-notepad/internal/audio"
	"github.com/loqalabs/loqa-notepad/internal/controller"
	"github.com/loqalabs/loqa-notepad/internal/protocol"
	"github.com/loqalabs/loqa-notepad/internal/recognition"
	"github.com/nats-io/nats.go"
)

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.HandleFunc("POST /v1/session/start", r.handleStart)
	mux.HandleFunc("POST /v1/session/stop", r.handleStop)
	mux.HandleFunc("GET /v1/session", r.handleSnapshot)
	mux.HandleFunc("GET /v1/sessions", r.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/events", r.handleSessionEvents)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStart(w http.ResponseWriter, req *http.Request) {
	id, err := r.controller.Start(req.Context())
	if err != nil {
		writeJSON(w, statusFor(err), protocol.ControlReply{Recording: r.controller.Recording(), Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, protocol.ControlReply{SessionID: id, Recording: true})
}

func (r *Runtime) handleStop(w http.ResponseWriter, _ *http.Request) {
	r.controller.Stop()
	writeJSON(w, http.StatusOK, protocol.ControlReply{Recording: false})
}

func (r *Runtime) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.controller.Snapshot())
}

func (r *Runtime) handleListSessions(w http.ResponseWriter, req *http.Request) {
	sessions, err := r.store.ListSessions(req.Context(), queryInt(req, "limit"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	events, err := r.store.ListSessionEvents(req.Context(), req.PathValue("id"), queryInt(req, "limit"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// subscribeControl exposes start and stop as request/reply subjects.
func (r *Runtime) subscribeControl() error {
	start, err := r.bus.Subscribe(protocol.SubjectControlStart, func(msg *nats.Msg) {
		reply := protocol.ControlReply{}
		id, err := r.controller.Start(context.Background())
		if err != nil {
			reply.Error = err.Error()
			reply.Recording = r.controller.Recording()
		} else {
			reply.SessionID = id
			reply.Recording = true
		}
		r.respond(msg, reply)
	})
	if err != nil {
		return err
	}
	r.subs = append(r.subs, start)

	stop, err := r.bus.Subscribe(protocol.SubjectControlStop, func(msg *nats.Msg) {
		r.controller.Stop()
		r.respond(msg, protocol.ControlReply{Recording: false})
	})
	if err != nil {
		return err
	}
	r.subs = append(r.subs, stop)
	return nil
}

func (r *Runtime) respond(msg *nats.Msg, reply protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn("control reply failed", slog.String("error", err.Error()))
	}
}

func statusFor(err error) int {
	var devErr *audio.DeviceError
	var transportErr *recognition.TransportError
	switch {
	case errors.Is(err, controller.ErrAlreadyRecording), errors.Is(err, controller.ErrStopped):
		return http.StatusConflict
	case errors.As(err, &devErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &transportErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(req *http.Request, key string) int {
	n, _ := strconv.Atoi(req.URL.Query().Get(key))
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
