// Package server exposes the job event stream over WebSocket. It bridges the
// in-process broadcaster to connected operator clients; control actions go
// through the CLI, not this surface.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/qafila/broadcast"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Server streams broadcast events to WebSocket subscribers on /ws/jobs.
// A job_id query parameter narrows the stream to one job.
type Server struct {
	httpServer  *http.Server
	broadcaster *broadcast.Broadcaster
	upgrader    websocket.Upgrader
	log         *zap.SugaredLogger
}

// New creates a server listening on addr.
func New(addr string, broadcaster *broadcast.Broadcaster, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  2048,
			WriteBufferSize: 2048,
			// The daemon binds to localhost; browser-origin checks add
			// nothing for same-host operator tooling.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.Named("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/jobs", s.handleJobStream)
	mux.HandleFunc("/healthz", s.handleHealth)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown. It blocks; run it in a goroutine.
func (s *Server) Start() error {
	s.log.Infow("Event stream listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains connections and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	jobID := r.URL.Query().Get("job_id")
	var sub *broadcast.Subscription
	if jobID == "" {
		sub = s.broadcaster.SubscribeAll()
	} else {
		sub = s.broadcaster.Subscribe(jobID)
	}
	defer s.broadcaster.Unsubscribe(sub)

	s.log.Infow("Event stream client connected", "remote", r.RemoteAddr, "job_id", jobID)

	// Drain reads so close frames and pongs are processed.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-readDone:
			s.log.Debugw("Event stream client disconnected", "remote", r.RemoteAddr)
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(event); err != nil {
				s.log.Debugw("Event stream write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}
