// Package duplex implements the duplex WebSocket transport of §4.7: it
// accepts concurrent tool-calling clients, assigns each a client id, and
// routes tool-dispatch responses back to the client that issued them.
package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/dispatcher"
	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/logging"
)

// Server hosts the duplex WebSocket endpoint plus /healthz and /metrics,
// grounded on pkg/ipc/server.go's chi + h2c wiring.
type Server struct {
	addr       string
	hub        *Hub
	dispatcher *dispatcher.Dispatcher
	logger     *logging.Logger
	httpServer *http.Server
	eg         *errgroup.Group
}

// NewServer builds a duplex Server bound to addr. The accept loop and
// every client's write pump run under the Server's errgroup.Group, so
// Start can await clean shutdown of all of them rather than leaking
// goroutines past the listener closing.
func NewServer(addr string, disp *dispatcher.Dispatcher, logger *logging.Logger) *Server {
	eg := &errgroup.Group{}
	return &Server{
		addr:       addr,
		hub:        NewHub(eg),
		dispatcher: disp,
		logger:     logger.With("duplex"),
		eg:         eg,
	}
}

// Start runs the HTTP server until ctx is cancelled, then blocks until the
// listener and every client write pump registered on the Server's
// errgroup.Group have returned.
func (s *Server) Start(ctx context.Context) error {
	router := chi.NewRouter()
	router.Get("/ws", s.handleWS)
	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", promhttp.Handler().ServeHTTP)

	// h2c lets the duplex WebSocket survive reverse proxies that strip
	// HTTP/1.1 upgrade headers, per pkg/ipc/server.go's rationale.
	h2s := &http2.Server{}
	handler := h2c.NewHandler(router, h2s)

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	s.eg.Go(func() error {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return s.eg.Wait()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("duplex websocket accept failed", "error", err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	clientID, writeDone := s.hub.Register(ctx, conn)
	s.logger.ClientConnected(clientID)
	defer func() {
		s.hub.Remove(clientID)
		s.logger.ClientDisconnected(clientID)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			cancel()
			<-writeDone
			return
		}
		var env Envelope
		if jsonErr := json.Unmarshal(data, &env); jsonErr != nil {
			continue
		}
		if env.Direction != ToChrome {
			continue
		}
		s.dispatchEnvelope(ctx, clientID, env)
	}
}

// dispatchEnvelope records the envelope's route before the dispatch runs
// asynchronously, preserving §4.7's ordering rule against a client
// disconnecting mid-dispatch.
func (s *Server) dispatchEnvelope(ctx context.Context, clientID uint64, env Envelope) {
	var payload ToolCallPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return
	}
	s.hub.RouteEnvelope(env.ID, clientID)

	go func() {
		result := s.dispatcher.Dispatch(ctx, clientID, env.ID, payload.Params.Name, payload.Params.Arguments)

		out := ToolResultPayload{RequestID: payload.ID}
		if result.Err != nil {
			out.Error = &EnvelopeError{Code: result.Err.Code, Message: result.Err.Message}
		} else {
			out.Result = result.Payload
		}

		payloadBytes, err := json.Marshal(out)
		if err != nil {
			return
		}
		s.hub.Deliver(env.ID, Envelope{
			ID:        env.ID,
			Direction: FromChrome,
			Timestamp: time.Now().UnixMilli(),
			Payload:   payloadBytes,
		})
	}()
}
