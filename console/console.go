// Package console is the operator's HTTP view of a running network: node
// status, command submission, idle control, transmit power and simulated
// button presses. Host only.
package console

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"

	"github.com/ystepanoff/apol/node"
	proto "github.com/ystepanoff/apol/protocol"
)

// Node is the control surface the console needs from a running node.
type Node interface {
	Role() proto.Subsystem
	Status() node.Status
	Submit(ctx context.Context, req proto.RequestType, target proto.Subsystem, payload uint32) error
	SetPower(ctx context.Context, dbm uint8) error
	SetIdle(enabled bool)
	Press(in node.Input) error
}

type Options struct {
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// CommandTimeout bounds how long a handler waits for a node loop.
	CommandTimeout time.Duration
	Logger         hclog.Logger
}

type Server struct {
	nodes   map[proto.Subsystem]Node
	metrics http.Handler
	timeout time.Duration
	log     hclog.Logger
}

func New(nodes []Node, opts Options) *Server {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	s := &Server{
		nodes:   make(map[proto.Subsystem]Node, len(nodes)),
		metrics: opts.Metrics,
		timeout: opts.CommandTimeout,
		log:     opts.Logger.Named("console"),
	}
	for _, n := range nodes {
		s.nodes[n.Role()] = n
	}
	return s
}

// Router returns a configured chi router with all routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/nodes", s.handleListNodes)
	r.Route("/nodes/{role}", func(r chi.Router) {
		r.Get("/", s.handleGetNode)
		r.Post("/submit", s.handleSubmit)
		r.Post("/idle/{mode}", s.handleIdle)
		r.Post("/power", s.handlePower)
		r.Post("/inputs/{input}", s.handleInput)
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) node(r *http.Request) (Node, error) {
	role, err := proto.ParseSubsystem(chi.URLParam(r, "role"))
	if err != nil {
		return nil, err
	}
	n, ok := s.nodes[role]
	if !ok {
		return nil, NotFound(fmt.Sprintf("node %s is not running", role))
	}
	return n, nil
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	out := make([]node.Status, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := proto.ParseSubsystem(out[i].Role)
		b, _ := proto.ParseSubsystem(out[j].Role)
		return a < b
	})
	respondOK(w, out)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.node(r)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, n.Status())
}

type submitRequest struct {
	Request string `json:"request"`
	Target  string `json:"target"`
	Payload uint32 `json:"payload"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	n, err := s.node(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var body submitRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, err)
		return
	}
	req, err := proto.ParseRequestType(body.Request)
	if err != nil {
		respondError(w, err)
		return
	}
	target, err := proto.ParseSubsystem(body.Target)
	if err != nil {
		respondError(w, BadRequest(err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	if err := n.Submit(ctx, req, target, body.Payload); err != nil {
		respondError(w, err)
		return
	}
	s.log.Info("command submitted", "node", n.Role(), "request", req, "target", target)
	respondAccepted(w, fmt.Sprintf("%s to %s submitted", req, target))
}

func (s *Server) handleIdle(w http.ResponseWriter, r *http.Request) {
	n, err := s.node(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var enabled bool
	switch chi.URLParam(r, "mode") {
	case "enable":
		enabled = true
	case "disable":
	default:
		respondError(w, BadRequest("idle mode must be enable or disable"))
		return
	}
	n.SetIdle(enabled)
	respondOK(w, map[string]bool{"idle": enabled})
}

type powerRequest struct {
	DBm uint8 `json:"dbm"`
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	n, err := s.node(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var body powerRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	if err := n.SetPower(ctx, body.DBm); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]uint8{"power_dbm": body.DBm})
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	n, err := s.node(r)
	if err != nil {
		respondError(w, err)
		return
	}
	in, err := node.ParseInput(chi.URLParam(r, "input"))
	if err != nil {
		respondError(w, err)
		return
	}
	if err := n.Press(in); err != nil {
		respondError(w, err)
		return
	}
	respondAccepted(w, fmt.Sprintf("%s pressed", in))
}
