package mllp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/pkg/errclass"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/app"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/app/commands"
)

// ServerConfig configures the MLLP listener.
type ServerConfig struct {
	Bind          string        // host:port
	MaxFrameBytes int           // per-frame payload limit
	GracePeriod   time.Duration // shutdown budget for in-flight messages
}

// Server accepts MLLP connections and drives each one sequentially through
// the command bus. One goroutine per connection; messages on a connection are
// processed strictly in arrival order, so a sender sees the ack for message N
// before message N+1 is read.
type Server struct {
	cfg      ServerConfig
	bus      app.CommandBus
	logger   *slog.Logger
	listener net.Listener

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*mllpConn

	connections prometheus.Counter
	active      prometheus.Gauge
	frames      prometheus.Counter
	acks        *prometheus.CounterVec
}

// mllpConn is one live connection. inflight is set between frame receipt
// and the ack write, so shutdown can tell idle sessions from busy ones.
type mllpConn struct {
	conn     net.Conn
	inflight atomic.Bool
}

// NewServer creates a session manager. registry may be nil.
func NewServer(cfg ServerConfig, bus app.CommandBus, logger *slog.Logger, registry *prometheus.Registry) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		bus:      bus,
		logger:   logger.With("component", "mllp-server"),
		shutdown: make(chan struct{}),
		conns:    make(map[string]*mllpConn),
	}
	if registry != nil {
		s.connections = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hl7pipeline_mllp_connections_total",
			Help: "Accepted MLLP connections.",
		})
		s.active = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hl7pipeline_mllp_connections_active",
			Help: "Currently open MLLP connections.",
		})
		s.frames = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hl7pipeline_mllp_frames_total",
			Help: "Frames received on all connections.",
		})
		s.acks = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hl7pipeline_mllp_acks_total",
			Help: "Acknowledgements written, by kind.",
		}, []string{"kind"})
		registry.MustRegister(s.connections, s.active, s.frames, s.acks)
	}
	return s
}

// Start binds the listener and begins accepting. A bind failure is fatal;
// the service cannot run without its ingestion port.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return errclass.WrapFatal(err, "mllp-server", "Start", "bind listener")
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.logger.Info("listening", "bind", s.cfg.Bind)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address, valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener, lets in-flight messages reach a terminal outcome
// within the grace period and then force-closes remaining connections.
func (s *Server) Stop() {
	close(s.shutdown)
	if s.listener != nil {
		_ = s.listener.Close()
	}

	// Idle sessions have nothing to finish; drop them right away so the
	// grace period is spent on in-flight messages only.
	s.mu.Lock()
	for _, c := range s.conns {
		if !c.inflight.Load() {
			_ = c.conn.Close()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.GracePeriod):
		s.logger.Warn("grace period elapsed, force closing connections")
		s.cancel()
		s.mu.Lock()
		for _, c := range s.conns {
			_ = c.conn.Close()
		}
		s.mu.Unlock()
		<-done
	}
	s.cancel()
	s.logger.Info("stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	session := uuid.NewString()
	log := s.logger.With("session", session, "remote", conn.RemoteAddr().String())

	state := &mllpConn{conn: conn}
	s.mu.Lock()
	s.conns[session] = state
	s.mu.Unlock()
	if s.connections != nil {
		s.connections.Inc()
		s.active.Inc()
	}
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, session)
		s.mu.Unlock()
		if s.active != nil {
			s.active.Dec()
		}
		log.Info("connection closed")
	}()
	log.Info("connection accepted")

	framer := NewFramer(conn, s.cfg.MaxFrameBytes)
	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		payload, err := framer.Next(s.ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, ErrFrameTooLarge):
				log.Error("oversized frame, dropping connection", "limit", s.cfg.MaxFrameBytes)
			case errors.Is(err, context.Canceled):
			default:
				log.Warn("read failed", "error", err)
			}
			return
		}
		if s.frames != nil {
			s.frames.Inc()
		}
		state.inflight.Store(true)

		result, perr := s.bus.ProcessMessage(s.ctx, commands.ProcessMessageCommand{
			Raw:    payload,
			Remote: conn.RemoteAddr().String(),
		})
		if perr != nil && result.Reason == "" {
			result.Reason = perr.Error()
		}

		accepted := result.Outcome.Accepted()
		err = framer.WriteAck(result.ControlID, accepted, result.Reason)
		state.inflight.Store(false)
		if err != nil {
			log.Warn("ack write failed", "error", err)
			return
		}
		if s.acks != nil {
			kind := "AE"
			if accepted {
				kind = "AA"
			}
			s.acks.WithLabelValues(kind).Inc()
		}
	}
}
