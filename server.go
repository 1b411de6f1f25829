package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/syncrouter/syncrouter/internal/ejson"
	"github.com/syncrouter/syncrouter/internal/metrics"
	"github.com/syncrouter/syncrouter/internal/session"
	"github.com/syncrouter/syncrouter/internal/store"
	"github.com/syncrouter/syncrouter/internal/subscriptions"
	"github.com/syncrouter/syncrouter/internal/transport"
	"github.com/syncrouter/syncrouter/internal/watcher"
)

// Server owns the listen socket, the shared watcher/store/registry trio, and
// the per-session accept plumbing.
type Server struct {
	config Config
	logger zerolog.Logger

	listener      net.Listener
	metricsServer *http.Server

	natsTransport *watcher.NATSTransport
	watcher       *watcher.Watcher
	store         store.Store
	registry      *subscriptions.Registry

	workerPool    *WorkerPool
	resourceGuard *ResourceGuard
	collector     *MetricsCollector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sessionSeq   atomic.Uint64
	sessionCount atomic.Int64
}

// NewServer wires the process-wide components together.
func NewServer(config Config, logger zerolog.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config: config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	codec := ejson.NewCodec(logger)

	// The change-notification fan-out and the query path both ride the
	// message bus; Kafka is the alternate ingestion path for deployments
	// whose change log already lives in a topic.
	natsTransport, err := watcher.NewNATSTransport(config.NATSURL, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	s.natsTransport = natsTransport
	s.store = store.NewNATSStore(natsTransport.Conn(), codec, logger)

	var watchTransport watcher.Transport = natsTransport
	if config.WatchTransport == "kafka" {
		kafkaTransport, err := watcher.NewKafkaTransport(
			splitBrokers(config.KafkaBrokers), "syncrouter", logger)
		if err != nil {
			natsTransport.Close()
			cancel()
			return nil, err
		}
		watchTransport = kafkaTransport
	}
	s.watcher = watcher.New(watchTransport, logger)

	s.workerPool = NewWorkerPool(config.PollWorkerCount, config.PollWorkerQueue, logger)
	s.registry = subscriptions.New(ctx, s.store, s.watcher, s.workerPool, logger)

	// Clamp the session cap to what the container's memory can actually hold.
	if memLimit, err := getMemoryLimit(); err == nil && memLimit > 0 {
		if derived := calculateMaxSessions(memLimit); derived < s.config.MaxSessions {
			logger.Warn().
				Int("configured", s.config.MaxSessions).
				Int("derived", derived).
				Msg("lowering max sessions to fit the container memory limit")
			s.config.MaxSessions = derived
		}
	}
	s.resourceGuard = NewResourceGuard(s.config, logger)
	s.collector = NewMetricsCollector(s.workerPool, s.resourceGuard)

	return s, nil
}

// Start binds the listen socket and begins accepting sessions. Failure to
// bind is the one fatal startup error.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.config.ListenAddr, err)
	}
	s.listener = listener

	s.workerPool.Start(s.ctx)
	s.collector.Start(s.config.MetricsInterval)
	s.startMetricsServer()

	s.logger.Info().
		Str("listen_addr", s.config.ListenAddr).
		Str("meteor_url", s.config.MeteorURL).
		Str("watch_transport", s.config.WatchTransport).
		Msg("router listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.metricsServer = &http.Server{
		Addr:         s.config.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.sessionCount.Load())
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Error().Err(err).Msg("accept failed")
			continue
		}

		if reason, ok := s.resourceGuard.Admit(int(s.sessionCount.Load())); !ok {
			metrics.RecordSessionRejected(reason)
			s.logger.Warn().Str("reason", reason).Msg("rejecting session at admission control")
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn upgrades the client leg, dials the upstream leg, and runs the
// session until either side goes away.
func (s *Server) handleConn(raw net.Conn) {
	defer s.wg.Done()

	sessionID := strconv.FormatUint(s.sessionSeq.Add(1), 10)
	logger := s.logger.With().Str("session_id", sessionID).Logger()

	client, err := transport.Accept(raw)
	if err != nil {
		logger.Warn().Err(err).Msg("client handshake failed")
		_ = raw.Close()
		return
	}

	dialCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	upstream, err := transport.Dial(dialCtx, s.config.MeteorURL)
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("upstream dial failed")
		_ = client.Close()
		return
	}

	metrics.RecordSession()
	s.sessionCount.Add(1)
	started := time.Now()
	defer func() {
		s.sessionCount.Add(-1)
		metrics.RecordSessionEnd(time.Since(started))
	}()

	sess := session.New(sessionID, client, upstream, s.registry, s.config.MaxInboundMsgsRate, logger)
	_ = sess.Run(s.ctx)
}

// Shutdown stops accepting, tears down shared components, and waits for the
// remaining sessions to unwind.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("shutting down")
	s.cancel()

	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.metricsServer.Shutdown(shutdownCtx)
		cancel()
	}

	s.watcher.Close()
	s.collector.Stop()
	s.natsTransport.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn().Msg("shutdown timed out waiting for sessions")
	}
	return nil
}
