// Package server runs the vectank TCP service: it accepts connections,
// authenticates them, and feeds their requests to the query engine.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vectank.org/vectank-server/internal/auth"
	"github.com/vectank.org/vectank-server/internal/config"
	"github.com/vectank.org/vectank-server/internal/errs"
	"github.com/vectank.org/vectank-server/internal/models"
	"github.com/vectank.org/vectank-server/internal/persistence"
	"github.com/vectank.org/vectank-server/internal/queryengine"
	"github.com/vectank.org/vectank-server/internal/registry"
)

// ConnectionManager caps and tracks live client connections.
type ConnectionManager struct {
	lock   sync.Mutex
	limit  int
	active map[net.Conn]struct{}
	log    *zap.Logger
}

// ConnectionStats is a point-in-time view of the connection table.
type ConnectionStats struct {
	Active         int     `json:"active_connections"`
	Max            int     `json:"max_connections"`
	UsagePercent   float64 `json:"usage_percentage"`
	AvailableSlots int     `json:"available_slots"`
}

func NewConnectionManager(limit int, log *zap.Logger) *ConnectionManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConnectionManager{
		limit:  limit,
		active: make(map[net.Conn]struct{}),
		log:    log,
	}
}

// TryAcquire registers conn if a slot is free.
func (cm *ConnectionManager) TryAcquire(conn net.Conn) bool {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	if len(cm.active) >= cm.limit {
		return false
	}
	cm.active[conn] = struct{}{}
	return true
}

func (cm *ConnectionManager) Release(conn net.Conn) {
	cm.lock.Lock()
	delete(cm.active, conn)
	cm.lock.Unlock()
}

// UpdateLimit changes the cap at runtime. It cannot drop below the number of
// connections already open.
func (cm *ConnectionManager) UpdateLimit(limit int) error {
	if limit <= 0 {
		return fmt.Errorf("%w: connection limit must be positive", errs.ErrInvalidRequest)
	}
	cm.lock.Lock()
	defer cm.lock.Unlock()
	if limit < len(cm.active) {
		return fmt.Errorf("%w: cannot set limit to %d when %d connections are active",
			errs.ErrInvalidRequest, limit, len(cm.active))
	}
	old := cm.limit
	cm.limit = limit
	cm.log.Info("connection limit updated", zap.Int("old", old), zap.Int("new", limit), zap.Int("active", len(cm.active)))
	return nil
}

func (cm *ConnectionManager) Active() int {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	return len(cm.active)
}

func (cm *ConnectionManager) Limit() int {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	return cm.limit
}

func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	active := len(cm.active)
	return ConnectionStats{
		Active:         active,
		Max:            cm.limit,
		UsagePercent:   float64(active) / float64(cm.limit) * 100,
		AvailableSlots: max(cm.limit-active, 0),
	}
}

// CloseAll closes every tracked connection. Handlers notice on their next
// read and release their slots.
func (cm *ConnectionManager) CloseAll() {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	for conn := range cm.active {
		_ = conn.Close()
	}
}

// maxLineSize bounds one request line; large add_vectors batches fit
// comfortably.
const maxLineSize = 64 << 20

// maxLoginSize bounds the login line read before authentication.
const maxLoginSize = 4 << 10

// Server owns the registry and everything that serves it.
type Server struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *registry.Registry
	auth     *auth.AuthManager
	engine   *queryengine.QueryEngine
	conns    *ConnectionManager
	monitor  *SystemMonitor
	started  time.Time

	listener net.Listener
	mgmt     *ManagementServer

	stopOnce sync.Once
	stopping chan struct{}
	handlers sync.WaitGroup

	saveLock sync.Mutex
}

// New builds a server from cfg: it opens the snapshot store, loads the
// previous snapshot when configured to, and makes sure the default tank
// exists. A missing snapshot is not an error; a damaged one is.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	tankCfg, err := cfg.DefaultTank.StorageConfig()
	if err != nil {
		return nil, err
	}

	store := persistence.NewManager(persistence.Options{
		Compress: cfg.Storage.CompressOrDefault(),
		Logger:   log.Named("persistence"),
	})
	reg := registry.New(store, log.Named("registry"))

	if cfg.Storage.LoadOnStartOrDefault() {
		n, err := reg.LoadAll(ctx, cfg.Storage.Prefix)
		switch {
		case errors.Is(err, errs.ErrMissingFile):
			log.Info("no snapshot found, starting empty", zap.String("prefix", cfg.Storage.Prefix))
		case err != nil:
			return nil, fmt.Errorf("load snapshot %s: %w", cfg.Storage.Prefix, err)
		default:
			log.Info("snapshot loaded", zap.String("prefix", cfg.Storage.Prefix), zap.Int("tanks", n))
		}
	}
	if _, _, err := reg.Bootstrap(tankCfg); err != nil {
		return nil, err
	}

	am, err := auth.NewAuthManager(auth.Options{
		Secret:            cfg.Server.Secret,
		SecretHash:        cfg.Server.SecretHash,
		AttemptsPerSecond: cfg.Auth.AttemptsPerSecond,
		Burst:             cfg.Auth.Burst,
		Logger:            log.Named("auth"),
	})
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		log:      log,
		registry: reg,
		auth:     am,
		engine: queryengine.NewQueryEngine(reg, queryengine.Options{
			DefaultTank: tankCfg.Name,
			Prefix:      cfg.Storage.Prefix,
			Logger:      log.Named("query"),
		}),
		conns:    NewConnectionManager(cfg.Server.MaxConnections, log.Named("connections")),
		monitor:  NewSystemMonitor(),
		started:  time.Now(),
		stopping: make(chan struct{}),
	}, nil
}

func (s *Server) Registry() *registry.Registry { return s.registry }

func (s *Server) Connections() *ConnectionManager { return s.conns }

// Listen binds the TCP listener, and the management listener when one is
// configured.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr(), err)
	}
	s.listener = ln

	if s.cfg.Management.Port > 0 {
		addr := fmt.Sprintf("%s:%d", s.cfg.Management.Host, s.cfg.Management.Port)
		mgmt, err := NewManagementServer(s, addr)
		if err != nil {
			_ = ln.Close()
			return err
		}
		s.mgmt = mgmt
	}
	return nil
}

// Addr is the bound TCP address; nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown asks Serve to stop. It returns immediately.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		s.log.Info("shutdown requested")
		close(s.stopping)
	})
}

// Serve accepts connections until ctx is done or Shutdown is called, then
// closes every connection and writes a final snapshot.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.log.Info("vectank server started",
		zap.String("addr", s.listener.Addr().String()),
		zap.Int("max_connections", s.conns.Limit()),
		zap.Strings("tanks", s.registry.ListTanks()))

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		s.autosave(ctx, s.cfg.Storage.AutosaveInterval)
	}()
	go func() {
		defer background.Done()
		s.monitorConnections(ctx, 30*time.Second)
	}()
	if s.mgmt != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			if err := s.mgmt.Serve(); err != nil {
				s.log.Error("management server stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopping:
		}
		_ = s.listener.Close()
	}()

	s.acceptLoop(ctx)

	cancel()
	s.conns.CloseAll()
	s.handlers.Wait()
	if s.mgmt != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.mgmt.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("management shutdown", zap.Error(err))
		}
		done()
	}
	background.Wait()

	saveCtx, done := context.WithTimeout(context.Background(), time.Minute)
	defer done()
	if _, err := s.Save(saveCtx, "shutdown"); err != nil {
		return fmt.Errorf("final save: %w", err)
	}
	s.log.Info("vectank server stopped")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("failed to accept client", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.conns.TryAcquire(conn) {
			s.log.Warn("connection limit reached, rejecting",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Int("limit", s.conns.Limit()))
			_ = writeResponse(conn, queryengine.Failure(fmt.Errorf(
				"%w: server at maximum capacity (%d connections), try again later",
				errs.ErrServerBusy, s.conns.Limit())))
			_ = conn.Close()
			continue
		}

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			defer s.conns.Release(conn)
			defer conn.Close()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log := s.log.With(zap.String("remote", remote))
	log.Debug("connection opened", zap.Int("active", s.conns.Active()))
	defer log.Debug("connection closed")

	reader := bufio.NewReader(conn)

	loginTimeout := s.cfg.Server.LoginTimeout
	if loginTimeout <= 0 {
		loginTimeout = config.DefaultLoginTimeout
	}
	if err := conn.SetReadDeadline(time.Now().Add(loginTimeout)); err != nil {
		return
	}
	line, err := readLine(reader, maxLoginSize)
	if err != nil {
		log.Debug("login not received", zap.Error(err))
		return
	}
	var login models.LoginRequest
	if err := json.Unmarshal(line, &login); err != nil {
		_ = writeResponse(conn, queryengine.Failure(fmt.Errorf("%w: malformed login", errs.ErrAuthenticationFailure)))
		return
	}
	if err := s.auth.Authenticate(remote, login.Secret); err != nil {
		_ = writeResponse(conn, queryengine.Failure(err))
		return
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return
	}
	if err := writeResponse(conn, queryengine.Success(nil)); err != nil {
		return
	}

	for {
		line, err := readLine(reader, maxLineSize)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				log.Debug("read failed", zap.Error(err))
			}
			return
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var req models.Request
		var resp models.Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = queryengine.Failure(fmt.Errorf("%w: malformed request: %v", errs.ErrInvalidRequest, err))
		} else {
			resp = s.engine.Execute(ctx, req)
		}
		if err := writeResponse(conn, resp); err != nil {
			log.Debug("write failed", zap.Error(err))
			return
		}
		if req.Op == models.OpShutdown && resp.Status == models.StatusOK {
			s.Shutdown()
			return
		}
	}
}

// readLine reads one newline-terminated line of at most limit bytes.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > limit {
			return nil, fmt.Errorf("%w: request line exceeds %d bytes", errs.ErrInvalidRequest, limit)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf, err
	}
}

func writeResponse(conn net.Conn, resp models.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

// monitorConnections periodically logs connection usage.
func (s *Server) monitorConnections(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.conns.Stats()
			if stats.UsagePercent > 80 {
				s.log.Warn("high connection usage", zap.Int("active", stats.Active), zap.Int("max", stats.Max))
			} else {
				s.log.Debug("connection status", zap.Int("active", stats.Active), zap.Int("max", stats.Max))
			}
		}
	}
}
