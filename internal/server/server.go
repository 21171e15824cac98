package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/portmacros/internal/models"
	"github.com/devghori1264/aerophoenix/portmacros/internal/storage"
)

var (
	ErrNameRequired      = errors.New("name required")
	ErrRegionRequired    = errors.New("region required")
	ErrWorkspaceRequired = errors.New("workspace id required")
	ErrIDRequired        = errors.New("id required")
	ErrUnknownAction     = errors.New("unknown action")
)

// Notifier is told about machines becoming reachable or going away.
type Notifier interface {
	NotifyLifecycle(ctx context.Context, ev models.LifecycleEvent) error
}

// Options configure the simulator.
type Options struct {
	// BootDelay is how long a new machine stays pending.
	BootDelay time.Duration
	// Host is the address published for every server.
	Host string
	// PortBase is the first host port handed out to servers.
	PortBase int
	Notifier Notifier
	Logger   *zap.Logger
}

// CreateRequest describes a machine to create. Ports are server keys such as
// "8080/tcp" or "ws".
type CreateRequest struct {
	WorkspaceID string
	Name        string
	Region      string
	Ports       []string
}

// Server implements the machine service and orchestrates FSMs.
type Server struct {
	store storage.Store
	mu    sync.RWMutex
	// in-memory cache of machines to avoid hot DB on reads; persisted in store.
	cache map[string]*models.Machine
	// operations mutex per machine id
	opMu sync.Map

	notifier  Notifier
	logger    *zap.Logger
	bootDelay time.Duration
	host      string
	nextPort  atomic.Int64
	wg        sync.WaitGroup
}

// New creates a new server instance.
func New(store storage.Store, opts Options) *Server {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.PortBase <= 0 {
		opts.PortBase = 21212
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		store:     store,
		cache:     make(map[string]*models.Machine),
		notifier:  opts.Notifier,
		logger:    opts.Logger.Named("flyd"),
		bootDelay: opts.BootDelay,
		host:      opts.Host,
	}
	s.nextPort.Store(int64(opts.PortBase))
	return s
}

// Ping answers connectivity checks.
func (s *Server) Ping(ctx context.Context) string {
	return "pong from flyd-sim"
}

// CreateMachine creates a new simulated machine. It starts pending and is
// moved to running in the background after the boot delay.
func (s *Server) CreateMachine(ctx context.Context, req CreateRequest) (*models.Machine, error) {
	if req.WorkspaceID == "" {
		return nil, ErrWorkspaceRequired
	}
	if req.Name == "" {
		return nil, ErrNameRequired
	}
	if req.Region == "" {
		return nil, ErrRegionRequired
	}

	now := time.Now().UTC()
	m := &models.Machine{
		ID:          uuid.NewString(),
		WorkspaceID: req.WorkspaceID,
		Name:        req.Name,
		Region:      req.Region,
		Status:      models.StatusPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
		Servers:     s.allocateServers(req.Ports),
		Metadata:    map[string]string{},
	}

	if err := s.store.SaveMachine(ctx, m); err != nil {
		return nil, fmt.Errorf("save: %w", err)
	}
	s.logger.Info("machine created",
		zap.String("id", m.ID),
		zap.String("workspace_id", m.WorkspaceID),
		zap.Int("servers", len(m.Servers)))

	// spawn background startup routine
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.transitionToRunning(m.ID)
	}()

	return m, nil
}

// GetMachine fetches a machine by ID.
func (s *Server) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	if id == "" {
		return nil, ErrIDRequired
	}
	return s.getMachineCached(ctx, id)
}

// ListMachines returns the machines of a workspace.
func (s *Server) ListMachines(ctx context.Context, workspaceID string) ([]*models.Machine, error) {
	return s.store.ListMachines(ctx, workspaceID)
}

// StartMachine sets a machine’s status to running.
func (s *Server) StartMachine(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", ErrIDRequired
	}
	return s.performAction(ctx, id, "start")
}

// StopMachine sets a machine’s status to stopped.
func (s *Server) StopMachine(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", ErrIDRequired
	}
	return s.performAction(ctx, id, "stop")
}

// DestroyMachine terminates a machine and removes it from the store. A
// running machine reports stopped first so its servers are released.
func (s *Server) DestroyMachine(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", ErrIDRequired
	}
	_ = s.acquireOpLock(id)
	defer s.releaseOpLock(id)

	m, err := s.getMachineCached(ctx, id)
	if err != nil {
		return "", err
	}
	wasRunning := m.Status == models.StatusRunning

	if err := s.store.DeleteMachine(ctx, id); err != nil {
		return "", err
	}
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()

	m.Status = models.StatusTerminated
	s.logger.Info("machine terminated", zap.String("id", m.ID), zap.String("status", m.Status))
	if wasRunning {
		s.notify(ctx, models.EventStopped, m)
	}
	return "ok", nil
}

// Wait blocks until background boot routines have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// performAction is idempotent and guarded per-machine.
func (s *Server) performAction(ctx context.Context, id, action string) (string, error) {
	_ = s.acquireOpLock(id)
	defer s.releaseOpLock(id)

	m, err := s.getMachineCached(ctx, id)
	if err != nil {
		return "", err
	}

	var kind models.EventKind
	switch action {
	case "start":
		if m.Status == models.StatusRunning {
			return "already running", nil
		}
		m.Status = models.StatusRunning
		kind = models.EventStarted
	case "stop":
		if m.Status == models.StatusStopped {
			return "already stopped", nil
		}
		m.Status = models.StatusStopped
		kind = models.EventStopped
	default:
		return "", ErrUnknownAction
	}

	if err := s.commit(ctx, m); err != nil {
		return "", err
	}
	s.notify(ctx, kind, m)
	return "ok", nil
}

// transitionToRunning simulates a machine boot process.
func (s *Server) transitionToRunning(id string) {
	_ = s.acquireOpLock(id)
	defer s.releaseOpLock(id)

	ctx := context.Background()
	m, err := s.store.GetMachine(ctx, id)
	if err != nil {
		s.logger.Warn("boot: machine lookup failed", zap.String("id", id), zap.Error(err))
		return
	}

	if m.Status != models.StatusPending {
		return
	}

	time.Sleep(s.bootDelay) // simulate startup time
	m.Status = models.StatusRunning
	if err := s.commit(ctx, m); err != nil {
		s.logger.Warn("boot: save failed", zap.String("id", id), zap.Error(err))
		return
	}
	s.notify(ctx, models.EventStarted, m)
}

// commit bumps the version, persists m and refreshes the cache.
func (s *Server) commit(ctx context.Context, m *models.Machine) error {
	m.Version++
	m.UpdatedAt = time.Now().UTC()

	if err := s.store.SaveMachine(ctx, m); err != nil {
		return err
	}

	cp := *m
	s.mu.Lock()
	s.cache[m.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *Server) notify(ctx context.Context, kind models.EventKind, m *models.Machine) {
	s.logger.Info("machine "+string(kind), zap.String("id", m.ID), zap.Int64("version", m.Version))
	if s.notifier == nil {
		return
	}
	ev := models.LifecycleEvent{Kind: kind, WorkspaceID: m.WorkspaceID, MachineID: m.ID}
	if err := s.notifier.NotifyLifecycle(ctx, ev); err != nil {
		s.logger.Warn("lifecycle notify failed", zap.String("id", m.ID), zap.Error(err))
	}
}

// allocateServers assigns a host port to each requested server key.
func (s *Server) allocateServers(ports []string) map[string]models.Server {
	servers := make(map[string]models.Server, len(ports))
	for _, key := range ports {
		if key == "" {
			continue
		}
		hostPort := s.nextPort.Add(1) - 1
		addr := net.JoinHostPort(s.host, strconv.FormatInt(hostPort, 10))
		proto := models.ProtocolOf(key)
		srv := models.Server{Address: addr, Protocol: proto}
		if proto == "tcp" {
			srv.URL = "http://" + addr
		}
		servers[key] = srv
	}
	return servers
}

// getMachineCached returns a copy of a machine (from cache or store). The
// Servers and Metadata maps are shared; they are never written after create.
func (s *Server) getMachineCached(ctx context.Context, id string) (*models.Machine, error) {
	s.mu.RLock()
	if m, ok := s.cache[id]; ok {
		s.mu.RUnlock()
		cp := *m
		return &cp, nil
	}
	s.mu.RUnlock()

	m, err := s.store.GetMachine(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[id] = m
	s.mu.Unlock()

	cp := *m
	return &cp, nil
}

// acquireOpLock ensures only one op per machine at a time.
func (s *Server) acquireOpLock(id string) *sync.Mutex {
	v, _ := s.opMu.LoadOrStore(id, &sync.Mutex{})
	mtx := v.(*sync.Mutex)
	mtx.Lock()
	return mtx
}

// releaseOpLock releases the op lock.
func (s *Server) releaseOpLock(id string) {
	v, ok := s.opMu.Load(id)
	if !ok {
		return
	}
	mtx := v.(*sync.Mutex)
	mtx.Unlock()
}
