package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devghori1264/aerophoenix/portmacros/internal/models"
	"github.com/devghori1264/aerophoenix/portmacros/internal/storage"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.LifecycleEvent
}

func (n *recordingNotifier) NotifyLifecycle(_ context.Context, ev models.LifecycleEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) kinds() []models.EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.EventKind, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newTestServer(t *testing.T, n Notifier) *Server {
	t.Helper()
	store, err := storage.NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, Options{BootDelay: 10 * time.Millisecond, PortBase: 21212, Notifier: n})
}

func TestCreateStartStopSequence(t *testing.T) {
	n := &recordingNotifier{}
	s := newTestServer(t, n)
	ctx := context.Background()

	created, err := s.CreateMachine(ctx, CreateRequest{
		WorkspaceID: "ws-1",
		Name:        "web",
		Region:      "eu",
		Ports:       []string{"8080/tcp", "ws"},
	})
	if err != nil {
		t.Fatalf("create err: %v", err)
	}
	if created.Status != models.StatusPending {
		t.Fatalf("expected pending got %s", created.Status)
	}
	id := created.ID

	// wait for startup simulation
	s.Wait()
	got, err := s.GetMachine(ctx, id)
	if err != nil {
		t.Fatalf("get err: %v", err)
	}
	if got.Status != models.StatusRunning {
		t.Fatalf("expected running got %s", got.Status)
	}

	if _, err := s.StopMachine(ctx, id); err != nil {
		t.Fatalf("stop err: %v", err)
	}
	got, _ = s.GetMachine(ctx, id)
	if got.Status != models.StatusStopped {
		t.Fatalf("expected stopped got %s", got.Status)
	}

	res, err := s.StopMachine(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "already stopped", res)

	res, err = s.StartMachine(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "ok", res)

	require.Equal(t, []models.EventKind{models.EventStarted, models.EventStopped, models.EventStarted}, n.kinds())
}

func TestCreateMachineAllocatesServers(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	m, err := s.CreateMachine(ctx, CreateRequest{
		WorkspaceID: "ws-1", Name: "web", Region: "eu",
		Ports: []string{"8080/tcp", "53/udp", ""},
	})
	require.NoError(t, err)
	s.Wait()

	require.Len(t, m.Servers, 2)
	require.Equal(t, "tcp", m.Servers["8080/tcp"].Protocol)
	require.Equal(t, "127.0.0.1:21212", m.Servers["8080/tcp"].Address)
	require.Equal(t, "http://127.0.0.1:21212", m.Servers["8080/tcp"].URL)
	require.Equal(t, "udp", m.Servers["53/udp"].Protocol)
	require.Equal(t, "127.0.0.1:21213", m.Servers["53/udp"].Address)
	require.Empty(t, m.Servers["53/udp"].URL)

	d := m.Descriptor()
	require.Equal(t, "ws-1", d.WorkspaceID)
	require.Equal(t, m.ID, d.MachineID)
	require.Equal(t, map[string]string{
		"8080/tcp": "127.0.0.1:21212",
		"53/udp":   "127.0.0.1:21213",
	}, d.Servers)

	list, err := s.ListMachines(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestCreateMachineValidation(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	_, err := s.CreateMachine(ctx, CreateRequest{Name: "web", Region: "eu"})
	require.ErrorIs(t, err, ErrWorkspaceRequired)
	_, err = s.CreateMachine(ctx, CreateRequest{WorkspaceID: "ws", Region: "eu"})
	require.ErrorIs(t, err, ErrNameRequired)
	_, err = s.CreateMachine(ctx, CreateRequest{WorkspaceID: "ws", Name: "web"})
	require.ErrorIs(t, err, ErrRegionRequired)

	_, err = s.GetMachine(ctx, "")
	require.ErrorIs(t, err, ErrIDRequired)
	_, err = s.GetMachine(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.StartMachine(ctx, "")
	require.ErrorIs(t, err, ErrIDRequired)
}

func TestDestroyMachine(t *testing.T) {
	n := &recordingNotifier{}
	s := newTestServer(t, n)
	ctx := context.Background()

	m, err := s.CreateMachine(ctx, CreateRequest{WorkspaceID: "ws-1", Name: "web", Region: "eu", Ports: []string{"ws"}})
	require.NoError(t, err)
	s.Wait()

	res, err := s.DestroyMachine(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "ok", res)
	require.Equal(t, []models.EventKind{models.EventStarted, models.EventStopped}, n.kinds())

	_, err = s.GetMachine(ctx, m.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.DestroyMachine(ctx, m.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.DestroyMachine(ctx, "")
	require.ErrorIs(t, err, ErrIDRequired)

	// a stopped machine has nothing left to release
	m2, err := s.CreateMachine(ctx, CreateRequest{WorkspaceID: "ws-1", Name: "db", Region: "eu"})
	require.NoError(t, err)
	s.Wait()
	_, err = s.StopMachine(ctx, m2.ID)
	require.NoError(t, err)
	_, err = s.DestroyMachine(ctx, m2.ID)
	require.NoError(t, err)
	require.Equal(t, []models.EventKind{models.EventStarted, models.EventStopped, models.EventStarted, models.EventStopped}, n.kinds())
}
