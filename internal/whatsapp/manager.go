package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"your.org/secretaria-backend/internal/gateway"
	ilog "your.org/secretaria-backend/internal/log"
	"your.org/secretaria-backend/internal/status"
	"your.org/secretaria-backend/internal/store"
)

// Gateway is the subset of the messaging gateway client consumed by
// the manager.  Tests substitute a fake.
type Gateway interface {
	CreateInstance(ctx context.Context, name string) error
	ConnectionState(ctx context.Context, name string) (gateway.State, error)
	QRCode(ctx context.Context, name string) (string, error)
	SendText(ctx context.Context, name, number, text string) (*gateway.SendAck, error)
	Logout(ctx context.Context, name string) error
}

var (
	// ErrNotConnected is returned by operations that require an
	// established session when none exists.
	ErrNotConnected = errors.New("whatsapp is not connected")
	// ErrQRNotAvailable is returned when no QR payload is cached for
	// the user, either because no connect attempt is in flight or the
	// session is already established.
	ErrQRNotAvailable = errors.New("qr code not available")
)

// ConnectionStatus is the reconciled view of a user's session returned
// by CheckConnection.
type ConnectionStatus struct {
	Connected bool         `json:"connected"`
	Status    store.Status `json:"status"`

	instanceName string
}

// pollTask tracks one background polling goroutine.  Disconnect uses
// cancel plus done to guarantee the task has exited before the record
// is deleted, so a late poll cannot resurrect it.
type pollTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager drives a user's messaging session from non-existence to an
// authenticated channel and keeps the persisted status consistent with
// the gateway's view.  One polling task runs per instance while the
// session is connecting; zero while connected or not initialized.
type Manager struct {
	store  store.Store
	gw     Gateway
	qr     QRCache
	mirror *status.Mirror
	prefix string

	pollInterval  time.Duration
	retryInterval time.Duration

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
	polls     map[string]*pollTask
}

// NewManager wires the manager with its collaborators.  mirror may be
// nil to disable the Redis status mirror.
func NewManager(st store.Store, gw Gateway, qr QRCache, mirror *status.Mirror, instancePrefix string) *Manager {
	return &Manager{
		store:         st,
		gw:            gw,
		qr:            qr,
		mirror:        mirror,
		prefix:        instancePrefix,
		pollInterval:  5 * time.Second,
		retryInterval: 10 * time.Second,
		userLocks:     make(map[string]*sync.Mutex),
		polls:         make(map[string]*pollTask),
	}
}

// SetPollIntervals overrides the nominal and post-failure polling
// intervals.  Intended for tests; values <= 0 are ignored.
func (m *Manager) SetPollIntervals(poll, retry time.Duration) {
	if poll > 0 {
		m.pollInterval = poll
	}
	if retry > 0 {
		m.retryInterval = retry
	}
}

// userLock returns the mutex serializing status writes for one user.
func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.userLocks[userID] = l
	}
	return l
}

// newInstanceName derives a unique gateway instance name from the user
// id and creation time.  The random fragment keeps names unique even
// for concurrent requests inside the same second.
func (m *Manager) newInstanceName(userID string) string {
	frag := userID
	if len(frag) > 8 {
		frag = frag[:8]
	}
	return fmt.Sprintf("%s-%s-%d-%s", m.prefix, frag, time.Now().Unix(), uuid.NewString()[:8])
}

// Connect ensures an integration record exists in the connecting state,
// issues a create/reconnect call to the gateway and starts the polling
// task for the instance.  It returns without waiting for the session
// to reach connected; callers poll QRCode/CheckConnection separately.
func (m *Manager) Connect(ctx context.Context, userID string) error {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	entry := ilog.WithUser(userID)
	rec, err := m.store.FindIntegration(ctx, userID, store.ProviderWhatsApp)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = &store.Integration{
			UserID:       userID,
			Provider:     store.ProviderWhatsApp,
			InstanceName: m.newInstanceName(userID),
			Status:       store.StatusConnecting,
		}
		if err := m.store.UpsertIntegration(ctx, rec); err != nil {
			return fmt.Errorf("create integration record: %w", err)
		}
		entry.WithInstance(rec.InstanceName).Info("integration record created")
	case err != nil:
		return fmt.Errorf("lookup integration record: %w", err)
	default:
		// ERROR and DISCONNECTED re-enter CONNECTING; an already
		// connected record is left untouched.
		if rec.Status != store.StatusConnected && rec.Status != store.StatusConnecting {
			if err := m.store.UpdateIntegration(ctx, userID, store.ProviderWhatsApp,
				store.Fields{"status": string(store.StatusConnecting)}); err != nil {
				return fmt.Errorf("mark integration connecting: %w", err)
			}
			rec.Status = store.StatusConnecting
		}
	}
	m.mirror.Set(userID, string(rec.Status))

	if err := m.gw.CreateInstance(ctx, rec.InstanceName); err != nil {
		if uerr := m.store.UpdateIntegration(ctx, userID, store.ProviderWhatsApp,
			store.Fields{"status": string(store.StatusError)}); uerr != nil {
			entry.Error("failed to mark integration errored: %v", uerr)
		}
		m.mirror.Set(userID, string(store.StatusError))
		return fmt.Errorf("create gateway instance: %w", err)
	}

	m.startPolling(rec.InstanceName, userID)
	return nil
}

// startPolling launches the poll task for an instance unless one is
// already running.
func (m *Manager) startPolling(instance, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.polls[instance]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	task := &pollTask{cancel: cancel, done: make(chan struct{})}
	m.polls[instance] = task
	go m.poll(ctx, instance, userID, task)
}

// stopPolling cancels the poll task for an instance, if any, and waits
// for it to terminate.
func (m *Manager) stopPolling(instance string) {
	m.mu.Lock()
	task := m.polls[instance]
	m.mu.Unlock()
	if task == nil {
		return
	}
	task.cancel()
	<-task.done
}

func (m *Manager) removeTask(instance string, task *pollTask) {
	m.mu.Lock()
	if m.polls[instance] == task {
		delete(m.polls, instance)
	}
	m.mu.Unlock()
}

// poll is the background reconciliation loop for one instance.  It
// runs at pollInterval, falling back to retryInterval after a failed
// tick, and terminates when the session reaches connected, when the
// record disappears, or when cancelled.
func (m *Manager) poll(ctx context.Context, instance, userID string, task *pollTask) {
	defer close(task.done)
	defer m.removeTask(instance, task)

	entry := ilog.WithUser(userID).WithInstance(instance)
	interval := m.pollInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		st, err := m.gw.ConnectionState(ctx, instance)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Transient gateway failures only slow the loop down;
			// they are never surfaced to a caller.
			entry.Error("poll connection state: %v", err)
			interval = m.retryInterval
			continue
		}
		interval = m.pollInterval

		observed := mapState(st)
		if err := m.reconcile(ctx, userID, observed); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Record deleted mid-poll (disconnect); stop rather
				// than resurrect it.
				entry.Info("integration record gone, stopping poll")
				return
			}
			entry.Error("poll reconcile: %v", err)
			interval = m.retryInterval
			continue
		}

		switch observed {
		case store.StatusConnecting:
			// Best-effort QR refresh; the latest payload simply
			// overwrites the previous one.
			if qr, err := m.gw.QRCode(ctx, instance); err == nil && qr != "" {
				m.qr.Put(ctx, userID, qr)
			} else if err != nil {
				entry.Debug("poll qr refresh: %v", err)
			}
		case store.StatusConnected:
			m.qr.Delete(ctx, userID)
			entry.Info("session connected, poll task finished")
			return
		}
	}
}

// reconcile writes the observed state into the integration record when
// it differs from the stored value.  Repeated calls observing the same
// state are no-ops on the store.
func (m *Manager) reconcile(ctx context.Context, userID string, observed store.Status) error {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.store.FindIntegration(ctx, userID, store.ProviderWhatsApp)
	if err != nil {
		return err
	}
	if rec.Status == observed {
		return nil
	}
	if err := m.store.UpdateIntegration(ctx, userID, store.ProviderWhatsApp,
		store.Fields{"status": string(observed)}); err != nil {
		return err
	}
	m.mirror.Set(userID, string(observed))
	return nil
}

// QRCode reads the cached QR payload for the user.  It never touches
// the gateway: absence covers both "no connect in flight" and "already
// connected".
func (m *Manager) QRCode(ctx context.Context, userID string) (string, error) {
	qr, ok := m.qr.Get(ctx, userID)
	if !ok {
		return "", ErrQRNotAvailable
	}
	return qr, nil
}

// CheckConnection queries the gateway synchronously, reconciles the
// stored record when the observed state differs and returns the
// reconciled state.
func (m *Manager) CheckConnection(ctx context.Context, userID string) (*ConnectionStatus, error) {
	rec, err := m.store.FindIntegration(ctx, userID, store.ProviderWhatsApp)
	if errors.Is(err, store.ErrNotFound) {
		return &ConnectionStatus{Connected: false, Status: store.StatusNotInitialized}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup integration record: %w", err)
	}

	var observed store.Status
	st, err := m.gw.ConnectionState(ctx, rec.InstanceName)
	switch {
	case errors.Is(err, gateway.ErrInstanceNotFound):
		observed = store.StatusNotInitialized
	case err != nil:
		return nil, fmt.Errorf("query gateway state: %w", err)
	default:
		observed = mapState(st)
	}

	if err := m.reconcile(ctx, userID, observed); err != nil && !errors.Is(err, store.ErrNotFound) {
		ilog.WithUser(userID).WithInstance(rec.InstanceName).Error("reconcile: %v", err)
	}
	if observed == store.StatusConnected {
		m.qr.Delete(ctx, userID)
	}
	return &ConnectionStatus{
		Connected:    observed == store.StatusConnected,
		Status:       observed,
		instanceName: rec.InstanceName,
	}, nil
}

// SendMessage forwards a text message through the user's instance.
// The connected state is verified synchronously first; a not-connected
// session fails fast without ever reaching the gateway send endpoint.
func (m *Manager) SendMessage(ctx context.Context, userID, phone, text string) (*gateway.SendAck, error) {
	cs, err := m.CheckConnection(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !cs.Connected {
		return nil, ErrNotConnected
	}
	number := normalizePhone(phone)
	if number == "" {
		return nil, errors.New("destination phone has no digits")
	}
	ack, err := m.gw.SendText(ctx, cs.instanceName, number, text)
	if err != nil {
		return nil, fmt.Errorf("send text: %w", err)
	}
	ilog.WithUser(userID).WithInstance(cs.instanceName).Info("message sent to %s", number)
	return ack, nil
}

// Disconnect logs the instance out of the gateway, stops its poll task
// and removes the integration record.  The poll task is cancelled and
// awaited before the delete so it cannot resurrect the record.
func (m *Manager) Disconnect(ctx context.Context, userID string) error {
	rec, err := m.store.FindIntegration(ctx, userID, store.ProviderWhatsApp)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotConnected
	}
	if err != nil {
		return fmt.Errorf("lookup integration record: %w", err)
	}

	st, err := m.gw.ConnectionState(ctx, rec.InstanceName)
	if errors.Is(err, gateway.ErrInstanceNotFound) {
		return ErrNotConnected
	}
	if err != nil {
		return fmt.Errorf("query gateway state: %w", err)
	}
	if mapState(st) != store.StatusConnected {
		return ErrNotConnected
	}

	m.stopPolling(rec.InstanceName)

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.gw.Logout(ctx, rec.InstanceName); err != nil {
		// A logout refused because the session already dropped is not
		// a disconnect failure.
		if !errors.Is(err, gateway.ErrInstanceNotFound) && !isNotConnectedMessage(err) {
			return fmt.Errorf("gateway logout: %w", err)
		}
		ilog.WithUser(userID).WithInstance(rec.InstanceName).Info("logout refused, session already down: %v", err)
	}
	if err := m.store.DeleteIntegration(ctx, userID, store.ProviderWhatsApp); err != nil {
		return fmt.Errorf("delete integration record: %w", err)
	}
	m.qr.Delete(ctx, userID)
	m.mirror.Set(userID, string(store.StatusDisconnected))
	ilog.WithUser(userID).WithInstance(rec.InstanceName).Info("session disconnected")
	return nil
}

// Close cancels every running poll task and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	tasks := make([]*pollTask, 0, len(m.polls))
	for _, t := range m.polls {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()
	for _, t := range tasks {
		t.cancel()
		<-t.done
	}
}

func mapState(st gateway.State) store.Status {
	switch st {
	case gateway.StateOpen:
		return store.StatusConnected
	case gateway.StateConnecting:
		return store.StatusConnecting
	case gateway.StateClose:
		return store.StatusDisconnected
	default:
		return store.StatusError
	}
}

func isNotConnectedMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not connected") || strings.Contains(msg, "not_connected")
}
