package boxd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// startAttempts bounds the docker start retry budget.
	startAttempts = 3

	// startBackoff is the base of the linear backoff between start attempts.
	startBackoff = 500 * time.Millisecond

	// eventChannelBuffer is the size of the event channel buffer. Events
	// are dropped under sustained backpressure rather than blocking a
	// lifecycle path.
	eventChannelBuffer = 256
)

// DispatcherConfig holds the collaborators and tuning knobs for a
// Dispatcher. Runner is required; zero durations and counts use the
// listed defaults.
type DispatcherConfig struct {
	Runner Runner
	Store  Store        // optional durable mirror
	Clock  Clock        // defaults to RealClock
	Logger *slog.Logger // defaults to discard

	MaxSessions   int           // concurrency ceiling; default 10
	Image         string        // default browser image
	ContainerPort int           // port the browser listens on; default 3000
	ShmSize       string        // --shm-size for browser containers; default "1g"
	DefaultTTL    time.Duration // TTL when the caller supplies none; default 5m
	StopGrace     time.Duration // SIGTERM grace before the runtime kills; default 10s
	AwaitTimeout  time.Duration // how long to wait for the host port; default 10s
	AwaitInterval time.Duration // port poll interval; default 250ms
	SweepInterval time.Duration // expired-session sweep interval; default 30s
	StartBackoff  time.Duration // base of the linear start-retry backoff; default 500ms
	ProfilesDir   string        // launch profile directory; empty disables profiles
}

// Dispatcher coordinates session admission, container provisioning, expiry,
// and teardown. It is the only component other subsystems call; expiry
// timers, the periodic sweep, manual stops, and shutdown all reclaim
// sessions through the same path.
type Dispatcher struct {
	cfg      DispatcherConfig
	runner   Runner
	registry *Registry
	gate     *Gate
	expirer  *Expirer
	clock    Clock
	logger   *slog.Logger

	// eventMu orders emits against the Shutdown close so a straggling
	// reclaim can never send on a closed channel.
	eventMu      sync.RWMutex
	events       chan Event
	eventsClosed bool
}

// NewDispatcher returns a Dispatcher wired to the given collaborators.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 10
	}
	if cfg.ContainerPort <= 0 {
		cfg.ContainerPort = 3000
	}
	if cfg.ShmSize == "" {
		cfg.ShmSize = "1g"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = 10 * time.Second
	}
	if cfg.AwaitInterval <= 0 {
		cfg.AwaitInterval = 250 * time.Millisecond
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.StartBackoff <= 0 {
		cfg.StartBackoff = startBackoff
	}

	d := &Dispatcher{
		cfg:    cfg,
		runner: cfg.Runner,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		events: make(chan Event, eventChannelBuffer),
	}
	d.registry = NewRegistry(cfg.Store, cfg.Clock, cfg.Logger)
	d.gate = NewGate(cfg.MaxSessions)
	d.expirer = NewExpirer(cfg.Clock, d.reclaimExpired)
	return d
}

// containerName returns a fresh container name for a new session.
func containerName() string {
	return "boxd-" + uuid.NewString()
}

// Create provisions a new session: admit against the capacity ceiling,
// ensure the image, create and start the container (start is retried),
// wait briefly for the published host port, record the session, and arm
// its expiry timer.
//
// The admission slot is taken before provisioning begins and released on
// every failure path; a partially created container is best-effort removed
// before the error propagates. No registry or gate lock is held across the
// long-latency runtime calls.
func (d *Dispatcher) Create(ctx context.Context, req CreateRequest) (SessionView, error) {
	spec, err := d.containerSpec(req)
	if err != nil {
		return SessionView{}, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = d.cfg.DefaultTTL
	}

	if !d.gate.TryAcquire() {
		return SessionView{}, fmt.Errorf("%w: limit %d", ErrCapacityExceeded, d.cfg.MaxSessions)
	}

	id, err := d.provision(ctx, spec)
	if err != nil {
		d.gate.Release()
		return SessionView{}, err
	}

	endpoint := d.awaitEndpoint(ctx, id, spec.ContainerPort)

	now := d.clock.Now()
	session := &Session{
		ID:        id,
		Endpoint:  endpoint,
		OwnerID:   req.OwnerID,
		Profile:   req.Profile,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Metadata:  req.Metadata,
	}

	if err := d.registry.Create(ctx, session); err != nil {
		d.removeContainer(id)
		d.gate.Release()
		return SessionView{}, err
	}
	d.expirer.Arm(id, session.ExpiresAt)

	d.logger.Info("session created",
		"session", id,
		"endpoint", endpoint,
		"owner", req.OwnerID,
		"ttl", ttl,
	)
	d.emit(Event{Type: EventSessionCreated, Session: id, Time: now})

	return session.View(now), nil
}

// containerSpec resolves the effective container spec for a request,
// overlaying the requested launch profile (if any) on the daemon defaults.
func (d *Dispatcher) containerSpec(req CreateRequest) (ContainerSpec, error) {
	spec := ContainerSpec{
		Image:         d.cfg.Image,
		Name:          containerName(),
		ContainerPort: d.cfg.ContainerPort,
		ShmSize:       d.cfg.ShmSize,
		Labels:        map[string]string{SessionLabel: "1"},
	}
	if req.OwnerID != "" {
		spec.Labels["boxd.owner"] = req.OwnerID
	}

	if req.Profile != "" {
		if d.cfg.ProfilesDir == "" {
			return ContainerSpec{}, fmt.Errorf("%w: %s: profiles are not configured", ErrProfileNotFound, req.Profile)
		}
		profile, err := DiscoverProfile(d.cfg.ProfilesDir, req.Profile)
		if err != nil {
			return ContainerSpec{}, err
		}
		if profile.Config.Image != "" {
			spec.Image = profile.Config.Image
		}
		if profile.Config.ContainerPort > 0 {
			spec.ContainerPort = profile.Config.ContainerPort
		}
		if profile.Config.ShmSize != "" {
			spec.ShmSize = profile.Config.ShmSize
		}
		spec.Env = profile.Config.Env
		spec.Args = profile.Config.Args
	}
	return spec, nil
}

// provision ensures the image, creates the container, and starts it with
// the retry budget. On any failure after create, the container is
// best-effort removed so nothing leaks.
func (d *Dispatcher) provision(ctx context.Context, spec ContainerSpec) (string, error) {
	if err := d.runner.EnsureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	id, err := d.runner.Create(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProvisionFailed, err)
	}

	err = retry(ctx, d.clock, startAttempts, d.cfg.StartBackoff, func() error {
		return d.runner.Start(ctx, id)
	})
	if err != nil {
		d.removeContainer(id)
		return "", fmt.Errorf("%w: start %s: %w", ErrProvisionFailed, id, err)
	}
	return id, nil
}

// awaitEndpoint polls for the published host port. The runtime may assign
// it asynchronously after start. A timeout leaves the session without an
// endpoint rather than failing it; the proxy reports such sessions
// unroutable.
func (d *Dispatcher) awaitEndpoint(ctx context.Context, id string, containerPort int) string {
	var hostPort int
	found, err := poll(ctx, d.clock, d.cfg.AwaitInterval, d.cfg.AwaitTimeout, func() (bool, error) {
		p, portErr := d.runner.Port(ctx, id, containerPort)
		if portErr != nil {
			return false, portErr
		}
		hostPort = p
		return p > 0, nil
	})
	if err != nil {
		d.logger.Warn("endpoint inspection failed", "session", id, "error", err)
		return ""
	}
	if !found {
		d.logger.Warn("endpoint never appeared, session is unroutable",
			"session", id,
			"timeout", d.cfg.AwaitTimeout,
		)
		return ""
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(hostPort))
}

// Stop tears the session down. Idempotent: the return value reports
// whether this call performed the teardown; a session that was already
// gone is success, never an error. Exactly one runtime teardown happens
// per session no matter how many stops and timer fires race.
func (d *Dispatcher) Stop(ctx context.Context, id string) bool {
	if !d.registry.Remove(ctx, id) {
		return false
	}
	d.finishTeardown(ctx, id, EventSessionStopped)
	return true
}

// reclaimExpired is the expiry path shared by per-session timers and the
// periodic sweep. It removes the session only if it is actually past its
// expiry, so a stale timer racing an extend is a no-op.
func (d *Dispatcher) reclaimExpired(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.StopGrace+30*time.Second)
	defer cancel()

	if !d.registry.RemoveIfExpired(ctx, id, d.clock.Now()) {
		return
	}
	d.finishTeardown(ctx, id, EventSessionExpired)
}

// finishTeardown runs the post-removal half of teardown: cancel the timer,
// release the admission slot, and destroy the container. The registry
// removal that precedes it is the linearization point, so this runs at
// most once per session.
func (d *Dispatcher) finishTeardown(ctx context.Context, id string, event EventType) {
	d.expirer.Cancel(id)
	d.gate.Release()

	if err := d.runner.Stop(ctx, id, d.cfg.StopGrace); err != nil {
		d.logger.Error("container stop failed", "session", id, "error", err)
		d.emit(Event{Type: EventError, Session: id, Data: err.Error(), Time: d.clock.Now()})
	}
	d.removeContainer(id)

	d.logger.Info("session reclaimed", "session", id, "reason", event.String())
	d.emit(Event{Type: event, Session: id, Time: d.clock.Now()})
}

// removeContainer force-removes a container, logging rather than
// propagating failures; the orphan sweep catches anything missed.
func (d *Dispatcher) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.runner.Remove(ctx, id, true); err != nil {
		d.logger.Error("container remove failed", "session", id, "error", err)
	}
}

// Extend advances the session's expiry by extra and re-arms its timer.
// Returns ErrSessionNotFound if the session is not currently active.
func (d *Dispatcher) Extend(ctx context.Context, id string, extra time.Duration) (time.Time, error) {
	expiresAt, ok := d.registry.ExtendExpiry(ctx, id, extra)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	d.expirer.Arm(id, expiresAt)

	d.logger.Info("session extended", "session", id, "expires_at", expiresAt)
	d.emit(Event{Type: EventSessionExtended, Session: id, Time: d.clock.Now()})
	return expiresAt, nil
}

// Remaining returns the time left before the session expires: zero for
// unknown or expired ids, never negative.
func (d *Dispatcher) Remaining(id string) time.Duration {
	s, ok := d.registry.Get(id)
	if !ok {
		return 0
	}
	return s.Remaining(d.clock.Now())
}

// Get returns the caller-visible view of a session.
func (d *Dispatcher) Get(id string) (SessionView, bool) {
	s, ok := d.registry.Get(id)
	if !ok {
		return SessionView{}, false
	}
	return s.View(d.clock.Now()), true
}

// Sessions returns views of all registered sessions.
func (d *Dispatcher) Sessions() []SessionView {
	now := d.clock.Now()
	sessions := d.registry.List()
	views := make([]SessionView, 0, len(sessions))
	for i := range sessions {
		views = append(views, sessions[i].View(now))
	}
	return views
}

// Resolve returns the endpoint backing an active session, for the proxy.
func (d *Dispatcher) Resolve(id string) (string, bool) {
	return d.registry.Resolve(id)
}

// Active returns the number of registered sessions.
func (d *Dispatcher) Active() int {
	return d.registry.Len()
}

// SlotsInUse returns the number of admitted capacity slots, counting
// sessions still provisioning as well as active ones.
func (d *Dispatcher) SlotsInUse() int {
	return d.gate.InUse()
}

// Cleanup sweeps orphans: labelled containers in a terminal runtime state,
// typically left behind by a crash between provisioning and the registry
// commit. Returns the number of containers reclaimed.
func (d *Dispatcher) Cleanup(ctx context.Context) (int, error) {
	ids, err := d.runner.List(ctx, SessionLabel, []string{"exited", "dead"})
	if err != nil {
		return 0, fmt.Errorf("list orphans: %w", err)
	}

	reclaimed := 0
	for _, id := range ids {
		if err := d.runner.Remove(ctx, id, true); err != nil {
			d.logger.Error("orphan remove failed", "container", id, "error", err)
			continue
		}
		reclaimed++
	}

	if reclaimed > 0 {
		d.logger.Info("orphan sweep complete", "reclaimed", reclaimed)
	}
	d.emit(Event{Type: EventSweepCompleted, Count: reclaimed, Time: d.clock.Now()})
	return reclaimed, nil
}

// Restore re-derives active sessions from the durable mirror after a
// restart, re-acquiring their admission slots and re-arming their timers.
// Sessions that no longer fit under the (possibly lowered) ceiling are
// reclaimed instead of restored.
func (d *Dispatcher) Restore(ctx context.Context) error {
	restored, err := d.registry.Restore(ctx)
	if err != nil {
		return err
	}

	for _, s := range restored {
		if !d.gate.TryAcquire() {
			d.logger.Warn("restored session exceeds ceiling, reclaiming", "session", s.ID)
			if d.registry.Remove(ctx, s.ID) {
				if err := d.runner.Stop(ctx, s.ID, d.cfg.StopGrace); err != nil {
					d.logger.Error("container stop failed", "session", s.ID, "error", err)
				}
				d.removeContainer(s.ID)
			}
			continue
		}
		d.expirer.Arm(s.ID, s.ExpiresAt)
		d.logger.Info("session restored", "session", s.ID, "expires_at", s.ExpiresAt)
	}
	return nil
}

// StartSweep launches the periodic expired-session sweep, the backstop for
// timers lost to process restarts.
func (d *Dispatcher) StartSweep() {
	d.expirer.StartSweep(d.cfg.SweepInterval, d.registry.Expired)
}

// Shutdown stops the expiry machinery and best-effort tears down every
// session. Per-session errors are logged, never propagated: shutdown must
// complete.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.expirer.Stop()

	for _, s := range d.registry.List() {
		if !d.registry.Remove(ctx, s.ID) {
			continue
		}
		d.gate.Release()
		if err := d.runner.Stop(ctx, s.ID, d.cfg.StopGrace); err != nil {
			d.logger.Error("container stop failed during shutdown", "session", s.ID, "error", err)
		}
		d.removeContainer(s.ID)
		d.logger.Info("session stopped at shutdown", "session", s.ID)
	}

	d.eventMu.Lock()
	if !d.eventsClosed {
		d.eventsClosed = true
		close(d.events)
	}
	d.eventMu.Unlock()
}

// Events returns the dispatcher's lifecycle event stream. The channel is
// closed by Shutdown. Consuming it is optional; events are dropped rather
// than ever blocking a lifecycle path.
func (d *Dispatcher) Events() <-chan Event {
	return d.events
}

// emit sends an event without blocking. If the channel is full the event
// is dropped.
func (d *Dispatcher) emit(e Event) {
	d.eventMu.RLock()
	defer d.eventMu.RUnlock()
	if d.eventsClosed {
		return
	}
	select {
	case d.events <- e:
	default:
	}
}
