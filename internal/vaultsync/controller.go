package vaultsync

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// ControllerState is the lifecycle of the deployment controller.
// Transitions: UNINITIALIZED -> INITIALIZING -> READY <-> DEGRADED ->
// SHUTDOWN. DEGRADED keeps serving local reads and writes; only cloud
// pushes stall.
type ControllerState string

const (
	StateUninitialized ControllerState = "UNINITIALIZED"
	StateInitializing  ControllerState = "INITIALIZING"
	StateReady         ControllerState = "READY"
	StateDegraded      ControllerState = "DEGRADED"
	StateShutdown      ControllerState = "SHUTDOWN"
)

type ControllerOptions struct {
	Mode           DeploymentMode
	Manager        *Manager
	CloudStore     CloudStore
	HealthInterval time.Duration
	// DisableHealthLoop stops the background probe. Tests drive
	// probeCloud directly.
	DisableHealthLoop bool
}

// Controller binds a Manager to a deployment mode and owns the cloud
// attachment. Local document access never depends on controller health.
type Controller struct {
	mu       sync.RWMutex
	state    ControllerState
	mode     DeploymentMode
	security SecurityContext

	manager        *Manager
	cloud          CloudStore
	healthInterval time.Duration
	healthLoop     bool

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Manager == nil {
		return nil, &ConfigurationError{Field: "manager", Reason: "required"}
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeLocalOnly
	}
	if mode != ModeLocalOnly && opts.CloudStore == nil {
		return nil, &ConfigurationError{Field: "cloudStore", Reason: fmt.Sprintf("required for %s mode", mode)}
	}
	interval := opts.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Controller{
		state:          StateUninitialized,
		mode:           mode,
		manager:        opts.Manager,
		cloud:          opts.CloudStore,
		healthInterval: interval,
		healthLoop:     !opts.DisableHealthLoop,
		closed:         make(chan struct{}),
	}, nil
}

// Initialize resolves the security context and attaches the cloud store.
// An unreachable cloud store degrades the controller instead of failing
// initialization; local service must come up regardless.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUninitialized {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.state = StateInitializing
	mode := c.mode
	c.mu.Unlock()

	security, err := ResolveSecurityContext(mode)
	if err != nil {
		c.mu.Lock()
		c.state = StateUninitialized
		c.mu.Unlock()
		return err
	}

	next := StateReady
	if mode != ModeLocalOnly {
		c.manager.SetCloudStore(c.cloud)
		if healthErr := c.cloud.Healthy(ctx); healthErr != nil {
			log.Printf("cloud store unreachable, starting degraded: %v", healthErr)
			next = StateDegraded
		}
	} else {
		c.manager.SetCloudStore(nil)
	}

	c.mu.Lock()
	c.security = security
	c.state = next
	c.mu.Unlock()
	log.Printf("controller initialized: mode=%s state=%s", mode, next)

	if c.healthLoop && mode != ModeLocalOnly {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.healthLoopRun()
		}()
	}
	return nil
}

func (c *Controller) healthLoopRun() {
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.healthInterval)
			c.probeCloud(ctx)
			cancel()
		}
	}
}

// probeCloud moves READY <-> DEGRADED based on one health check.
func (c *Controller) probeCloud(ctx context.Context) {
	c.mu.RLock()
	cloud := c.cloud
	state := c.state
	c.mu.RUnlock()
	if cloud == nil || (state != StateReady && state != StateDegraded) {
		return
	}
	err := cloud.Healthy(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady && c.state != StateDegraded {
		return
	}
	if err != nil && c.state == StateReady {
		c.state = StateDegraded
		log.Printf("cloud store health check failed, degrading: %v", err)
	} else if err == nil && c.state == StateDegraded {
		c.state = StateReady
		log.Printf("cloud store recovered, ready")
	}
}

func (c *Controller) State() ControllerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) Mode() DeploymentMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *Controller) SecurityContext() SecurityContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.security
}

// SetMode switches deployment modes at runtime. Downgrading to
// LOCAL_ONLY rolls back everything queued or in flight and detaches the
// cloud store before returning.
func (c *Controller) SetMode(mode DeploymentMode) error {
	security, err := ResolveSecurityContext(mode)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.state != StateReady && c.state != StateDegraded {
		c.mu.Unlock()
		return ErrInvalidState
	}
	if mode != ModeLocalOnly && c.cloud == nil {
		c.mu.Unlock()
		return &ConfigurationError{Field: "cloudStore", Reason: fmt.Sprintf("required for %s mode", mode)}
	}
	previous := c.mode
	c.mode = mode
	c.security = security
	cloud := c.cloud
	c.mu.Unlock()

	if mode == ModeLocalOnly {
		cancelled := c.manager.CancelPendingSyncs("deployment mode changed to LOCAL_ONLY")
		c.manager.SetCloudStore(nil)
		log.Printf("mode change %s -> %s, rolled back %d operations", previous, mode, cancelled)
		return nil
	}
	c.manager.SetCloudStore(cloud)
	log.Printf("mode change %s -> %s", previous, mode)
	return nil
}

// QueryRequest asks for a document through the residency boundary.
type QueryRequest struct {
	DocumentID     string `json:"documentId"`
	IncludeContent bool   `json:"includeContent"`
}

type QueryResponse struct {
	Document      *Document `json:"document"`
	RemoteVersion string    `json:"remoteVersion,omitempty"`
	ServedFrom    string    `json:"servedFrom"`
}

// ProcessQuery serves a document from the local store. The remote
// version lookup is advisory and is never attempted for local-only
// documents; their existence must not be observable from the cloud side.
func (c *Controller) ProcessQuery(ctx context.Context, req QueryRequest) (QueryResponse, error) {
	c.mu.RLock()
	state := c.state
	mode := c.mode
	cloud := c.cloud
	c.mu.RUnlock()
	if state == StateShutdown || state == StateUninitialized {
		return QueryResponse{}, ErrInvalidState
	}

	doc, err := c.manager.GetDocument(req.DocumentID)
	if err != nil {
		return QueryResponse{}, err
	}
	if !req.IncludeContent {
		doc.RawContent = ""
	}
	resp := QueryResponse{Document: doc, ServedFrom: "local"}

	if documentStrategy(doc) == StrategyLocalOnly {
		return resp, nil
	}
	if mode != ModeLocalOnly && state == StateReady && cloud != nil {
		version, verErr := cloud.RemoteVersion(ctx, doc.ID)
		if verErr != nil {
			// Cloud trouble degrades the controller but never the query.
			log.Printf("remote version lookup failed for %s: %v", doc.ID, verErr)
			c.probeCloud(ctx)
		} else {
			resp.RemoteVersion = version
		}
	}
	return resp, nil
}

// Shutdown drains pending syncs until the context expires, then closes
// the manager. Undrained operations stay in the queue snapshot and fail
// over to the next start.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateShutdown {
		c.mu.Unlock()
		return nil
	}
	c.state = StateShutdown
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closed) })
	c.wg.Wait()

	drained := c.drain(ctx)
	c.manager.Close()
	if !drained {
		log.Printf("shutdown with %d operations unfinished", c.manager.PendingSyncCount())
		return ctx.Err()
	}
	return nil
}

func (c *Controller) drain(ctx context.Context) bool {
	for {
		if c.manager.QueueDepth() == 0 && c.manager.PendingSyncCount() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// ParseControllerState is used by the HTTP layer's health endpoint.
func ParseControllerState(s string) (ControllerState, error) {
	switch ControllerState(strings.ToUpper(strings.TrimSpace(s))) {
	case StateUninitialized:
		return StateUninitialized, nil
	case StateInitializing:
		return StateInitializing, nil
	case StateReady:
		return StateReady, nil
	case StateDegraded:
		return StateDegraded, nil
	case StateShutdown:
		return StateShutdown, nil
	default:
		return "", fmt.Errorf("%w: unknown controller state %q", ErrInvalidInput, s)
	}
}
