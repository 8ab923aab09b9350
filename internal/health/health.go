// Package health records periodic system health snapshots and exposes them
// over the gRPC health protocol.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"signal-core/internal/events"
	"signal-core/pkg/db"
)

// Service is the gRPC health service name reported for the core.
const Service = "signal-core"

// ReadinessChecker reports store availability.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Recorder reads activity and persists snapshots.
type Recorder interface {
	ActivityCounts(ctx context.Context, since time.Time) (activeUsers, trades, openPositions int, err error)
	CreateHealthSnapshot(ctx context.Context, h db.HealthSnapshot) error
}

// DegradedCounter reports positions the monitor cannot price.
type DegradedCounter interface {
	DegradedCount() int
}

// Snapshot is one health reading.
type Snapshot struct {
	ID                string    `json:"id"`
	ActiveUsers       int       `json:"active_users_24h"`
	Trades24h         int       `json:"trades_24h"`
	OpenPositions     int       `json:"open_positions"`
	DegradedPositions int       `json:"degraded_positions"`
	StoreOK           bool      `json:"store_ok"`
	StoreError        string    `json:"store_error,omitempty"`
	TakenAt           time.Time `json:"taken_at"`
}

// Healthy is true when the store is up and no position is degraded.
func (s Snapshot) Healthy() bool { return s.StoreOK && s.DegradedPositions == 0 }

// Checker takes health snapshots.
type Checker struct {
	store    ReadinessChecker
	recorder Recorder
	degraded DegradedCounter
	grpc     *grpchealth.Server
	bus      *events.Bus
	log      *zap.Logger
	now      func() time.Time

	mu   sync.RWMutex
	last *Snapshot
}

// NewChecker wires a Checker. degraded, bus and the gRPC server are optional.
func NewChecker(store ReadinessChecker, recorder Recorder, degraded DegradedCounter, bus *events.Bus, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	hs := grpchealth.NewServer()
	hs.SetServingStatus(Service, healthpb.HealthCheckResponse_SERVING)
	return &Checker{
		store:    store,
		recorder: recorder,
		degraded: degraded,
		grpc:     hs,
		bus:      bus,
		log:      log.Named("health"),
		now:      time.Now,
	}
}

// GRPC returns the health server backing the gRPC endpoint.
func (c *Checker) GRPC() *grpchealth.Server { return c.grpc }

// Check takes and records a snapshot. The snapshot is returned even when
// persisting it fails.
func (c *Checker) Check(ctx context.Context) (Snapshot, error) {
	now := c.now().UTC()
	snap := Snapshot{ID: uuid.NewString(), TakenAt: now, StoreOK: true}

	var errs []error
	if err := c.store.Ready(ctx); err != nil {
		snap.StoreOK = false
		snap.StoreError = err.Error()
	}
	if c.degraded != nil {
		snap.DegradedPositions = c.degraded.DegradedCount()
	}
	if snap.StoreOK {
		users, trades, open, err := c.recorder.ActivityCounts(ctx, now.Add(-24*time.Hour))
		if err != nil {
			errs = append(errs, err)
		} else {
			snap.ActiveUsers, snap.Trades24h, snap.OpenPositions = users, trades, open
		}
		if err := c.recorder.CreateHealthSnapshot(ctx, db.HealthSnapshot{
			ID:                snap.ID,
			ActiveUsers:       snap.ActiveUsers,
			Trades24h:         snap.Trades24h,
			OpenPositions:     snap.OpenPositions,
			DegradedPositions: snap.DegradedPositions,
			StoreOK:           snap.StoreOK,
			TakenAt:           now,
		}); err != nil {
			errs = append(errs, err)
		}
	}

	status := healthpb.HealthCheckResponse_SERVING
	if !snap.StoreOK {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	c.grpc.SetServingStatus(Service, status)
	c.grpc.SetServingStatus("", status)

	c.mu.Lock()
	c.last = &snap
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(events.EventHealth, "", snap)
	}
	fields := []zap.Field{
		zap.Bool("store_ok", snap.StoreOK),
		zap.Int("active_users", snap.ActiveUsers),
		zap.Int("trades_24h", snap.Trades24h),
		zap.Int("open_positions", snap.OpenPositions),
		zap.Int("degraded_positions", snap.DegradedPositions),
	}
	if snap.Healthy() {
		c.log.Info("health snapshot", fields...)
	} else {
		c.log.Warn("health snapshot: degraded", append(fields, zap.String("store_error", snap.StoreError))...)
	}
	return snap, errors.Join(errs...)
}

// Run adapts Check to a scheduler task.
func (c *Checker) Run(ctx context.Context) error {
	_, err := c.Check(ctx)
	return err
}

// Last returns the most recent snapshot, or nil before the first check.
func (c *Checker) Last() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return nil
	}
	s := *c.last
	return &s
}

// Serve exposes the gRPC health service on addr until ctx is canceled.
func (c *Checker) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen grpc health %s: %w", addr, err)
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, c.grpc)

	go func() {
		<-ctx.Done()
		c.grpc.Shutdown()
		srv.GracefulStop()
	}()
	c.log.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}
