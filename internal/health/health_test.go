package health

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"signal-core/internal/events"
	"signal-core/pkg/db"
)

type readyStub struct{ err error }

func (p *readyStub) Ready(context.Context) error { return p.err }

type degraded int

func (d degraded) DegradedCount() int { return int(d) }

func newDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return database
}

func TestCheckPersistsAndPublishes(t *testing.T) {
	database := newDB(t)
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventHealth, 1)
	defer unsub()

	c := NewChecker(&readyStub{}, database.Queries(), degraded(1), bus, nil)
	snap, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.StoreOK)
	assert.Equal(t, 1, snap.DegradedPositions)
	assert.False(t, snap.Healthy())

	stored, err := database.Queries().LatestHealthSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.ID, stored.ID)
	assert.Equal(t, 1, stored.DegradedPositions)

	msg := <-ch
	assert.Equal(t, snap.ID, msg.Payload.(Snapshot).ID)
	require.NotNil(t, c.Last())
	assert.Equal(t, snap.ID, c.Last().ID)
}

func TestStoreDownFlipsGRPCStatus(t *testing.T) {
	database := newDB(t)
	p := &readyStub{err: errors.New("disk I/O error")}
	c := NewChecker(p, database.Queries(), nil, nil, nil)

	snap, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.StoreOK)

	resp, err := c.GRPC().Check(context.Background(), &healthpb.HealthCheckRequest{Service: Service})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	p.err = nil
	_, err = c.Check(context.Background())
	require.NoError(t, err)
	resp, err = c.GRPC().Check(context.Background(), &healthpb.HealthCheckRequest{Service: Service})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestServeGRPC(t *testing.T) {
	database := newDB(t)
	c := NewChecker(&readyStub{}, database.Queries(), nil, nil, nil)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, addr) }()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	require.Eventually(t, func() bool {
		cctx, ccancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer ccancel()
		resp, err := client.Check(cctx, &healthpb.HealthCheckRequest{Service: Service})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
