package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpuenteallott/pod/internal/store"
	"github.com/gpuenteallott/pod/pkg/types"
)

// fakeProvisioner records launch/terminate calls and can fail launches.
type fakeProvisioner struct {
	mu         sync.Mutex
	launched   []StartupParams
	terminated [][]string
	launchErr  error
}

func (f *fakeProvisioner) Launch(_ context.Context, params StartupParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return "", f.launchErr
	}
	f.launched = append(f.launched, params)
	return fmt.Sprintf("i-%04d", len(f.launched)), nil
}

func (f *fakeProvisioner) Terminate(_ context.Context, instanceIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, instanceIDs)
	return nil
}

func newController(t *testing.T, cfg Config) (*Controller, *store.Memory, *fakeProvisioner) {
	t.Helper()
	st := store.NewMemory()
	prov := &fakeProvisioner{}
	return NewController(st, prov, cfg, nil), st, prov
}

func addWorker(t *testing.T, st *store.Memory, w *types.Worker) *types.Worker {
	t.Helper()
	_, err := st.InsertWorker(context.Background(), w)
	require.NoError(t, err)
	return w
}

func TestDeployWorker(t *testing.T) {
	c, st, prov := newController(t, Config{ManagerAddress: "203.0.113.5"})
	ctx := context.Background()

	w, err := c.DeployWorker(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerPending, w.Status)
	assert.Equal(t, "i-0001", w.InstanceID)

	stored, err := st.Worker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerPending, stored.Status)

	require.Len(t, prov.launched, 1)
	assert.Equal(t, "203.0.113.5", prov.launched[0].ManagerAddress)
	assert.Equal(t, w.ID, prov.launched[0].WorkerID)
}

// A provisioning failure leaves the launching row behind as a record.
func TestDeployWorkerLaunchFailure(t *testing.T) {
	c, st, prov := newController(t, Config{})
	prov.launchErr = errors.New("quota exceeded")
	ctx := context.Background()

	_, err := c.DeployWorker(ctx)
	require.Error(t, err)

	workers, err := st.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, types.WorkerLaunching, workers[0].Status)
}

func TestDeployN(t *testing.T) {
	c, st, _ := newController(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.Deploy(ctx, 3))

	count, err := st.CountWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestShrinkPrefersIdle(t *testing.T) {
	c, st, prov := newController(t, Config{})
	ctx := context.Background()

	ready := addWorker(t, st, &types.Worker{Status: types.WorkerReady, InstanceID: "i-ready"})
	pending := addWorker(t, st, &types.Worker{Status: types.WorkerPending, InstanceID: "i-pending"})
	working := addWorker(t, st, &types.Worker{Status: types.WorkerWorking, InstanceID: "i-working"})

	require.NoError(t, c.Shrink(ctx, 2))

	require.Len(t, prov.terminated, 1)
	assert.ElementsMatch(t, []string{"i-ready", "i-pending"}, prov.terminated[0])

	gone, err := st.Worker(ctx, ready.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	gone, err = st.Worker(ctx, pending.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := st.Worker(ctx, working.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
}

func TestShrinkSparesManager(t *testing.T) {
	c, st, prov := newController(t, Config{})
	ctx := context.Background()

	manager := addWorker(t, st, &types.Worker{Status: types.WorkerReady, Manager: true})

	require.NoError(t, c.Shrink(ctx, 1))

	assert.Empty(t, prov.terminated)
	kept, err := st.Worker(ctx, manager.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
}

func TestSweepTerminatesIdleSurplus(t *testing.T) {
	c, st, prov := newController(t, Config{LivenessTimeout: time.Hour})
	ctx := context.Background()
	now := time.Now()

	idle := addWorker(t, st, &types.Worker{
		Status: types.WorkerReady, InstanceID: "i-idle",
		LastTimeWorked: now.Add(-30 * time.Minute), LastTimeAlive: now,
	})
	busyRecently := addWorker(t, st, &types.Worker{
		Status: types.WorkerReady, InstanceID: "i-busy",
		LastTimeWorked: now.Add(-time.Minute), LastTimeAlive: now,
	})

	require.NoError(t, c.Sweep(ctx, 1, 10*time.Minute))

	require.Len(t, prov.terminated, 1)
	assert.Equal(t, []string{"i-idle"}, prov.terminated[0])

	gone, err := st.Worker(ctx, idle.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := st.Worker(ctx, busyRecently.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
}

// At or below the minimum the idle pass does not run at all.
func TestSweepKeepsMinimum(t *testing.T) {
	c, st, prov := newController(t, Config{LivenessTimeout: time.Hour})
	ctx := context.Background()
	now := time.Now()

	addWorker(t, st, &types.Worker{
		Status: types.WorkerReady, InstanceID: "i-idle",
		LastTimeWorked: now.Add(-time.Hour), LastTimeAlive: now,
	})

	require.NoError(t, c.Sweep(ctx, 1, 10*time.Minute))
	assert.Empty(t, prov.terminated)
}

func TestSweepTerminatesErrored(t *testing.T) {
	c, st, prov := newController(t, Config{LivenessTimeout: time.Hour})
	ctx := context.Background()

	errored := addWorker(t, st, &types.Worker{Status: types.WorkerError, InstanceID: "i-err", LastTimeAlive: time.Now()})

	require.NoError(t, c.Sweep(ctx, 5, 10*time.Minute))

	require.Len(t, prov.terminated, 1)
	assert.Equal(t, []string{"i-err"}, prov.terminated[0])

	gone, err := st.Worker(ctx, errored.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

// Silent workers are flagged on one sweep and collected on the next.
func TestSweepFlagsSilentWorkers(t *testing.T) {
	c, st, prov := newController(t, Config{LivenessTimeout: 2 * time.Minute})
	ctx := context.Background()
	now := time.Now()

	silent := addWorker(t, st, &types.Worker{
		Status: types.WorkerWorking, InstanceID: "i-silent",
		LastTimeWorked: now, LastTimeAlive: now.Add(-10 * time.Minute),
	})

	require.NoError(t, c.Sweep(ctx, 1, time.Hour))

	flagged, err := st.Worker(ctx, silent.ID)
	require.NoError(t, err)
	require.NotNil(t, flagged)
	assert.Equal(t, types.WorkerError, flagged.Status)
	assert.Empty(t, prov.terminated)

	require.NoError(t, c.Sweep(ctx, 1, time.Hour))

	gone, err := st.Worker(ctx, silent.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	require.Len(t, prov.terminated, 1)
}

// The manager row never heartbeats, so the liveness pass must leave it
// alone no matter how stale its timestamps are.
func TestSweepLivenessSparesManager(t *testing.T) {
	c, st, prov := newController(t, Config{LivenessTimeout: time.Minute})
	ctx := context.Background()
	now := time.Now()

	manager := addWorker(t, st, &types.Worker{
		Status: types.WorkerReady, Manager: true,
		LastTimeWorked: now.Add(-24 * time.Hour), LastTimeAlive: now.Add(-24 * time.Hour),
	})

	require.NoError(t, c.Sweep(ctx, 0, time.Hour))

	kept, err := st.Worker(ctx, manager.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, types.WorkerReady, kept.Status)
	assert.Empty(t, prov.terminated)
}

// Launching rows are invisible to every sweep pass.
func TestSweepIgnoresLaunching(t *testing.T) {
	c, st, prov := newController(t, Config{LivenessTimeout: time.Minute})
	ctx := context.Background()

	zombie := addWorker(t, st, &types.Worker{Status: types.WorkerLaunching})

	require.NoError(t, c.Sweep(ctx, 0, time.Nanosecond))

	kept, err := st.Worker(ctx, zombie.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, types.WorkerLaunching, kept.Status)
	assert.Empty(t, prov.terminated)
}

func TestLocalProvisioner(t *testing.T) {
	p := LocalProvisioner{}
	id, err := p.Launch(context.Background(), StartupParams{})
	require.NoError(t, err)
	assert.Contains(t, id, "local-")
	assert.NoError(t, p.Terminate(context.Background(), []string{id}))
}
