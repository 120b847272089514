package store

import (
	"context"
	"sync"

	"github.com/gpuenteallott/pod/pkg/types"
)

// Memory is an in-memory Store used by tests and single-node setups.
type Memory struct {
	mu sync.RWMutex

	nextActivityID     int64
	nextWorkerID       int64
	nextInstallationID int64
	nextPolicyID       int64

	activities    map[int64]*types.Activity
	workers       map[int64]*types.Worker
	installations map[int64]*types.Installation
	policies      map[int64]*types.Policy
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		activities:    make(map[int64]*types.Activity),
		workers:       make(map[int64]*types.Worker),
		installations: make(map[int64]*types.Installation),
		policies:      make(map[int64]*types.Policy),
	}
}

func (m *Memory) InsertActivity(_ context.Context, a *types.Activity) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.activities {
		if existing.Name == a.Name {
			return 0, ErrDuplicate
		}
	}
	m.nextActivityID++
	a.ID = m.nextActivityID
	cp := *a
	m.activities[a.ID] = &cp
	return a.ID, nil
}

func (m *Memory) UpdateActivity(_ context.Context, a *types.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.activities[a.ID] = &cp
	return nil
}

func (m *Memory) DeleteActivity(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.activities, id)
	return nil
}

func (m *Memory) Activity(_ context.Context, id int64) (*types.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.activities[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ActivityByName(_ context.Context, name string) (*types.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.activities {
		if a.Name == name {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) InsertWorker(_ context.Context, w *types.Worker) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWorkerID++
	w.ID = m.nextWorkerID
	cp := *w
	m.workers[w.ID] = &cp
	return w.ID, nil
}

func (m *Memory) UpdateWorker(_ context.Context, w *types.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.workers[w.ID] = &cp
	return nil
}

func (m *Memory) DeleteWorker(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, id)
	return nil
}

func (m *Memory) Worker(_ context.Context, id int64) (*types.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) Workers(_ context.Context) ([]*types.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) WorkersByStatus(_ context.Context, status types.WorkerStatus) ([]*types.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Worker
	for _, w := range m.workers {
		if w.Status == status {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) CountWorkers(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers), nil
}

func (m *Memory) ReadyWorkerFor(_ context.Context, activityID int64) (*types.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ins := range m.installations {
		if ins.ActivityID != activityID || ins.Status != types.InstallationInstalled {
			continue
		}
		if w, ok := m.workers[ins.WorkerID]; ok && w.Status == types.WorkerReady {
			cp := *w
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) InsertInstallation(_ context.Context, ins *types.Installation) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextInstallationID++
	ins.ID = m.nextInstallationID
	cp := *ins
	m.installations[ins.ID] = &cp
	return ins.ID, nil
}

func (m *Memory) UpdateInstallation(_ context.Context, ins *types.Installation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ins
	m.installations[ins.ID] = &cp
	return nil
}

func (m *Memory) Installation(_ context.Context, activityID, workerID int64) (*types.Installation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ins := range m.installations {
		if ins.ActivityID == activityID && ins.WorkerID == workerID {
			cp := *ins
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) InstallationsByActivity(_ context.Context, activityID int64) ([]*types.Installation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Installation
	for _, ins := range m.installations {
		if ins.ActivityID == activityID {
			cp := *ins
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) DeleteInstallationsByActivity(_ context.Context, activityID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ins := range m.installations {
		if ins.ActivityID == activityID {
			delete(m.installations, id)
		}
	}
	return nil
}

func (m *Memory) InstalledActivityIDs(_ context.Context, workerID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int64
	for _, ins := range m.installations {
		if ins.WorkerID == workerID && ins.Status == types.InstallationInstalled {
			out = append(out, ins.ActivityID)
		}
	}
	return out, nil
}

func (m *Memory) InsertPolicy(_ context.Context, p *types.Policy) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.policies {
		if existing.Name == p.Name {
			return 0, ErrDuplicate
		}
	}
	m.nextPolicyID++
	p.ID = m.nextPolicyID
	cp := *p
	m.policies[p.ID] = &cp
	return p.ID, nil
}

func (m *Memory) UpdatePolicy(_ context.Context, p *types.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.policies[p.ID] = &cp
	return nil
}

func (m *Memory) DeletePolicyByName(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.policies {
		if p.Name == name {
			delete(m.policies, id)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) PolicyByName(_ context.Context, name string) (*types.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.policies {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) ActivePolicy(_ context.Context) (*types.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.policies {
		if p.Active {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) Policies(_ context.Context) ([]*types.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) DeactivatePolicies(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.policies {
		p.Active = false
	}
	return nil
}
