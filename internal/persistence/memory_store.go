package persistence

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/flowgate/pkg/api"
)

// InMemoryStore is a goroutine-safe RuntimeStore backed by maps. Values are
// copied on the way in and out so callers never share state with the store.
type InMemoryStore struct {
	mu        sync.RWMutex
	runtimes  map[string]*api.Runtime
	byDoc     map[docKey]string
	stages    map[string][]*api.RuntimeStage // runtime id -> stages by Seq-1
	assignees map[string]*api.RuntimeAssignee
	byStage   map[stageKey][]string
	logs      map[string][]api.RuntimeLog
	order     []string // runtime ids in insertion order
}

type docKey struct{ appCode, docID string }

type stageKey struct {
	runtimeID string
	seq       int
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runtimes:  make(map[string]*api.Runtime),
		byDoc:     make(map[docKey]string),
		stages:    make(map[string][]*api.RuntimeStage),
		assignees: make(map[string]*api.RuntimeAssignee),
		byStage:   make(map[stageKey][]string),
		logs:      make(map[string][]api.RuntimeLog),
	}
}

// Ensure InMemoryStore implements RuntimeStore.
var _ RuntimeStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) InsertRuntime(ctx context.Context, rt *api.Runtime, logs ...api.RuntimeLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := docKey{rt.AppCode, rt.DocID}
	if _, exists := s.byDoc[key]; exists {
		return fmt.Errorf("%w: %s/%s", api.ErrDuplicateRuntime, rt.AppCode, rt.DocID)
	}
	if _, exists := s.runtimes[rt.ID]; exists {
		return fmt.Errorf("runtime %s already stored", rt.ID)
	}

	s.runtimes[rt.ID] = cloneRuntime(rt)
	s.byDoc[key] = rt.ID
	s.order = append(s.order, rt.ID)
	s.logs[rt.ID] = append(s.logs[rt.ID], logs...)
	return nil
}

func (s *InMemoryStore) TransitionRuntime(ctx context.Context, rt *api.Runtime, expect Expect, logs ...api.RuntimeLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.runtimes[rt.ID]
	if !ok {
		return api.ErrRuntimeNotFound
	}
	if cur.CurrentSeq != expect.Seq || cur.State != expect.State {
		return ErrStaleRuntime
	}
	s.applyRuntime(cur, rt)
	for _, l := range logs {
		s.logs[l.RuntimeID] = append(s.logs[l.RuntimeID], l)
	}
	return nil
}

// applyRuntime copies the mutable, non-task columns of src onto dst.
func (s *InMemoryStore) applyRuntime(dst, src *api.Runtime) {
	dst.FlowID = src.FlowID
	dst.FlowVersion = src.FlowVersion
	dst.CurrentSeq = src.CurrentSeq
	dst.State = src.State
	dst.UpdatedAt = src.UpdatedAt
}

func (s *InMemoryStore) SetTaskState(ctx context.Context, runtimeID, taskID string, state api.TaskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.runtimes[runtimeID]
	if !ok {
		return api.ErrRuntimeNotFound
	}
	rt.TaskBgID = taskID
	rt.TaskBgState = state
	rt.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) UpdateTaskState(ctx context.Context, runtimeID, taskID string, state api.TaskState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.runtimes[runtimeID]
	if !ok {
		return false, api.ErrRuntimeNotFound
	}
	if rt.TaskBgID != taskID {
		return false, nil
	}
	rt.TaskBgState = state
	rt.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *InMemoryStore) GetRuntime(ctx context.Context, id string) (*api.Runtime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, ok := s.runtimes[id]
	if !ok {
		return nil, api.ErrRuntimeNotFound
	}
	return cloneRuntime(rt), nil
}

func (s *InMemoryStore) FindRuntime(ctx context.Context, appCode, docID string) (*api.Runtime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byDoc[docKey{appCode, docID}]
	if !ok {
		return nil, api.ErrRuntimeNotFound
	}
	return cloneRuntime(s.runtimes[id]), nil
}

func (s *InMemoryStore) ListRuntimes(ctx context.Context, opts api.RuntimeListOptions) ([]*api.Runtime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Runtime
	for _, id := range s.order {
		rt := s.runtimes[id]
		if matchesListOptions(rt, opts) {
			out = append(out, cloneRuntime(rt))
		}
	}
	return out, nil
}

func (s *InMemoryStore) CommitStage(ctx context.Context, c StageCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.runtimes[c.Runtime.ID]
	if !ok {
		return api.ErrRuntimeNotFound
	}
	if cur.CurrentSeq != c.Expect.Seq || cur.State != c.Expect.State {
		return ErrStaleRuntime
	}
	stages := s.stages[cur.ID]
	if c.Stage.Seq != len(stages)+1 {
		return ErrStaleRuntime
	}

	if c.Stage.FromSeq > 0 {
		stages[c.Stage.FromSeq-1].ToSeq = c.Stage.Seq
	}
	st := cloneStage(&c.Stage)
	s.stages[cur.ID] = append(stages, st)

	key := stageKey{cur.ID, st.Seq}
	for i := range c.Assignees {
		a := cloneAssignee(&c.Assignees[i])
		s.assignees[a.ID] = a
		s.byStage[key] = append(s.byStage[key], a.ID)
	}
	s.logs[cur.ID] = append(s.logs[cur.ID], c.Logs...)
	s.applyRuntime(cur, c.Runtime)
	return nil
}

func (s *InMemoryStore) GetStage(ctx context.Context, runtimeID string, seq int) (*api.RuntimeStage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stages := s.stages[runtimeID]
	if seq < 1 || seq > len(stages) {
		return nil, api.ErrStageNotFound
	}
	return cloneStage(stages[seq-1]), nil
}

func (s *InMemoryStore) ListStages(ctx context.Context, runtimeID string) ([]*api.RuntimeStage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stages := s.stages[runtimeID]
	out := make([]*api.RuntimeStage, len(stages))
	for i, st := range stages {
		out[i] = cloneStage(st)
	}
	return out, nil
}

func (s *InMemoryStore) GetAssignee(ctx context.Context, id string) (*api.RuntimeAssignee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignees[id]
	if !ok {
		return nil, api.ErrAssigneeNotFound
	}
	return cloneAssignee(a), nil
}

func (s *InMemoryStore) ListAssignees(ctx context.Context, runtimeID string, seq int) ([]*api.RuntimeAssignee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byStage[stageKey{runtimeID, seq}]
	out := make([]*api.RuntimeAssignee, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneAssignee(s.assignees[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out, nil
}

func (s *InMemoryStore) CompleteAssignee(ctx context.Context, c AssigneeCompletion) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignees[c.AssigneeID]
	if !ok {
		return false, 0, api.ErrAssigneeNotFound
	}
	if a.IsDone {
		return false, 0, nil
	}
	a.IsDone = true
	a.ActionPerform = appendAction(a.ActionPerform, c.Action)
	a.UpdatedAt = c.At
	s.logs[a.RuntimeID] = append(s.logs[a.RuntimeID], c.Log)

	remaining := 0
	for _, id := range s.byStage[stageKey{a.RuntimeID, a.StageSeq}] {
		if !s.assignees[id].IsDone {
			remaining++
		}
	}
	return true, remaining, nil
}

func (s *InMemoryStore) AppendLog(ctx context.Context, logs ...api.RuntimeLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range logs {
		s.logs[l.RuntimeID] = append(s.logs[l.RuntimeID], l)
	}
	return nil
}

func (s *InMemoryStore) ListLogs(ctx context.Context, runtimeID string) ([]api.RuntimeLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.logs[runtimeID]), nil
}

func cloneRuntime(rt *api.Runtime) *api.Runtime {
	cp := *rt
	cp.DocParams = maps.Clone(rt.DocParams)
	return &cp
}

func cloneStage(st *api.RuntimeStage) *api.RuntimeStage {
	cp := *st
	cp.Actions = slices.Clone(st.Actions)
	cp.ExitConditions.Rules = slices.Clone(st.ExitConditions.Rules)
	return &cp
}

func cloneAssignee(a *api.RuntimeAssignee) *api.RuntimeAssignee {
	cp := *a
	cp.Zones = slices.Clone(a.Zones)
	cp.ActionPerform = slices.Clone(a.ActionPerform)
	return &cp
}
