package core

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

const (
	// ThreadPoolDefault is pre-registered by NewRegistry.
	ThreadPoolDefault ThreadPoolCode = 1

	// ThreadPoolDefaultName is the name of ThreadPoolDefault.
	ThreadPoolDefaultName = "THREAD_POOL_DEFAULT"

	// AckSuffix is appended to an RPC name to form its response code name.
	AckSuffix = "_ACK"
)

// codeTable is an immutable snapshot of all registered codes.
// Slices are indexed by code; index 0 stays nil.
type codeTable struct {
	tasks     []*TaskSpec
	taskNames map[string]TaskCode
	pools     []*PoolSpec
	poolNames map[string]ThreadPoolCode
}

func (t *codeTable) clone() *codeTable {
	c := &codeTable{
		tasks:     make([]*TaskSpec, len(t.tasks)),
		taskNames: make(map[string]TaskCode, len(t.taskNames)),
		pools:     make([]*PoolSpec, len(t.pools)),
		poolNames: make(map[string]ThreadPoolCode, len(t.poolNames)),
	}
	copy(c.tasks, t.tasks)
	copy(c.pools, t.pools)
	for k, v := range t.taskNames {
		c.taskNames[k] = v
	}
	for k, v := range t.poolNames {
		c.poolNames[k] = v
	}
	return c
}

// Registry maps task and thread-pool names to codes and their configuration.
//
// Writers are serialized and publish a new snapshot; readers load the current
// snapshot without locking. Registration and SetPool/SetPriority are meant to
// complete before the Scheduler starts, nothing enforces that.
type Registry struct {
	mu    sync.Mutex
	table atomic.Pointer[codeTable]
}

// NewRegistry creates a Registry holding only ThreadPoolDefault.
func NewRegistry() *Registry {
	r := &Registry{}
	r.table.Store(&codeTable{
		tasks:     []*TaskSpec{nil},
		taskNames: make(map[string]TaskCode),
		pools:     []*PoolSpec{nil},
		poolNames: make(map[string]ThreadPoolCode),
	})

	if _, err := r.RegisterPool(ThreadPoolDefaultName, PoolSpec{Workers: runtime.NumCPU()}); err != nil {
		panic(err)
	}
	return r
}

// RegisterPool registers a thread pool by name.
// A repeated name returns the existing code; if the configuration differs,
// ErrCodeConflict is returned alongside it.
func (r *Registry) RegisterPool(name string, spec PoolSpec) (ThreadPoolCode, error) {
	if name == "" {
		return ThreadPoolInvalid, ErrInvalidName
	}
	if spec.Workers <= 0 {
		spec.Workers = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.table.Load()
	if code, exists := cur.poolNames[name]; exists {
		if !cur.pools[code].sameConfig(spec) {
			return code, fmt.Errorf("pool %s: %w", name, ErrCodeConflict)
		}
		return code, nil
	}

	next := cur.clone()
	code := ThreadPoolCode(len(next.pools))
	spec.Code = code
	spec.Name = name
	next.pools = append(next.pools, &spec)
	next.poolNames[name] = code
	r.table.Store(next)

	return code, nil
}

// ConfigurePool replaces the worker configuration of a registered pool.
func (r *Registry) ConfigurePool(code ThreadPoolCode, spec PoolSpec) error {
	if spec.Workers <= 0 {
		return fmt.Errorf("pool %d: invalid worker count %d", code, spec.Workers)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.table.Load()
	if !cur.hasPool(code) {
		return fmt.Errorf("pool %d: %w", code, ErrPoolNotFound)
	}

	next := cur.clone()
	spec.Code = code
	spec.Name = cur.pools[code].Name
	next.pools[code] = &spec
	r.table.Store(next)
	return nil
}

// RegisterTask registers a task code by name.
// A repeated name returns the existing code; if the configuration differs,
// ErrCodeConflict is returned alongside it.
func (r *Registry) RegisterTask(name string, typ TaskType, pri Priority, pool ThreadPoolCode) (TaskCode, error) {
	if name == "" {
		return TaskCodeInvalid, ErrInvalidName
	}
	if !pri.IsValid() {
		return TaskCodeInvalid, fmt.Errorf("task %s: invalid priority %d", name, pri)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.table.Load()
	if !cur.hasPool(pool) {
		return TaskCodeInvalid, fmt.Errorf("task %s: pool %d: %w", name, pool, ErrPoolNotFound)
	}

	if code, exists := cur.taskNames[name]; exists {
		s := cur.tasks[code]
		if s.Type != typ || s.Priority != pri || s.Pool != pool {
			return code, fmt.Errorf("task %s: %w", name, ErrCodeConflict)
		}
		return code, nil
	}

	next := cur.clone()
	code := TaskCode(len(next.tasks))
	next.tasks = append(next.tasks, &TaskSpec{
		Code:     code,
		Name:     name,
		Type:     typ,
		Priority: pri,
		Pool:     pool,
	})
	next.taskNames[name] = code
	r.table.Store(next)

	return code, nil
}

// RegisterRPC registers an RPC request code and its "<name>_ACK" response
// code on the same pool and priority.
func (r *Registry) RegisterRPC(name string, pri Priority, pool ThreadPoolCode) (TaskCode, TaskCode, error) {
	req, err := r.RegisterTask(name, TaskTypeRPCRequest, pri, pool)
	if err != nil {
		return req, TaskCodeInvalid, err
	}
	ack, err := r.RegisterTask(name+AckSuffix, TaskTypeRPCResponse, pri, pool)
	if err != nil {
		return req, ack, err
	}
	return req, ack, nil
}

// SetPool moves a task code to another pool.
func (r *Registry) SetPool(code TaskCode, pool ThreadPoolCode) error {
	return r.updateTask(code, func(s *TaskSpec, t *codeTable) error {
		if !t.hasPool(pool) {
			return fmt.Errorf("pool %d: %w", pool, ErrPoolNotFound)
		}
		s.Pool = pool
		return nil
	})
}

// SetPriority changes the priority of a task code.
func (r *Registry) SetPriority(code TaskCode, pri Priority) error {
	return r.updateTask(code, func(s *TaskSpec, _ *codeTable) error {
		if !pri.IsValid() {
			return fmt.Errorf("invalid priority %d", pri)
		}
		s.Priority = pri
		return nil
	})
}

func (r *Registry) updateTask(code TaskCode, mutate func(*TaskSpec, *codeTable) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.table.Load()
	if !cur.hasTask(code) {
		return fmt.Errorf("task %d: %w", code, ErrUnknownCode)
	}

	spec := *cur.tasks[code]
	if err := mutate(&spec, cur); err != nil {
		return fmt.Errorf("task %s: %w", spec.Name, err)
	}

	next := cur.clone()
	next.tasks[code] = &spec
	r.table.Store(next)
	return nil
}

// TaskSpec returns the configuration of a task code.
func (r *Registry) TaskSpec(code TaskCode) (TaskSpec, bool) {
	t := r.table.Load()
	if !t.hasTask(code) {
		return TaskSpec{}, false
	}
	return *t.tasks[code], true
}

// PoolSpec returns the configuration of a thread pool.
func (r *Registry) PoolSpec(code ThreadPoolCode) (PoolSpec, bool) {
	t := r.table.Load()
	if !t.hasPool(code) {
		return PoolSpec{}, false
	}
	return *t.pools[code], true
}

// TaskCodeOf resolves a task name.
func (r *Registry) TaskCodeOf(name string) (TaskCode, bool) {
	code, ok := r.table.Load().taskNames[name]
	return code, ok
}

// PoolCodeOf resolves a thread-pool name.
func (r *Registry) PoolCodeOf(name string) (ThreadPoolCode, bool) {
	code, ok := r.table.Load().poolNames[name]
	return code, ok
}

// TaskName returns the registered name of a task code.
func (r *Registry) TaskName(code TaskCode) string {
	t := r.table.Load()
	if code == TaskCodeInvalid {
		return "TASK_CODE_INVALID"
	}
	if !t.hasTask(code) {
		return fmt.Sprintf("TASK_CODE_%d", code)
	}
	return t.tasks[code].Name
}

// PoolName returns the registered name of a pool code.
func (r *Registry) PoolName(code ThreadPoolCode) string {
	t := r.table.Load()
	if !t.hasPool(code) {
		return fmt.Sprintf("THREAD_POOL_%d", code)
	}
	return t.pools[code].Name
}

// Tasks returns all registered task specs ordered by code.
func (r *Registry) Tasks() []TaskSpec {
	t := r.table.Load()
	specs := make([]TaskSpec, 0, len(t.tasks)-1)
	for _, s := range t.tasks[1:] {
		specs = append(specs, *s)
	}
	return specs
}

// Pools returns all registered pool specs ordered by code.
func (r *Registry) Pools() []PoolSpec {
	t := r.table.Load()
	specs := make([]PoolSpec, 0, len(t.pools)-1)
	for _, s := range t.pools[1:] {
		specs = append(specs, *s)
	}
	return specs
}

func (t *codeTable) hasTask(code TaskCode) bool {
	return code > TaskCodeInvalid && int(code) < len(t.tasks)
}

func (t *codeTable) hasPool(code ThreadPoolCode) bool {
	return code > ThreadPoolInvalid && int(code) < len(t.pools)
}
