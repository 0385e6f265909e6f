package objstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory Client used by tests. Hooks run before the
// corresponding operation and can inject failures; a non-nil hook error
// aborts the call and leaves state untouched.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte

	GetHook    func(name string) error
	PutHook    func(name string) error
	DeleteHook func(name string) error
	ListHook   func(prefix string) error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// List implements Client.
func (m *Memory) List(ctx context.Context, prefix, startAfter string, limit int) (ListPage, error) {
	if err := ctx.Err(); err != nil {
		return ListPage{}, err
	}
	if m.ListHook != nil {
		if err := m.ListHook(prefix); err != nil {
			return ListPage{}, err
		}
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []string
	for name := range m.objects {
		if strings.HasPrefix(name, prefix) && name > startAfter {
			matched = append(matched, name)
		}
	}
	sort.Strings(matched)
	page := ListPage{}
	if len(matched) > limit {
		page.Names = matched[:limit]
		page.Truncated = true
	} else {
		page.Names = matched
	}
	return page, nil
}

// Get implements Client.
func (m *Memory) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.GetHook != nil {
		if err := m.GetHook(name); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[name]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Put implements Client.
func (m *Memory) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.PutHook != nil {
		if err := m.PutHook(name); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = append([]byte(nil), data...)
	return nil
}

// PutIfAbsent implements Client. Atomic under the store mutex.
func (m *Memory) PutIfAbsent(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.PutHook != nil {
		if err := m.PutHook(name); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[name]; exists {
		return ErrAlreadyExists
	}
	m.objects[name] = append([]byte(nil), data...)
	return nil
}

// Delete implements Client.
func (m *Memory) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.DeleteHook != nil {
		if err := m.DeleteHook(name); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, name)
	return nil
}

// Len reports the number of stored objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Names returns all object names in lexical order.
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
