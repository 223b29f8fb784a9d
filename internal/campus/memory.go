package campus

import (
	"context"
	"sync"
)

// InMemoryDirectory implements Directory for tests and single-node dev runs.
type InMemoryDirectory struct {
	mu       sync.RWMutex
	campuses map[string]Campus
	configs  map[string]Config
	order    []string
}

// NewInMemoryDirectory creates an empty directory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		campuses: make(map[string]Campus),
		configs:  make(map[string]Config),
	}
}

// Put registers or replaces a campus and its configuration.
func (d *InMemoryDirectory) Put(c Campus, cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.campuses[c.ID]; !ok {
		d.order = append(d.order, c.ID)
	}
	d.campuses[c.ID] = c
	cfg.CampusID = c.ID
	d.configs[c.ID] = cfg
}

// SetActive flips the activation flag of a registered campus.
func (d *InMemoryDirectory) SetActive(id string, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.campuses[id]; ok {
		c.Active = active
		d.campuses[id] = c
	}
}

func (d *InMemoryDirectory) ListActive(ctx context.Context) ([]Campus, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var res []Campus
	for _, id := range d.order {
		if c := d.campuses[id]; c.Active {
			res = append(res, c)
		}
	}
	return res, nil
}

func (d *InMemoryDirectory) Find(ctx context.Context, id string) (Campus, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.campuses[id]
	if !ok {
		return Campus{}, ErrNotFound
	}
	return c, nil
}

func (d *InMemoryDirectory) FindConfig(ctx context.Context, id string) (Config, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cfg, ok := d.configs[id]
	if !ok {
		return Config{}, ErrNotFound
	}
	return cfg, nil
}
