package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// DriverRegistry maps driver names to capture backends
type DriverRegistry struct {
	drivers map[string]Driver
	mu      sync.RWMutex
}

// NewDriverRegistry creates an empty registry
func NewDriverRegistry() *DriverRegistry {
	return &DriverRegistry{
		drivers: make(map[string]Driver),
	}
}

// Register adds a driver to the registry
func (r *DriverRegistry) Register(driver Driver) error {
	if driver == nil {
		return fmt.Errorf("driver cannot be nil")
	}

	name := driver.Name()
	if name == "" {
		return fmt.Errorf("driver name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[name]; exists {
		return fmt.Errorf("driver %q already registered", name)
	}

	r.drivers[name] = driver
	return nil
}

// Get returns a driver by name
func (r *DriverRegistry) Get(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return d, nil
}

// Names returns the registered driver names in sorted order
func (r *DriverRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
