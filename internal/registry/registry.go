// Package registry provides the service container models borrow their
// database connection and other collaborators from.
package registry

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrServiceType     = errors.New("service has unexpected type")
)

// Registry looks services up by name.
type Registry interface {
	Get(name string) (any, error)
	Has(name string) bool
	Set(name string, value any)
}

// Factory builds a shared service the first time it is requested.
type Factory func(r Registry) (any, error)

type entry struct {
	factory  Factory
	value    any
	resolved bool
}

// Container is the default Registry. Values set directly are returned as is;
// factories run once, on first Get, and their result is cached.
type Container struct {
	mu       sync.Mutex
	services map[string]*entry
	order    []string
}

// New returns an empty container.
func New() *Container {
	return &Container{services: make(map[string]*entry)}
}

// Set stores value under name, replacing any earlier value or factory.
func (c *Container) Set(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.put(name, &entry{value: value, resolved: true})
}

// Register stores a shared factory under name. The factory is not called
// until the service is first requested.
func (c *Container) Register(name string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.put(name, &entry{factory: f})
}

func (c *Container) put(name string, e *entry) {
	if _, ok := c.services[name]; !ok {
		c.order = append(c.order, name)
	}
	c.services[name] = e
}

// Has reports whether name is set or registered.
func (c *Container) Has(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.services[name]
	return ok
}

// Get returns the service stored under name, running its factory if needed.
func (c *Container) Get(name string) (any, error) {
	c.mu.Lock()
	e, ok := c.services[name]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, name)
	}
	if e.resolved {
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	f := e.factory
	c.mu.Unlock()

	// factories may resolve their own dependencies, so run unlocked
	v, err := f(c)
	if err != nil {
		return nil, fmt.Errorf("build service %q: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// another caller may have resolved it meanwhile; keep the first value
	if cur, ok := c.services[name]; ok && cur == e {
		if e.resolved {
			if cl, ok := v.(io.Closer); ok {
				_ = cl.Close()
			}
			return e.value, nil
		}
		e.value, e.resolved = v, true
	}
	return v, nil
}

// Names returns the stored service names, sorted.
func (c *Container) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every resolved service that implements io.Closer, in reverse
// order of registration.
func (c *Container) Close() error {
	c.mu.Lock()
	var closers []io.Closer
	for i := len(c.order) - 1; i >= 0; i-- {
		e := c.services[c.order[i]]
		if !e.resolved {
			continue
		}
		if cl, ok := e.value.(io.Closer); ok {
			closers = append(closers, cl)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, cl := range closers {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resolve fetches name from r and asserts it to T.
func Resolve[T any](r Registry, name string) (T, error) {
	var zero T

	v, err := r.Get(name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %q is %T", ErrServiceType, name, v)
	}
	return t, nil
}
