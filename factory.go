package volumekit

import (
	"context"
	"fmt"
	"sync"
)

// DriverFactory creates the Backend for one volume kind from the builder
// configuration.
type DriverFactory func(ctx context.Context, cfg *BuilderConfig) (Backend, error)

var (
	driverFactories = make(map[Kind]DriverFactory)
	factoryMutex    sync.RWMutex
)

// RegisterDriver registers a driver factory function for a kind. Drivers
// call it from init, so importing a driver package enables it.
func RegisterDriver(kind Kind, factory DriverFactory) {
	factoryMutex.Lock()
	defer factoryMutex.Unlock()
	driverFactories[kind] = factory
}

// DriverRegistered reports whether a factory exists for kind.
func DriverRegistered(kind Kind) bool {
	factoryMutex.RLock()
	defer factoryMutex.RUnlock()
	_, ok := driverFactories[kind]
	return ok
}

// CreateDriver creates the backend for kind from config
func CreateDriver(ctx context.Context, kind Kind, cfg *BuilderConfig) (Backend, error) {
	factoryMutex.RLock()
	factory, exists := driverFactories[kind]
	factoryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrDriverNotRegistered, kind)
	}

	return factory(ctx, cfg)
}
