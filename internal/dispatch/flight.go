package dispatch

import (
	"sync"

	"github.com/sweepkit/broker/internal/executor"
)

// singleFlight enforces one in-flight execution per capability id and
// tracks which backend owns each correlation id for cancellation.
type singleFlight struct {
	mu            sync.Mutex
	byCapability  map[string]string
	byCorrelation map[string]executor.Backend
}

func newSingleFlight() *singleFlight {
	return &singleFlight{
		byCapability:  make(map[string]string),
		byCorrelation: make(map[string]executor.Backend),
	}
}

func (f *singleFlight) acquire(capabilityID, correlationID string, backend executor.Backend) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, busy := f.byCapability[capabilityID]; busy {
		return false
	}
	f.byCapability[capabilityID] = correlationID
	f.byCorrelation[correlationID] = backend
	return true
}

func (f *singleFlight) release(capabilityID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if correlationID, ok := f.byCapability[capabilityID]; ok {
		delete(f.byCorrelation, correlationID)
		delete(f.byCapability, capabilityID)
	}
}

func (f *singleFlight) backendFor(correlationID string) (executor.Backend, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	backend, ok := f.byCorrelation[correlationID]
	return backend, ok
}
