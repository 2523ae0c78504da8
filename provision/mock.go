package provision

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// MockDriver is an in-memory Driver for tests and dry runs.
type MockDriver struct {
	mu sync.Mutex

	Images     []Image
	SpotPrices map[string][]float64
	Clock      clockwork.Clock

	instances map[string]InstanceSpec

	// StartInstanceFunc overrides StartInstance if set.
	StartInstanceFunc func(ctx context.Context, spec InstanceSpec) (Instance, error)

	// StartInstanceCalls tracks every spec passed to StartInstance.
	StartInstanceCalls []InstanceSpec

	// TerminateInstanceCalls tracks every id passed to TerminateInstance.
	TerminateInstanceCalls []string
}

// NewMockDriver creates a MockDriver serving the given images.
func NewMockDriver(images ...Image) *MockDriver {
	return &MockDriver{
		Images:     images,
		SpotPrices: make(map[string][]float64),
		Clock:      clockwork.NewRealClock(),
		instances:  make(map[string]InstanceSpec),
	}
}

func (m *MockDriver) ListImages(ctx context.Context, owners []string) ([]Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(owners) == 0 {
		return append([]Image(nil), m.Images...), nil
	}
	allowed := make(map[string]bool, len(owners))
	for _, o := range owners {
		allowed[o] = true
	}
	var out []Image
	for _, img := range m.Images {
		if allowed[img.OwnerID] {
			out = append(out, img)
		}
	}
	return out, nil
}

func (m *MockDriver) SpotPriceHistory(ctx context.Context, instanceType, productDescription string) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.SpotPrices[instanceType]...), nil
}

func (m *MockDriver) StartInstance(ctx context.Context, spec InstanceSpec) (Instance, error) {
	m.mu.Lock()
	m.StartInstanceCalls = append(m.StartInstanceCalls, spec)
	fn := m.StartInstanceFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, spec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	inst := Instance{
		ID:        "i-" + uuid.NewString()[:8],
		ImageID:   spec.ImageID,
		StartedAt: m.Clock.Now(),
	}
	m.instances[inst.ID] = spec
	return inst, nil
}

func (m *MockDriver) TerminateInstance(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TerminateInstanceCalls = append(m.TerminateInstanceCalls, instanceID)
	if _, ok := m.instances[instanceID]; !ok {
		return ErrInstanceNotFound
	}
	delete(m.instances, instanceID)
	return nil
}

// Running returns the spec of a running instance.
func (m *MockDriver) Running(instanceID string) (InstanceSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.instances[instanceID]
	return spec, ok
}

var _ Driver = (*MockDriver)(nil)
