package tensor

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNoAutogradMeta is returned when a gradient-slot accessor is called on a
// tensor impl that carries no autograd metadata (e.g. a detached tensor or
// one built with requiresGrad=false). A silent no-op here would corrupt
// gradient accumulation, so the absence is always an explicit error.
var ErrNoAutogradMeta = errors.New("tensor impl has no autograd metadata")

// TensorArg holds a gradient that is still being produced: backward passes
// push their contribution here before it is folded into the accumulated
// gradient slot.
type TensorArg struct {
	mu    sync.Mutex
	value Tensor
}

// SetValue stores the in-flight gradient, replacing any previous one.
func (a *TensorArg) SetValue(value Tensor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = value
}

// Value returns the in-flight gradient and whether one is present.
func (a *TensorArg) Value() (Tensor, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value, a.value != nil
}

// Release drops the in-flight gradient.
func (a *TensorArg) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = nil
}

// AutogradMeta is the per-tensor autograd bookkeeping this core exposes: the
// accumulated gradient slot, the in-flight gradient, and the retain-grad
// flag. The autograd graph itself lives outside this core.
type AutogradMeta struct {
	mu          sync.Mutex
	accGrad     Tensor
	currentGrad *TensorArg
	retainGrad  bool
}

// NewAutogradMeta returns empty autograd bookkeeping.
func NewAutogradMeta() *AutogradMeta {
	return &AutogradMeta{currentGrad: &TensorArg{}}
}

// AccGrad returns the accumulated gradient, which may be nil before the
// first backward pass.
func (m *AutogradMeta) AccGrad() Tensor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accGrad
}

// SetAccGrad replaces the accumulated gradient.
func (m *AutogradMeta) SetAccGrad(grad Tensor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accGrad = grad
}

// CurrentGrad returns the in-flight gradient holder.
func (m *AutogradMeta) CurrentGrad() *TensorArg {
	return m.currentGrad
}

// RetainGrad reports whether gradients are retained on this non-leaf tensor.
func (m *AutogradMeta) RetainGrad() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retainGrad
}

// SetRetainGrad sets gradient retention.
func (m *AutogradMeta) SetRetainGrad(retain bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retainGrad = retain
}
