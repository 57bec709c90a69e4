package provider

import (
	"fmt"
	"sort"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
)

// Registry resolves a provider id to the capabilities it was configured with.
// Call sites ask for a capability; they never inspect concrete types.
type Registry struct {
	impls map[models.Provider]interface{}
}

func NewRegistry() *Registry {
	return &Registry{impls: make(map[models.Provider]interface{})}
}

func (r *Registry) Register(p models.Provider, impl interface{}) {
	r.impls[p] = impl
}

func (r *Registry) Providers() []models.Provider {
	out := make([]models.Provider, 0, len(r.impls))
	for p := range r.impls {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) lookup(p models.Provider) (interface{}, error) {
	impl, ok := r.impls[p]
	if !ok {
		return nil, apperr.New(apperr.Invalid, fmt.Sprintf("provider %q is not configured", p))
	}
	return impl, nil
}

func unsupported(p models.Provider, capability string) error {
	return apperr.New(apperr.Invalid, fmt.Sprintf("provider %q does not support %s", p, capability))
}

func (r *Registry) Charger(p models.Provider) (Charger, error) {
	impl, err := r.lookup(p)
	if err != nil {
		return nil, err
	}
	c, ok := impl.(Charger)
	if !ok {
		return nil, unsupported(p, "charges")
	}
	return c, nil
}

func (r *Registry) Payouter(p models.Provider) (Payouter, error) {
	impl, err := r.lookup(p)
	if err != nil {
		return nil, err
	}
	c, ok := impl.(Payouter)
	if !ok {
		return nil, unsupported(p, "payouts")
	}
	return c, nil
}

func (r *Registry) Refunder(p models.Provider) (Refunder, error) {
	impl, err := r.lookup(p)
	if err != nil {
		return nil, err
	}
	c, ok := impl.(Refunder)
	if !ok {
		return nil, unsupported(p, "refunds")
	}
	return c, nil
}

func (r *Registry) StatusChecker(p models.Provider) (StatusChecker, error) {
	impl, err := r.lookup(p)
	if err != nil {
		return nil, err
	}
	c, ok := impl.(StatusChecker)
	if !ok {
		return nil, unsupported(p, "status lookup")
	}
	return c, nil
}

// RefundStatusChecker reports false when the provider cannot look refunds up.
func (r *Registry) RefundStatusChecker(p models.Provider) (RefundStatusChecker, bool) {
	impl, ok := r.impls[p]
	if !ok {
		return nil, false
	}
	c, ok := impl.(RefundStatusChecker)
	return c, ok
}

func (r *Registry) CallbackParser(p models.Provider) (CallbackParser, error) {
	impl, err := r.lookup(p)
	if err != nil {
		return nil, err
	}
	c, ok := impl.(CallbackParser)
	if !ok {
		return nil, unsupported(p, "callbacks")
	}
	return c, nil
}

// Validator reports false when the provider has no pre-flight checks.
func (r *Registry) Validator(p models.Provider) (RequestValidator, bool) {
	impl, ok := r.impls[p]
	if !ok {
		return nil, false
	}
	v, ok := impl.(RequestValidator)
	return v, ok
}
