package payment

import (
	"fmt"
	"sort"

	"fulfillment/internal/apperr"
)

type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, gw := range gateways {
		r.gateways[gw.Name()] = gw
	}
	return r
}

func (r *Registry) Get(method string) (Gateway, error) {
	gw, ok := r.gateways[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperr.ErrUnsupportedPaymentMethod, method)
	}
	return gw, nil
}

func (r *Registry) Methods() []string {
	out := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsOnline reports whether method needs a gateway round trip before fulfillment.
func IsOnline(method string) bool {
	return method != MethodCashOnDelivery
}
