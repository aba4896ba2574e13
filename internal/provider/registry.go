// Package provider resolves payment providers by name.
package provider

import (
	"fmt"
	"sort"
	"strings"

	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
	"github.com/Tanmoy095/PaySynapse/internal/payment"
)

// Registry is an immutable name → client table built at startup.
type Registry struct {
	clients map[string]payment.ProviderClient
}

func NewRegistry(clients ...payment.ProviderClient) (*Registry, error) {
	r := &Registry{clients: make(map[string]payment.ProviderClient, len(clients))}
	for _, c := range clients {
		name := strings.ToLower(c.Name())
		if _, dup := r.clients[name]; dup {
			return nil, fmt.Errorf("provider %q registered twice", name)
		}
		r.clients[name] = c
	}
	return r, nil
}

// Resolve returns the client registered under name (case-insensitive).
func (r *Registry) Resolve(name string) (payment.ProviderClient, error) {
	c, ok := r.clients[strings.ToLower(name)]
	if !ok {
		return nil, derrors.NotFound("payment provider", name)
	}
	return c, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.clients))
	for n := range r.clients {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
