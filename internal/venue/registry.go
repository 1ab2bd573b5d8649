// Package venue routes position execution either to the internal pool or to
// an external venue adapter, degrading to a flagged simulated fill when the
// venue cannot serve the call.
package venue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// Profile is the static trading terms of a venue.
type Profile struct {
	Name        domain.VenueName
	Fee         decimal.Decimal
	MaxLeverage int
}

// Registry holds every configured venue. Venues that are configured but not
// usable are registered as Unavailable rather than left out.
type Registry struct {
	mu        sync.RWMutex
	internal  domain.VenueName
	profiles  map[domain.VenueName]Profile
	executors map[domain.VenueName]domain.VenueExecutor
}

// NewRegistry creates a registry whose internal venue is backed by paper.
func NewRegistry(internal Profile, paper domain.VenueExecutor) *Registry {
	r := &Registry{
		internal:  internal.Name,
		profiles:  make(map[domain.VenueName]Profile),
		executors: make(map[domain.VenueName]domain.VenueExecutor),
	}
	r.profiles[internal.Name] = internal
	r.executors[internal.Name] = paper
	return r
}

// Register adds an external venue. A nil executor registers the venue as
// unavailable.
func (r *Registry) Register(p Profile, exec domain.VenueExecutor) error {
	if p.Name == "" {
		return fmt.Errorf("venue: register: empty name")
	}
	if exec == nil {
		exec = Unavailable{Venue: p.Name, Reason: "not configured"}
	}
	if exec.Name() != p.Name {
		return fmt.Errorf("venue: register %s: executor reports name %s", p.Name, exec.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Name == r.internal {
		return fmt.Errorf("venue: register %s: %w", p.Name, domain.ErrAlreadyExists)
	}
	r.profiles[p.Name] = p
	r.executors[p.Name] = exec
	return nil
}

// Internal returns the name of the internal pool venue.
func (r *Registry) Internal() domain.VenueName { return r.internal }

// Lookup returns the profile and executor for a venue.
func (r *Registry) Lookup(name domain.VenueName) (Profile, domain.VenueExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, nil, fmt.Errorf("venue %q: %w", name, domain.ErrUnknownVenue)
	}
	return p, r.executors[name], nil
}

// Venues lists the configured venues by name.
func (r *Registry) Venues() []domain.VenueInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.VenueInfo, 0, len(r.profiles))
	for name, p := range r.profiles {
		out = append(out, domain.VenueInfo{
			Name:        name,
			Available:   r.executors[name].Available(),
			Fee:         p.Fee,
			MaxLeverage: p.MaxLeverage,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
