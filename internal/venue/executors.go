package venue

import (
	"context"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// Paper fills every order against the internal pool.
type Paper struct {
	Venue domain.VenueName
}

// NewPaper returns the internal executor.
func NewPaper(name domain.VenueName) *Paper {
	return &Paper{Venue: name}
}

func (p *Paper) Name() domain.VenueName { return p.Venue }
func (p *Paper) Available() bool        { return true }

func (p *Paper) Open(context.Context, domain.VenueOrder) (domain.Fill, error) {
	return domain.Fill{Success: true, Reference: p.reference()}, nil
}

func (p *Paper) Close(context.Context, domain.VenueClose) (domain.Fill, error) {
	return domain.Fill{Success: true, Reference: p.reference()}, nil
}

func (p *Paper) reference() string {
	return "paper-" + uuid.NewString()
}

// Unavailable stands in for a venue that is configured but cannot execute.
type Unavailable struct {
	Venue  domain.VenueName
	Reason string
}

func (u Unavailable) Name() domain.VenueName { return u.Venue }
func (u Unavailable) Available() bool        { return false }

func (u Unavailable) Open(context.Context, domain.VenueOrder) (domain.Fill, error) {
	return domain.Fill{Reason: u.Reason}, domain.ErrVenueUnavailable
}

func (u Unavailable) Close(context.Context, domain.VenueClose) (domain.Fill, error) {
	return domain.Fill{Reason: u.Reason}, domain.ErrVenueUnavailable
}

var (
	_ domain.VenueExecutor = (*Paper)(nil)
	_ domain.VenueExecutor = Unavailable{}
)
