// ABOUTME: Caller profile resolution for session start
// ABOUTME: Normalizes the origin number and looks the caller up in the store, with a go-cache layer

package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Youmanvi/bankAssistant/internal/store"
)

// ErrNotFound is returned when no customer matches the origin number
var ErrNotFound = errors.New("caller not found")

// ErrInvalidNumber is returned for origin numbers that are not North American E.164
var ErrInvalidNumber = errors.New("invalid origin number")

// Profile is the resolved identity of a caller.
type Profile struct {
	UserID     string // store user ID
	Name       string
	RoutingKey string // normalized phone number, +1-XXX-XXX-XXXX
}

// FirstName returns the first word of the caller's name.
func (p *Profile) FirstName() string {
	if p == nil {
		return ""
	}
	if f := strings.Fields(p.Name); len(f) > 0 {
		return f[0]
	}
	return ""
}

// Resolver looks up a caller by the number they are calling from.
type Resolver interface {
	Lookup(ctx context.Context, originNumber string) (*Profile, error)
}

// UserStore defines what the resolver needs from storage
type UserStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// NormalizePhone converts "+15550100001", "5550100001" or "(555) 010-0001"
// into the store key form "+1-555-010-0001".
func NormalizePhone(number string) (string, error) {
	var digits strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch {
	case len(d) == 10:
		d = "1" + d
	case len(d) == 11 && d[0] == '1':
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, number)
	}
	return "+1-" + d[1:4] + "-" + d[4:7] + "-" + d[7:], nil
}

// StoreResolver resolves profiles directly from the store.
type StoreResolver struct {
	users UserStore
}

// NewStoreResolver creates a resolver backed by users.
func NewStoreResolver(users UserStore) *StoreResolver {
	return &StoreResolver{users: users}
}

// Lookup implements Resolver.
func (r *StoreResolver) Lookup(ctx context.Context, originNumber string) (*Profile, error) {
	key, err := NormalizePhone(originNumber)
	if err != nil {
		return nil, err
	}
	u, err := r.users.GetUser(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up caller: %w", err)
	}
	return &Profile{UserID: u.ID, Name: u.Name, RoutingKey: key}, nil
}

// CachingResolver memoizes another resolver's answers, including not-found,
// so repeated calls from the same number skip the store.
type CachingResolver struct {
	next   Resolver
	cache  *gocache.Cache
	logger *slog.Logger
}

// cached wraps a lookup result; a nil profile records a not-found answer.
type cached struct {
	profile *Profile
}

// NewCachingResolver wraps next with a cache whose entries live for ttl.
func NewCachingResolver(next Resolver, ttl time.Duration, logger *slog.Logger) *CachingResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingResolver{
		next:   next,
		cache:  gocache.New(ttl, 2*ttl),
		logger: logger.With("component", "profile"),
	}
}

// Lookup implements Resolver. Transient errors are not cached.
func (r *CachingResolver) Lookup(ctx context.Context, originNumber string) (*Profile, error) {
	key, err := NormalizePhone(originNumber)
	if err != nil {
		return nil, err
	}

	if v, found := r.cache.Get(key); found {
		if c, ok := v.(cached); ok {
			r.logger.Debug("profile cache hit", "routing_key", key)
			if c.profile == nil {
				return nil, ErrNotFound
			}
			cp := *c.profile
			return &cp, nil
		}
	}

	p, err := r.next.Lookup(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		r.cache.SetDefault(key, cached{})
		return nil, err
	case err != nil:
		return nil, err
	}

	cp := *p
	r.cache.SetDefault(key, cached{profile: &cp})
	return p, nil
}

// Invalidate drops any cached answer for a number.
func (r *CachingResolver) Invalidate(originNumber string) {
	if key, err := NormalizePhone(originNumber); err == nil {
		r.cache.Delete(key)
	}
}
