// Package profile keeps the per-user records built up from completed deals.
// Profiles are created lazily: a user has no document until their first
// completed deal touches their stats.
package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ghaph/auto-middleman/internal/domain"
	"github.com/ghaph/auto-middleman/internal/locking"
	"github.com/ghaph/auto-middleman/internal/store"
)

// ErrNotFound is returned when a user has no profile yet.
var ErrNotFound = errors.New("profile not found")

// Stats are the cumulative deal totals. Money totals are USD strings rounded
// to two places.
type Stats struct {
	Deals    int    `json:"mms,omitempty"`
	Sent     string `json:"sent,omitempty"`
	Received string `json:"received,omitempty"`
}

// Profile is one user's record. The internal id is immutable and counts up
// from zero; the per-origin external ids link the profile to chat platforms.
type Profile struct {
	ID        int64   `json:"id"`
	CreatedAt string  `json:"createdAt"`
	Telegram  string  `json:"telegram,omitempty"`
	Discord   string  `json:"discord,omitempty"`
	Stats     Stats   `json:"stats"`
	Txns      []int64 `json:"txns,omitempty"`
}

func originField(origin domain.Origin) string {
	if origin == domain.OriginDiscord {
		return "discord"
	}
	return "telegram"
}

// Registry owns profile reads and read-modify-write cycles. Per-user keyed
// locks serialize concurrent updates to the same user; a separate global lock
// guards internal id allocation.
type Registry struct {
	store  store.Store
	logger *zap.Logger

	users *locking.KeyedMutex
	idMu  sync.Mutex
}

// NewRegistry creates a profile registry over the given store.
func NewRegistry(st store.Store, logger *zap.Logger) *Registry {
	return &Registry{store: st, logger: logger, users: locking.NewKeyedMutex()}
}

// Get returns the profile linked to the external id, or ErrNotFound when the
// user has never completed a deal.
func (r *Registry) Get(ctx context.Context, origin domain.Origin, externalID string) (*Profile, error) {
	var p Profile
	err := r.store.FindOne(ctx, store.Users, store.Filter{originField(origin): externalID}, &p)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Update runs fn over the user's profile under the per-user lock, creating
// the profile with a fresh internal id when none exists. fn returns false to
// skip persisting.
func (r *Registry) Update(ctx context.Context, origin domain.Origin, externalID string, fn func(*Profile) bool) error {
	key := string(origin) + ":" + externalID
	var err error
	r.users.WithLock(key, func() {
		err = r.update(ctx, origin, externalID, fn)
	})
	return err
}

func (r *Registry) update(ctx context.Context, origin domain.Origin, externalID string, fn func(*Profile) bool) error {
	p, err := r.Get(ctx, origin, externalID)
	if errors.Is(err, ErrNotFound) {
		p, err = r.create(ctx, origin, externalID)
	}
	if err != nil {
		return err
	}

	if !fn(p) {
		return nil
	}
	if err := r.store.Replace(ctx, store.Users, store.Filter{"id": p.ID}, p); err != nil {
		return fmt.Errorf("persist profile %d: %w", p.ID, err)
	}
	return nil
}

// create allocates the next internal id under the global id lock. The new
// profile is not persisted here; Update writes it together with the first
// stat change.
func (r *Registry) create(ctx context.Context, origin domain.Origin, externalID string) (*Profile, error) {
	r.idMu.Lock()
	defer r.idMu.Unlock()

	maxID, err := r.store.MaxID(ctx, store.Users)
	if err != nil {
		return nil, fmt.Errorf("allocate profile id: %w", err)
	}
	p := &Profile{
		ID:        maxID + 1,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	switch origin {
	case domain.OriginDiscord:
		p.Discord = externalID
	default:
		p.Telegram = externalID
	}
	// Reserve the id before releasing the lock, so a concurrent create for
	// another user cannot be handed the same one.
	if err := r.store.Insert(ctx, store.Users, p); err != nil {
		return nil, fmt.Errorf("persist profile %d: %w", p.ID, err)
	}
	r.logger.Info("profile created",
		zap.Int64("user", p.ID),
		zap.String("origin", string(origin)),
		zap.String("external", externalID))
	return p, nil
}

// RecordDeal credits a completed deal to both parties: the sender's sent
// total and the receiver's received total grow by the deal's USD amount, and
// both deal counts go up by one. A transaction already present in a party's
// deal list is not credited again.
func (r *Registry) RecordDeal(ctx context.Context, txnID int64, origin domain.Origin, parties domain.Parties, usd decimal.Decimal) {
	r.credit(ctx, txnID, origin, parties.Receiver, usd, false)
	r.credit(ctx, txnID, origin, parties.Sender, usd, true)
}

func (r *Registry) credit(ctx context.Context, txnID int64, origin domain.Origin, externalID string, usd decimal.Decimal, asSender bool) {
	err := r.Update(ctx, origin, externalID, func(p *Profile) bool {
		for _, id := range p.Txns {
			if id == txnID {
				return false
			}
		}
		p.Txns = append(p.Txns, txnID)
		p.Stats.Deals++
		if asSender {
			p.Stats.Sent = addUsd(p.Stats.Sent, usd)
		} else {
			p.Stats.Received = addUsd(p.Stats.Received, usd)
		}
		return true
	})
	if err != nil {
		r.logger.Error("record deal failed",
			zap.Int64("txn", txnID),
			zap.String("external", externalID),
			zap.Error(err))
	}
}

func addUsd(total string, usd decimal.Decimal) string {
	current, err := decimal.NewFromString(total)
	if err != nil {
		current = decimal.Zero
	}
	return current.Add(usd).StringFixed(2)
}
