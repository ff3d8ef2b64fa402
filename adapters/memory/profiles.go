package memory

import (
	"context"
	"sync"

	"engagekit/core"
	"engagekit/points"
)

// Profiles is a mutable VIP/level table standing in for an identity service.
type Profiles struct {
	mu     sync.RWMutex
	vip    map[core.UserID]bool
	levels map[core.UserID]int64
}

func NewProfiles() *Profiles {
	return &Profiles{vip: map[core.UserID]bool{}, levels: map[core.UserID]int64{}}
}

func (p *Profiles) SetVIP(user core.UserID, vip bool) {
	p.mu.Lock()
	p.vip[user] = vip
	p.mu.Unlock()
}

func (p *Profiles) SetLevel(user core.UserID, level int64) {
	p.mu.Lock()
	p.levels[user] = level
	p.mu.Unlock()
}

func (p *Profiles) IsVIP(_ context.Context, user core.UserID) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.vip[user], nil
}

// GetLevel defaults to level 1 for unknown users.
func (p *Profiles) GetLevel(_ context.Context, user core.UserID) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if lvl, ok := p.levels[user]; ok {
		return lvl, nil
	}
	return 1, nil
}

var _ points.ProfileProvider = (*Profiles)(nil)
