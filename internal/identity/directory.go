// Package identity answers the narrow capability questions the settlement core asks about callers.
package identity

import (
	"sync"

	"github.com/google/uuid"
)

// Directory is the identity collaborator consulted by every entry point.
type Directory interface {
	AccountExists(accountID uuid.UUID) bool
	IsOwner(accountID, caller uuid.UUID) bool
	IsAdmin(caller uuid.UUID) bool
}

// StaticDirectory is an in-process Directory seeded from configuration.
// Safe for concurrent use; the core reads it while the HTTP admin path registers accounts.
type StaticDirectory struct {
	mu     sync.RWMutex
	owners map[uuid.UUID]uuid.UUID // account -> owner
	admins map[uuid.UUID]struct{}
}

func NewStaticDirectory(admins ...uuid.UUID) *StaticDirectory {
	d := &StaticDirectory{
		owners: make(map[uuid.UUID]uuid.UUID),
		admins: make(map[uuid.UUID]struct{}, len(admins)),
	}
	for _, a := range admins {
		d.admins[a] = struct{}{}
	}
	return d
}

// RegisterAccount binds accountID to owner. Re-registering replaces the owner.
func (d *StaticDirectory) RegisterAccount(accountID, owner uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owners[accountID] = owner
}

func (d *StaticDirectory) AddAdmin(caller uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.admins[caller] = struct{}{}
}

func (d *StaticDirectory) AccountExists(accountID uuid.UUID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.owners[accountID]
	return ok
}

func (d *StaticDirectory) IsOwner(accountID, caller uuid.UUID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	owner, ok := d.owners[accountID]
	return ok && owner == caller
}

func (d *StaticDirectory) IsAdmin(caller uuid.UUID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.admins[caller]
	return ok
}

// Accounts returns account -> owner pairs, used when snapshotting registrations made at runtime.
func (d *StaticDirectory) Accounts() map[uuid.UUID]uuid.UUID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[uuid.UUID]uuid.UUID, len(d.owners))
	for k, v := range d.owners {
		out[k] = v
	}
	return out
}
