// Package participants defines the participant directory: per-address lists of
// batch ids maintained as a derived view of batch history.
package participants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"agritrace/pkg/domain"
)

// ListName identifies a role-scoped batch list.
type ListName string

// Lists kept per participant.
const (
	ListRegistered ListName = "registeredCrops"
	ListCertified  ListName = "certifiedCrops"
	ListRejected   ListName = "rejectedCrops"
	ListPurchased  ListName = "purchasedCrops"
)

// AllLists enumerates every list name.
var AllLists = []ListName{ListRegistered, ListCertified, ListRejected, ListPurchased}

// Valid reports whether n is a known list.
func (n ListName) Valid() bool {
	for _, l := range AllLists {
		if l == n {
			return true
		}
	}
	return false
}

// ListForAction maps a history action to the list it feeds.
func ListForAction(action domain.Action) (ListName, bool) {
	switch action {
	case domain.ActionCreated:
		return ListRegistered, true
	case domain.ActionCertified:
		return ListCertified, true
	case domain.ActionRejected:
		return ListRejected, true
	case domain.ActionPurchased:
		return ListPurchased, true
	default:
		return "", false
	}
}

// Lists is the directory view of one participant.
type Lists struct {
	Address      string   `json:"address"`
	Registered   []string `json:"registeredCrops"`
	Certified    []string `json:"certifiedCrops"`
	Rejected     []string `json:"rejectedCrops"`
	Purchased    []string `json:"purchasedCrops"`
	Deregistered bool     `json:"deregistered"`
}

// Set assigns the ids of list name.
func (l *Lists) Set(name ListName, ids []string) {
	sort.Strings(ids)
	switch name {
	case ListRegistered:
		l.Registered = ids
	case ListCertified:
		l.Certified = ids
	case ListRejected:
		l.Rejected = ids
	case ListPurchased:
		l.Purchased = ids
	}
}

// Directory stores participant lists. AddToSet is idempotent; adds for a
// deregistered address are ignored. Reset clears every list but keeps
// deregistration markers so a rebuild does not resurrect removed participants.
type Directory interface {
	AddToSet(ctx context.Context, address string, list ListName, batchID string) error
	Lists(ctx context.Context, address string) (Lists, error)
	Deregister(ctx context.Context, address string) error
	Reset(ctx context.Context) error
	Close() error
}

// Key normalizes an address for use as a directory key.
func Key(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// CheckAdd validates AddToSet arguments.
func CheckAdd(address string, list ListName, batchID string) error {
	if Key(address) == "" || batchID == "" {
		return fmt.Errorf("directory add: address and batch id are required")
	}
	if !list.Valid() {
		return fmt.Errorf("directory add: unknown list %q", list)
	}
	return nil
}

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu           sync.RWMutex
	lists        map[string]map[ListName]map[string]struct{}
	deregistered map[string]struct{}
}

var _ Directory = (*MemoryDirectory)(nil)

// NewMemoryDirectory constructs an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		lists:        make(map[string]map[ListName]map[string]struct{}),
		deregistered: make(map[string]struct{}),
	}
}

// AddToSet adds batchID to the participant's list.
func (d *MemoryDirectory) AddToSet(_ context.Context, address string, list ListName, batchID string) error {
	if err := CheckAdd(address, list, batchID); err != nil {
		return err
	}
	key := Key(address)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, gone := d.deregistered[key]; gone {
		return nil
	}
	byList, ok := d.lists[key]
	if !ok {
		byList = make(map[ListName]map[string]struct{})
		d.lists[key] = byList
	}
	ids, ok := byList[list]
	if !ok {
		ids = make(map[string]struct{})
		byList[list] = ids
	}
	ids[batchID] = struct{}{}
	return nil
}

// Lists returns the participant's lists.
func (d *MemoryDirectory) Lists(_ context.Context, address string) (Lists, error) {
	key := Key(address)
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := Lists{Address: address}
	_, out.Deregistered = d.deregistered[key]
	for _, name := range AllLists {
		ids := make([]string, 0, len(d.lists[key][name]))
		for id := range d.lists[key][name] {
			ids = append(ids, id)
		}
		out.Set(name, ids)
	}
	return out, nil
}

// Deregister drops the participant's lists and blocks future adds.
func (d *MemoryDirectory) Deregister(_ context.Context, address string) error {
	key := Key(address)
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lists, key)
	d.deregistered[key] = struct{}{}
	return nil
}

// Reset clears all lists.
func (d *MemoryDirectory) Reset(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lists = make(map[string]map[ListName]map[string]struct{})
	return nil
}

// Close is a no-op.
func (d *MemoryDirectory) Close() error { return nil }
