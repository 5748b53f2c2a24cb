package realtime

import (
	"strings"
	"sync"

	"golang.org/x/text/cases"
)

const maxEntityIDLength = 128

// DefaultEntityTypes lists the marketplace entities clients may subscribe to.
var DefaultEntityTypes = []string{"product", "transaction", "booking", "tutorial"}

// GroupBroadcaster is the transport's grouping primitive. Members are
// connection ids and groups are rendered room keys.
type GroupBroadcaster interface {
	// Add reports whether the member was newly added.
	Add(group, member string) bool
	// Remove reports whether the member was present.
	Remove(group, member string) bool
	// RemoveAll drops the member from every group and returns those groups.
	RemoveAll(member string) []string
	Members(group string) []string
	Groups(member string) []string
}

// LocalGroups is the in-process GroupBroadcaster. Empty groups are deleted.
type LocalGroups struct {
	mu      sync.RWMutex
	groups  map[string]map[string]struct{}
	members map[string]map[string]struct{}
}

// NewLocalGroups constructs an empty group table.
func NewLocalGroups() *LocalGroups {
	return &LocalGroups{
		groups:  make(map[string]map[string]struct{}),
		members: make(map[string]map[string]struct{}),
	}
}

// Add puts member in group and reports whether it was not already there.
func (g *LocalGroups) Add(group, member string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.groups[group]
	if set == nil {
		set = make(map[string]struct{})
		g.groups[group] = set
	}
	if _, exists := set[member]; exists {
		return false
	}
	set[member] = struct{}{}
	joined := g.members[member]
	if joined == nil {
		joined = make(map[string]struct{})
		g.members[member] = joined
	}
	joined[group] = struct{}{}
	return true
}

// Remove takes member out of group and reports whether it was present.
func (g *LocalGroups) Remove(group, member string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removeLocked(group, member)
}

func (g *LocalGroups) removeLocked(group, member string) bool {
	set := g.groups[group]
	if _, exists := set[member]; !exists {
		return false
	}
	delete(set, member)
	if len(set) == 0 {
		delete(g.groups, group)
	}
	if joined := g.members[member]; joined != nil {
		delete(joined, group)
		if len(joined) == 0 {
			delete(g.members, member)
		}
	}
	return true
}

// RemoveAll takes member out of every group it joined and returns those
// groups in sorted order.
func (g *LocalGroups) RemoveAll(member string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	groups := sortedMapKeys(g.members[member])
	for _, group := range groups {
		g.removeLocked(group, member)
	}
	return groups
}

// Members returns the sorted members of group.
func (g *LocalGroups) Members(group string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedMapKeys(g.groups[group])
}

// Groups returns the sorted groups member belongs to.
func (g *LocalGroups) Groups(member string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedMapKeys(g.members[member])
}

// RoomManager validates entity references and keeps room membership through
// a GroupBroadcaster. Join is a set-add: joining twice and leaving once leaves
// the connection outside the room.
type RoomManager struct {
	groups GroupBroadcaster
	types  map[string]struct{}
}

// NewRoomManager wraps groups, allowing subscriptions to entityTypes. A nil
// groups value uses LocalGroups and an empty type list uses
// DefaultEntityTypes.
func NewRoomManager(groups GroupBroadcaster, entityTypes []string) *RoomManager {
	if groups == nil {
		groups = NewLocalGroups()
	}
	if len(entityTypes) == 0 {
		entityTypes = DefaultEntityTypes
	}
	types := make(map[string]struct{}, len(entityTypes))
	for _, entityType := range entityTypes {
		if normalized := normalizeEntityType(entityType); normalized != "" {
			types[normalized] = struct{}{}
		}
	}
	return &RoomManager{groups: groups, types: types}
}

func normalizeEntityType(entityType string) string {
	// cases.Caser is stateful, so one is built per call.
	return cases.Fold().String(strings.TrimSpace(entityType))
}

// Resolve validates an entity reference and returns its canonical room.
func (m *RoomManager) Resolve(entityType, entityID string) (Room, error) {
	normalized := normalizeEntityType(entityType)
	id := strings.TrimSpace(entityID)
	invalid := func(reason string) (Room, error) {
		return Room{}, &SubscriptionError{EntityType: entityType, EntityID: entityID, Reason: reason}
	}
	if normalized == "" {
		return invalid("entity type is required")
	}
	if _, ok := m.types[normalized]; !ok {
		return invalid("unknown entity type")
	}
	if id == "" {
		return invalid("entity id is required")
	}
	if len(id) > maxEntityIDLength {
		return invalid("entity id is too long")
	}
	if strings.ContainsAny(id, ": \t\r\n") {
		return invalid("entity id contains reserved characters")
	}
	return Room{EntityType: normalized, EntityID: id}, nil
}

// Join adds the connection to the room. Joining a room twice is a no-op.
func (m *RoomManager) Join(connID, entityType, entityID string) (Room, bool, error) {
	room, err := m.Resolve(entityType, entityID)
	if err != nil {
		return Room{}, false, err
	}
	return room, m.groups.Add(room.String(), connID), nil
}

// Leave removes the connection from the room. Leaving a room the connection
// is not in is a no-op.
func (m *RoomManager) Leave(connID, entityType, entityID string) (Room, bool, error) {
	room, err := m.Resolve(entityType, entityID)
	if err != nil {
		return Room{}, false, err
	}
	return room, m.groups.Remove(room.String(), connID), nil
}

// LeaveAll clears every membership held by the connection.
func (m *RoomManager) LeaveAll(connID string) []string {
	return m.groups.RemoveAll(connID)
}

// Members returns the connection ids subscribed to room.
func (m *RoomManager) Members(room Room) []string {
	return m.groups.Members(room.String())
}

// Rooms returns the room keys the connection has joined.
func (m *RoomManager) Rooms(connID string) []string {
	return m.groups.Groups(connID)
}
