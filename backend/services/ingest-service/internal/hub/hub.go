package hub

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// GroupAll receives every device event.
const GroupAll = "all"

// Event kinds.
const (
	KindDataUpdate   = "data_update"
	KindStatusUpdate = "status_update"
	KindAlert        = "alert"
	KindDeviceReset  = "device_reset"
)

// Event is one fan-out notification.
type Event struct {
	Kind      string    `json:"kind"`
	DeviceID  string    `json:"deviceId"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(kind, deviceID string, data any) Event {
	return Event{Kind: kind, DeviceID: deviceID, Data: data, Timestamp: time.Now().UTC()}
}

// Subscriber receives events. Deliver must not block.
type Subscriber interface {
	ID() string
	Deliver(ev Event)
}

// Sink forwards events outside the process.
type Sink interface {
	Forward(ev Event)
}

// Hub fans events out to subscriber groups. Delivery is fire-and-forget with
// no backlog: a subscriber only sees events published while it is a member.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[string]Subscriber
	sinks  []Sink
	logger *zap.Logger
}

// New builds an empty hub.
func New(logger *zap.Logger, sinks ...Sink) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		groups: make(map[string]map[string]Subscriber),
		sinks:  sinks,
		logger: logger,
	}
}

// Subscribe adds sub to group. Subscribing twice is a no-op.
func (h *Hub) Subscribe(group string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]Subscriber)
		h.groups[group] = members
	}
	members[sub.ID()] = sub
}

// Unsubscribe removes sub from group.
func (h *Hub) Unsubscribe(group string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(group, sub.ID())
}

// UnsubscribeAll removes sub from every group.
func (h *Hub) UnsubscribeAll(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for group := range h.groups {
		h.removeLocked(group, sub.ID())
	}
}

func (h *Hub) removeLocked(group, id string) {
	members, ok := h.groups[group]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// Groups returns the groups sub belongs to.
func (h *Hub) Groups(sub Subscriber) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for group, members := range h.groups {
		if _, ok := members[sub.ID()]; ok {
			out = append(out, group)
		}
	}
	return out
}

// Count returns the number of subscribers in group.
func (h *Hub) Count(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Publish delivers ev to every current member of group.
func (h *Hub) Publish(group string, ev Event) {
	h.deliver(h.members(group), ev)
	h.forward(ev)
}

// Broadcast delivers ev to the members of the device group and of GroupAll.
// A subscriber in both groups receives the event once.
func (h *Hub) Broadcast(deviceID string, ev Event) {
	h.deliver(h.members(deviceID, GroupAll), ev)
	h.forward(ev)
}

func (h *Hub) members(groups ...string) []Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []Subscriber
	for _, group := range groups {
		for id, sub := range h.groups[group] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, sub)
		}
	}
	return out
}

func (h *Hub) deliver(subs []Subscriber, ev Event) {
	for _, sub := range subs {
		sub.Deliver(ev)
	}
	if len(subs) > 0 {
		h.logger.Debug("event delivered", zap.String("kind", ev.Kind), zap.String("device_id", ev.DeviceID), zap.Int("subscribers", len(subs)))
	}
}

func (h *Hub) forward(ev Event) {
	for _, sink := range h.sinks {
		sink.Forward(ev)
	}
}
