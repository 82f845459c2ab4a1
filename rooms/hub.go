// Package rooms implements the room registry: per-room membership tracking
// and relay of presence, selection and task-change events.
package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"crest-api/domain"
)

// Collaborator display colors, assigned by stable hash of the connection id.
var palette = []string{
	"#e06c75", "#61afef", "#98c379", "#c678dd",
	"#d19a66", "#56b6c2", "#be5046", "#e5c07b",
}

const defaultLiveness = 45 * time.Second

// Relay mirrors room state and fans events out across service instances.
type Relay interface {
	Publish(ctx context.Context, room string, data []byte) error
	AddMember(ctx context.Context, room string, c domain.Collaborator) error
	RemoveMember(ctx context.Context, room, connID string) error
	Snapshot(ctx context.Context, room string) ([]domain.Collaborator, error)
	CloseRoom(ctx context.Context, room string) error
}

// Deduper suppresses repeated task-change notifications.
type Deduper interface {
	Add(ctx context.Context, room, key string) (bool, error)
}

type member struct {
	collab domain.Collaborator
	ch     chan []byte
	// detachedAt is the time the member lost its event stream; zero while a
	// stream is attached. Members detached past the liveness window are reaped.
	detachedAt time.Time
}

// Hub owns the membership of every room on this instance. All broadcasts are
// best-effort: failures degrade to missed presence updates, never errors.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]*member
	order map[string][]string

	relay    Relay
	dedupe   Deduper
	pool     *broadcastPool
	log      *log.Logger
	liveness time.Duration
}

// Option configures a Hub.
type Option func(*Hub)

// WithRelay attaches a cross-instance relay. Events are then delivered
// locally only through the relay's subscription loop.
func WithRelay(r Relay) Option { return func(h *Hub) { h.relay = r } }

// WithDeduper suppresses duplicate task-change broadcasts.
func WithDeduper(d Deduper) Option { return func(h *Hub) { h.dedupe = d } }

// WithLiveness overrides the window after which streamless members are reaped.
func WithLiveness(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.liveness = d
		}
	}
}

// WithBroadcastPool publishes relay events through a bounded worker pool of
// the given size instead of inline.
func WithBroadcastPool(workers, buffer int, timeout, handoff time.Duration) Option {
	return func(h *Hub) {
		h.pool = newBroadcastPool(h, h.log, workers, buffer, timeout, handoff)
	}
}

// NewHub creates an empty hub.
func NewHub(logger *log.Logger, opts ...Option) *Hub {
	if logger == nil {
		panic("rooms.NewHub: logger is nil")
	}
	h := &Hub{
		rooms:    make(map[string]map[string]*member),
		order:    make(map[string][]string),
		log:      logger,
		liveness: defaultLiveness,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Shutdown stops the broadcast pool, if any.
func (h *Hub) Shutdown() {
	if h.pool != nil {
		h.pool.shutdown()
	}
}

// Join registers the user in the room, assigns a display color and announces
// the arrival. It returns the member's collaborator record and the roster
// snapshot as of the join.
func (h *Hub) Join(ctx context.Context, room string, user domain.UserRef) (domain.Collaborator, []domain.Collaborator) {
	collab := domain.Collaborator{
		ID:       user.ID,
		UserID:   user.UserID,
		Username: user.Username,
		FullName: user.FullName,
		Color:    colorFor(user.ID),
	}

	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*member)
		h.rooms[room] = members
	}
	if _, exists := members[collab.ID]; !exists {
		h.order[room] = append(h.order[room], collab.ID)
	}
	members[collab.ID] = &member{collab: collab, detachedAt: time.Now()}
	snapshot := h.lockedSnapshot(room)
	h.mu.Unlock()

	if h.relay != nil {
		if err := h.relay.AddMember(ctx, room, collab); err != nil {
			h.log.WithError(err).WithField("room", room).Warn("roster mirror add failed")
		}
		if remote, err := h.relay.Snapshot(ctx, room); err == nil && len(remote) > 0 {
			snapshot = remote
		}
	}

	h.broadcast(ctx, room, domain.EventUserJoined, collab)
	return collab, snapshot
}

// Leave removes the member, announces the departure and releases the room
// once empty.
func (h *Hub) Leave(ctx context.Context, room, connID string) {
	h.mu.Lock()
	removed := h.lockedRemove(room, connID)
	h.mu.Unlock()
	if !removed {
		return
	}

	if h.relay != nil {
		if err := h.relay.RemoveMember(ctx, room, connID); err != nil {
			h.log.WithError(err).WithField("room", room).Warn("roster mirror remove failed")
		}
	}
	h.broadcast(ctx, room, domain.EventUserLeft, domain.LeftUser{ID: connID})
}

// Select broadcasts the member's current task focus. Unknown members are
// ignored: a select can race a leave and losing it is harmless.
func (h *Hub) Select(ctx context.Context, room, connID, taskID string) {
	h.mu.Lock()
	m, ok := h.rooms[room][connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	m.collab.SelectedTaskID = taskID
	sel := domain.TaskSelection{
		ID:     m.collab.ID,
		UserID: m.collab.UserID,
		TaskID: taskID,
		Color:  m.collab.Color,
	}
	collab := m.collab
	h.mu.Unlock()

	if h.relay != nil {
		if err := h.relay.AddMember(ctx, room, collab); err != nil {
			h.log.WithError(err).WithField("room", room).Warn("roster mirror update failed")
		}
	}
	h.broadcast(ctx, room, domain.EventTaskSelected, sel)
}

// Notify announces a task mutation to the room. Repeated notifications for
// the same task and author inside the dedupe TTL collapse to one broadcast.
func (h *Hub) Notify(ctx context.Context, room, taskID, updatedBy string) {
	if h.dedupe != nil {
		fresh, err := h.dedupe.Add(ctx, room, taskID+":"+updatedBy)
		if err != nil {
			h.log.WithError(err).WithField("room", room).Warn("notify dedupe unavailable")
		} else if !fresh {
			return
		}
	}
	h.broadcast(ctx, room, domain.EventTaskChanged, domain.TaskChange{TaskID: taskID, UpdatedBy: updatedBy})
}

// Subscribe attaches an event stream to a joined member and returns its
// delivery channel. The cancel function detaches the stream; the member then
// becomes subject to reaping unless it re-subscribes or leaves.
func (h *Hub) Subscribe(room, connID string) (<-chan []byte, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.rooms[room][connID]
	if !ok {
		return nil, nil, fmt.Errorf("unknown connection %q in room %q", connID, room)
	}
	ch := make(chan []byte, 16)
	m.ch = ch
	m.detachedAt = time.Time{}
	cancel := func() {
		h.mu.Lock()
		if cur, ok := h.rooms[room][connID]; ok && cur.ch == ch {
			cur.ch = nil
			cur.detachedAt = time.Now()
		}
		h.mu.Unlock()
	}
	return ch, cancel, nil
}

// Snapshot returns the room roster in join order.
func (h *Hub) Snapshot(room string) []domain.Collaborator {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lockedSnapshot(room)
}

// CloseRoom evicts every member and drops the room. Administrative.
func (h *Hub) CloseRoom(ctx context.Context, room string) {
	h.mu.Lock()
	ids := append([]string(nil), h.order[room]...)
	h.mu.Unlock()
	for _, id := range ids {
		h.Leave(ctx, room, id)
	}
	if h.relay != nil {
		if err := h.relay.CloseRoom(ctx, room); err != nil {
			h.log.WithError(err).WithField("room", room).Warn("roster mirror close failed")
		}
	}
}

// Reap evicts members whose stream has been gone past the liveness window.
// Run periodically from a background goroutine.
func (h *Hub) Reap(ctx context.Context) {
	type dead struct{ room, connID string }
	now := time.Now()
	var victims []dead

	h.mu.Lock()
	for room, members := range h.rooms {
		for id, m := range members {
			if m.ch == nil && !m.detachedAt.IsZero() && now.Sub(m.detachedAt) > h.liveness {
				victims = append(victims, dead{room: room, connID: id})
			}
		}
	}
	h.mu.Unlock()

	for _, v := range victims {
		h.log.WithFields(log.Fields{"room": v.room, "connection": v.connID}).Info("reaping dead member")
		h.Leave(ctx, v.room, v.connID)
	}
}

// DeliverLocal hands an encoded event to every streaming member of the room.
// Slow subscribers are skipped rather than blocking the hub. Called by the
// relay subscription loop, or directly when no relay is configured.
func (h *Hub) DeliverLocal(room string, data []byte) {
	h.mu.Lock()
	for _, m := range h.rooms[room] {
		if m.ch == nil {
			continue
		}
		select {
		case m.ch <- data:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(ctx context.Context, room, eventType string, payload any) {
	ev, err := domain.NewEvent(eventType, payload)
	if err != nil {
		h.log.WithError(err).WithField("event", eventType).Error("encode room event")
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).WithField("event", eventType).Error("encode room event")
		return
	}

	if h.relay == nil {
		h.DeliverLocal(room, data)
		return
	}
	if h.pool != nil {
		if h.pool.tryEnqueue(publishJob{room: room, data: data}) {
			return
		}
		h.log.Warn("broadcast buffer saturated; publishing inline")
	}
	if err := h.relay.Publish(ctx, room, data); err != nil {
		h.log.WithError(err).WithField("room", room).Warn("relay publish failed")
	}
}

func (h *Hub) lockedSnapshot(room string) []domain.Collaborator {
	ids := h.order[room]
	out := make([]domain.Collaborator, 0, len(ids))
	for _, id := range ids {
		if m, ok := h.rooms[room][id]; ok {
			out = append(out, m.collab)
		}
	}
	return out
}

func (h *Hub) lockedRemove(room, connID string) bool {
	members, ok := h.rooms[room]
	if !ok {
		return false
	}
	m, ok := members[connID]
	if !ok {
		return false
	}
	if m.ch != nil {
		close(m.ch)
		m.ch = nil
	}
	delete(members, connID)
	ids := h.order[room]
	for i, id := range ids {
		if id == connID {
			h.order[room] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(members) == 0 {
		delete(h.rooms, room)
		delete(h.order, room)
	}
	return true
}

func colorFor(connID string) string {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(connID))
	return palette[hash.Sum32()%uint32(len(palette))]
}
