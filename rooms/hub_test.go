package rooms

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"crest-api/domain"
)

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(log.ErrorLevel)
	return logger
}

func user(id string) domain.UserRef {
	return domain.UserRef{ID: id, UserID: "user-" + id, Username: id, FullName: "User " + id}
}

func recvEvent(t *testing.T, ch <-chan []byte) domain.Event {
	t.Helper()
	select {
	case data, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while waiting for event")
		}
		var ev domain.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return domain.Event{}
}

func TestJoinAssignsColorAndSnapshots(t *testing.T) {
	hub := NewHub(testLogger())
	ctx := context.Background()

	collabA, snapshot := hub.Join(ctx, "board-1", user("a"))
	if collabA.Color == "" {
		t.Fatal("expected a display color")
	}
	if collabA.Color != colorFor("a") {
		t.Fatalf("color must be a stable hash of the connection id")
	}
	if len(snapshot) != 1 || snapshot[0].ID != "a" {
		t.Fatalf("unexpected snapshot: %#v", snapshot)
	}

	_, snapshot = hub.Join(ctx, "board-1", user("b"))
	if len(snapshot) != 2 || snapshot[0].ID != "a" || snapshot[1].ID != "b" {
		t.Fatalf("expected join-order snapshot, got %#v", snapshot)
	}
}

func TestRejoinDoesNotDuplicateRosterEntry(t *testing.T) {
	hub := NewHub(testLogger())
	ctx := context.Background()

	hub.Join(ctx, "board-1", user("a"))
	hub.Join(ctx, "board-1", user("a"))

	if got := hub.Snapshot("board-1"); len(got) != 1 {
		t.Fatalf("expected deduplicated roster, got %#v", got)
	}
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	hub := NewHub(testLogger())
	ctx := context.Background()

	hub.Join(ctx, "board-1", user("a"))
	ch, cancel, err := hub.Subscribe("board-1", "a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	hub.Join(ctx, "board-1", user("b"))
	ev := recvEvent(t, ch)
	if ev.Type != domain.EventUserJoined {
		t.Fatalf("expected user-joined, got %s", ev.Type)
	}
	var joined domain.Collaborator
	if err := json.Unmarshal(ev.Data, &joined); err != nil || joined.ID != "b" {
		t.Fatalf("unexpected payload: %s", ev.Data)
	}

	hub.Select(ctx, "board-1", "b", "task-1")
	ev = recvEvent(t, ch)
	if ev.Type != domain.EventTaskSelected {
		t.Fatalf("expected task-selected, got %s", ev.Type)
	}
	var sel domain.TaskSelection
	if err := json.Unmarshal(ev.Data, &sel); err != nil || sel.ID != "b" || sel.TaskID != "task-1" || sel.Color == "" {
		t.Fatalf("unexpected selection payload: %s", ev.Data)
	}

	snapshot := hub.Snapshot("board-1")
	if snapshot[1].SelectedTaskID != "task-1" {
		t.Fatalf("selection must be recorded in the roster: %#v", snapshot)
	}

	hub.Leave(ctx, "board-1", "b")
	ev = recvEvent(t, ch)
	if ev.Type != domain.EventUserLeft {
		t.Fatalf("expected user-left, got %s", ev.Type)
	}
}

func TestSelectUnknownMemberIsIgnored(t *testing.T) {
	hub := NewHub(testLogger())
	hub.Select(context.Background(), "board-1", "ghost", "task-1")
	if got := hub.Snapshot("board-1"); len(got) != 0 {
		t.Fatalf("unexpected roster: %#v", got)
	}
}

func TestLeaveClosesSubscriberChannel(t *testing.T) {
	hub := NewHub(testLogger())
	ctx := context.Background()

	hub.Join(ctx, "board-1", user("a"))
	ch, cancel, err := hub.Subscribe("board-1", "a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	hub.Leave(ctx, "board-1", "a")
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed on leave")
	}
	if got := hub.Snapshot("board-1"); len(got) != 0 {
		t.Fatalf("expected empty roster, got %#v", got)
	}
}

type fakeDeduper struct {
	seen map[string]bool
}

func (f *fakeDeduper) Add(_ context.Context, room, key string) (bool, error) {
	k := room + ":" + key
	if f.seen[k] {
		return false, nil
	}
	f.seen[k] = true
	return true, nil
}

func TestNotifyDeduplicates(t *testing.T) {
	hub := NewHub(testLogger(), WithDeduper(&fakeDeduper{seen: map[string]bool{}}))
	ctx := context.Background()

	hub.Join(ctx, "board-1", user("a"))
	ch, cancel, err := hub.Subscribe("board-1", "a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	hub.Notify(ctx, "board-1", "task-1", "user-b")
	hub.Notify(ctx, "board-1", "task-1", "user-b")
	hub.Notify(ctx, "board-1", "task-1", "user-c")

	ev := recvEvent(t, ch)
	if ev.Type != domain.EventTaskChanged {
		t.Fatalf("expected task-changed, got %s", ev.Type)
	}
	ev = recvEvent(t, ch)
	var change domain.TaskChange
	if err := json.Unmarshal(ev.Data, &change); err != nil || change.UpdatedBy != "user-c" {
		t.Fatalf("duplicate not collapsed, got %s", ev.Data)
	}
	select {
	case data := <-ch:
		t.Fatalf("unexpected extra event: %s", data)
	default:
	}
}

func TestDeliverLocalDropsSlowSubscribers(t *testing.T) {
	hub := NewHub(testLogger())
	ctx := context.Background()

	hub.Join(ctx, "board-1", user("a"))
	ch, cancel, err := hub.Subscribe("board-1", "a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// more events than the channel buffers; must not block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.DeliverLocal("board-1", []byte(`{"type":"task-changed"}`))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("DeliverLocal blocked on a slow subscriber")
	}
	if buffered := len(ch); buffered == 0 || buffered > 16 {
		t.Fatalf("unexpected buffered count: %d", buffered)
	}
}

func TestReapEvictsStreamlessMembers(t *testing.T) {
	hub := NewHub(testLogger(), WithLiveness(20*time.Millisecond))
	ctx := context.Background()

	hub.Join(ctx, "board-1", user("a"))
	hub.Join(ctx, "board-1", user("b"))
	ch, cancel, err := hub.Subscribe("board-1", "b")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	_ = ch

	time.Sleep(40 * time.Millisecond)
	hub.Reap(ctx)

	got := hub.Snapshot("board-1")
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("expected only the streaming member to survive, got %#v", got)
	}
}

func TestCloseRoomEvictsEveryone(t *testing.T) {
	hub := NewHub(testLogger())
	ctx := context.Background()

	hub.Join(ctx, "board-1", user("a"))
	hub.Join(ctx, "board-1", user("b"))
	hub.CloseRoom(ctx, "board-1")

	if got := hub.Snapshot("board-1"); len(got) != 0 {
		t.Fatalf("expected empty roster, got %#v", got)
	}
}
