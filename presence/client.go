// Package presence implements the client side of the collaboration layer:
// one live room connection per mounted view, the local collaborator roster
// and task-change toast callbacks.
package presence

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"crest-api/domain"
)

// State is the connection state of a client.
type State int

const (
	StateDisconnected State = iota
	StateJoining
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	default:
		return "disconnected"
	}
}

const leaveTimeout = 2 * time.Second

// Client maintains presence for one board or sprint view. Broadcast methods
// are fire-and-forget: presence is an enhancement, and its failures never
// propagate to the caller.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *log.Logger

	onTaskChanged func(domain.TaskChange)

	mu           sync.Mutex
	gen          int
	state        State
	room         string
	self         domain.Collaborator
	roster       *roster
	cancelStream context.CancelFunc
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the transport used for all requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) { c.log = logger }
}

// OnTaskChanged registers the toast callback invoked when another member
// mutates a task in the room.
func OnTaskChanged(fn func(domain.TaskChange)) ClientOption {
	return func(c *Client) { c.onTaskChanged = fn }
}

// NewClient creates a disconnected presence client for the given service.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
		log:     log.StandardLogger(),
		roster:  newRoster(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type joinRequest struct {
	User domain.UserRef `json:"user"`
}

type joinResponse struct {
	ID            string                `json:"id"`
	Color         string                `json:"color"`
	Collaborators []domain.Collaborator `json:"collaborators"`
}

// Join connects to the room and starts consuming its event stream. On
// failure the roster simply stays empty; the returned error is informational
// for programmatic callers. There is no automatic reconnection: a dropped
// stream leaves the client disconnected until Join is called again.
func (c *Client) Join(ctx context.Context, room string, user domain.UserRef) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("presence: already joined room %q", c.room)
	}
	c.state = StateJoining
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	resp, err := c.post(ctx, room, "join", joinRequest{User: user})
	if err != nil {
		c.disconnect(gen)
		return err
	}
	var joined joinResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&joined)
	_ = resp.Body.Close()
	if decodeErr != nil {
		c.disconnect(gen)
		return decodeErr
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	body, err := c.openStream(streamCtx, room, joined.ID)
	if err != nil {
		cancel()
		c.disconnect(gen)
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		// Torn down while connecting.
		c.mu.Unlock()
		cancel()
		_ = body.Close()
		return nil
	}
	c.state = StateJoined
	c.room = room
	c.self = domain.Collaborator{
		ID:       joined.ID,
		UserID:   user.UserID,
		Username: user.Username,
		FullName: user.FullName,
		Color:    joined.Color,
	}
	c.roster.replace(joined.Collaborators)
	c.cancelStream = cancel
	c.mu.Unlock()

	go c.readLoop(gen, body)
	return nil
}

// Leave notifies the server, closes the stream and clears the roster. The
// roster is empty by the time Leave returns; events already in flight are
// discarded by the generation guard.
func (c *Client) Leave() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	room, connID := c.room, c.self.ID
	c.gen++
	c.state = StateDisconnected
	c.room = ""
	c.self = domain.Collaborator{}
	c.roster.clearAll()
	cancel := c.cancelStream
	c.cancelStream = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if connID == "" {
		return
	}
	ctx, cancelReq := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancelReq()
	if resp, err := c.post(ctx, room, "leave", map[string]string{"id": connID}); err == nil {
		_ = resp.Body.Close()
	} else {
		c.log.WithError(err).Debug("leave-room notify failed")
	}
}

// SelectTask broadcasts the local user's task focus. Cheap and unthrottled:
// callers may invoke it on every selection change.
func (c *Client) SelectTask(taskID string) {
	c.mu.Lock()
	if c.state != StateJoined {
		c.mu.Unlock()
		return
	}
	room, connID := c.room, c.self.ID
	c.mu.Unlock()

	c.fireAndForget(room, "select", map[string]string{"id": connID, "taskId": taskID})
}

// SelectNone clears the local user's task focus.
func (c *Client) SelectNone() { c.SelectTask("") }

// NotifyTaskUpdate announces a task mutation to the room. It is a no-op when
// no room is active.
func (c *Client) NotifyTaskUpdate(taskID string) {
	c.mu.Lock()
	if c.state != StateJoined {
		c.mu.Unlock()
		return
	}
	room := c.room
	c.mu.Unlock()

	c.fireAndForget(room, "notify", map[string]string{"taskId": taskID})
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Collaborators returns the roster in insertion order.
func (c *Client) Collaborators() []domain.Collaborator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster.collaborators()
}

// SelectionColors maps each remotely selected task to its collaborator's
// display color, for highlighting task cards.
func (c *Client) SelectionColors() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster.selectionColors()
}

// dispatch applies one inbound room event to the roster. Events from a
// generation older than the current one are discarded: a leave invalidates
// everything still in flight.
func (c *Client) dispatch(gen int, ev domain.Event) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	var toast func(domain.TaskChange)
	var change domain.TaskChange

	switch ev.Type {
	case domain.EventRoomUsers:
		var collabs []domain.Collaborator
		if err := json.Unmarshal(ev.Data, &collabs); err == nil {
			c.roster.replace(collabs)
		}
	case domain.EventUserJoined:
		var collab domain.Collaborator
		if err := json.Unmarshal(ev.Data, &collab); err == nil {
			c.roster.upsert(collab)
		}
	case domain.EventUserLeft:
		var left domain.LeftUser
		if err := json.Unmarshal(ev.Data, &left); err == nil {
			c.roster.remove(left.ID)
		}
	case domain.EventTaskSelected:
		var sel domain.TaskSelection
		if err := json.Unmarshal(ev.Data, &sel); err == nil {
			c.roster.updateSelection(sel.ID, sel.TaskID, sel.Color)
		}
	case domain.EventTaskChanged:
		if err := json.Unmarshal(ev.Data, &change); err == nil && change.UpdatedBy != c.self.UserID {
			toast = c.onTaskChanged
		}
	}
	c.mu.Unlock()

	if toast != nil {
		toast(change)
	}
}

func (c *Client) readLoop(gen int, body io.ReadCloser) {
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				var ev domain.Event
				if err := json.Unmarshal(data.Bytes(), &ev); err == nil {
					c.dispatch(gen, ev)
				}
				data.Reset()
			}
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		}
	}
	c.disconnect(gen)
}

// disconnect resets the client if gen is still current. A stream dropped by
// the server degrades silently to an empty roster.
func (c *Client) disconnect(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.gen++
	c.state = StateDisconnected
	c.room = ""
	c.self = domain.Collaborator{}
	c.roster.clearAll()
	if c.cancelStream != nil {
		c.cancelStream()
		c.cancelStream = nil
	}
}

func (c *Client) openStream(ctx context.Context, room, connID string) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/api/rooms/%s/stream?connection=%s", c.baseURL, room, connID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("stream: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *Client) post(ctx context.Context, room, action string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/api/rooms/%s/%s", c.baseURL, room, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s: unexpected status %d", action, resp.StatusCode)
	}
	return resp, nil
}

func (c *Client) fireAndForget(room, action string, payload map[string]string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		if resp, err := c.post(ctx, room, action, payload); err == nil {
			_ = resp.Body.Close()
		} else {
			c.log.WithError(err).WithField("action", action).Debug("presence broadcast failed")
		}
	}()
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
