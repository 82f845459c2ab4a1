package presence

import "crest-api/domain"

// roster holds the collaborators observed in a room, keyed by identity and
// kept in insertion order. It is not safe for concurrent use; the client
// serializes access.
type roster struct {
	order []string
	byID  map[string]*domain.Collaborator
}

func newRoster() *roster {
	return &roster{byID: make(map[string]*domain.Collaborator)}
}

// replace installs a full snapshot, de-duplicating by identity key with
// last-write-wins. The first occurrence fixes a duplicate's position.
func (r *roster) replace(collabs []domain.Collaborator) {
	r.order = r.order[:0]
	clear(r.byID)
	for i := range collabs {
		c := collabs[i]
		if _, seen := r.byID[c.ID]; !seen {
			r.order = append(r.order, c.ID)
		}
		r.byID[c.ID] = &c
	}
}

// upsert adds or overwrites a single collaborator.
func (r *roster) upsert(c domain.Collaborator) {
	if _, seen := r.byID[c.ID]; !seen {
		r.order = append(r.order, c.ID)
	}
	r.byID[c.ID] = &c
}

func (r *roster) remove(id string) {
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, cur := range r.order {
		if cur == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// updateSelection applies a remote selection change: only the selected task
// and display color of the matching collaborator change.
func (r *roster) updateSelection(id, taskID, color string) {
	c, ok := r.byID[id]
	if !ok {
		return
	}
	c.SelectedTaskID = taskID
	if color != "" {
		c.Color = color
	}
}

func (r *roster) clearAll() {
	r.order = r.order[:0]
	clear(r.byID)
}

func (r *roster) len() int { return len(r.order) }

// collaborators returns the roster in insertion order.
func (r *roster) collaborators() []domain.Collaborator {
	out := make([]domain.Collaborator, 0, len(r.order))
	for _, id := range r.order {
		if c, ok := r.byID[id]; ok {
			out = append(out, *c)
		}
	}
	return out
}

// selectionColors maps each selected task to the color of the collaborator
// focused on it.
func (r *roster) selectionColors() map[string]string {
	out := make(map[string]string)
	for _, id := range r.order {
		c, ok := r.byID[id]
		if !ok || c.SelectedTaskID == "" {
			continue
		}
		out[c.SelectedTaskID] = c.Color
	}
	return out
}
