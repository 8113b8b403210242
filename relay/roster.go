package relay

import (
	"sort"
	"sync"
)

// Roster maintains the authoritative "who is here" set for one channel,
// seeded from the join-time snapshot and mutated by presence diffs. The
// local session's own user never appears in the set.
type Roster struct {
	mu      sync.Mutex
	selfID  string
	entries map[string]string

	subs registry[RosterEvent]
}

// NewRoster creates an empty roster for a channel. selfID is the local
// session's user id, which is excluded from every apply.
func NewRoster(selfID string) *Roster {
	return &Roster{
		selfID:  selfID,
		entries: make(map[string]string),
	}
}

// ApplySnapshot replaces the roster with the given entries, self
// excluded. A snapshot always notifies, even when nothing changed:
// observers use it as their initial render trigger.
func (r *Roster) ApplySnapshot(entries []PresenceEntry) {
	r.mu.Lock()
	r.entries = make(map[string]string, len(entries))
	for _, e := range entries {
		if e.UserID == r.selfID {
			continue
		}
		r.entries[e.UserID] = e.Username
	}
	snapshot := r.listLocked()
	r.mu.Unlock()

	r.subs.emit(RosterEvent{Entries: snapshot})
}

// ApplyJoins upserts the given entries. Self entries are ignored.
// Notifies only when the set actually changed.
func (r *Roster) ApplyJoins(entries []PresenceEntry) {
	r.mu.Lock()
	changed := false
	for _, e := range entries {
		if e.UserID == r.selfID {
			continue
		}
		if name, ok := r.entries[e.UserID]; !ok || name != e.Username {
			r.entries[e.UserID] = e.Username
			changed = true
		}
	}
	snapshot := r.listLocked()
	r.mu.Unlock()

	if changed {
		r.subs.emit(RosterEvent{Entries: snapshot})
	}
}

// ApplyLeaves deletes the given entries. A self entry is removable here
// (defensive; the server should never send one). Notifies only when the
// set actually changed.
func (r *Roster) ApplyLeaves(entries []PresenceEntry) {
	r.mu.Lock()
	changed := false
	for _, e := range entries {
		if _, ok := r.entries[e.UserID]; ok {
			delete(r.entries, e.UserID)
			changed = true
		}
	}
	snapshot := r.listLocked()
	r.mu.Unlock()

	if changed {
		r.subs.emit(RosterEvent{Entries: snapshot})
	}
}

// ApplyDiff applies one presence push: joins then leaves.
func (r *Roster) ApplyDiff(diff PresenceDiff) {
	r.ApplyJoins(diff.Joins)
	r.ApplyLeaves(diff.Leaves)
}

// List returns the current set, sorted by username then user id for
// deterministic rendering.
func (r *Roster) List() []PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

// Subscribe registers a change handler.
func (r *Roster) Subscribe(fn func(RosterEvent)) *Subscription {
	return r.subs.subscribe(fn)
}

func (r *Roster) listLocked() []PresenceEntry {
	out := make([]PresenceEntry, 0, len(r.entries))
	for id, name := range r.entries {
		out = append(out, PresenceEntry{UserID: id, Username: name})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
