package dht

// lookupList is a bounded, distance-sorted shortlist of candidate
// contacts maintained during routing-table lookups and iterative
// lookups alike. It is always sorted ascending by XOR distance to a
// fixed target, holds at most k entries, and never duplicates an ID.
type lookupList struct {
	target   ID
	k        int
	entries  []Contact
	queried  map[ID]bool
}

func newLookupList(target ID, k int) *lookupList {
	return &lookupList{
		target:  target,
		k:       k,
		queried: make(map[ID]bool),
	}
}

func (l *lookupList) len() int      { return len(l.entries) }
func (l *lookupList) capacity() int { return l.k }

// insert adds a contact in distance order. A contact already present
// is a no-op. If the list would exceed k entries, the farthest one is
// dropped.
func (l *lookupList) insert(c Contact) {
	for _, existing := range l.entries {
		if existing.ID.Equal(c.ID) {
			return
		}
	}

	pos := len(l.entries)
	for i, existing := range l.entries {
		if Closer(l.target, c.ID, existing.ID) {
			pos = i
			break
		}
	}
	l.entries = append(l.entries, Contact{})
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = c

	if len(l.entries) > l.k {
		dropped := l.entries[len(l.entries)-1]
		l.entries = l.entries[:l.k]
		delete(l.queried, dropped.ID)
	}
}

// insertMany applies insert to each contact in order.
func (l *lookupList) insertMany(contacts []Contact) {
	for _, c := range contacts {
		l.insert(c)
	}
}

// next returns the closest not-yet-queried contact, marking it queried,
// or false if every entry has already been queried.
func (l *lookupList) next() (Contact, bool) {
	for _, c := range l.entries {
		if !l.queried[c.ID] {
			l.queried[c.ID] = true
			return c, true
		}
	}
	return Contact{}, false
}

// remove deletes the contact with the given ID from the list, if
// present.
func (l *lookupList) remove(id ID) {
	for i, c := range l.entries {
		if c.ID.Equal(id) {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			delete(l.queried, id)
			return
		}
	}
}

// hasUnqueried reports whether any entry has not yet been queried.
func (l *lookupList) hasUnqueried() bool {
	for _, c := range l.entries {
		if !l.queried[c.ID] {
			return true
		}
	}
	return false
}

// getContacts returns all entries in distance order.
func (l *lookupList) getContacts() []Contact {
	out := make([]Contact, len(l.entries))
	copy(out, l.entries)
	return out
}
