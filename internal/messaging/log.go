package messaging

import (
	"sort"

	"consult_realtime/internal/domain"
)

// Entry is one visible row of a conversation log.
type Entry struct {
	Message  domain.Message
	Delivery domain.Delivery
}

// Key is the server id once known, else the correlation id.
func (e Entry) Key() string {
	if e.Message.ID != "" {
		return e.Message.ID
	}
	return e.Message.CorrelationID
}

func pendingEntry(m domain.Message) Entry {
	return Entry{Message: m, Delivery: domain.Pending{CorrelationID: m.CorrelationID}}
}

func confirmedEntry(m domain.Message) Entry {
	return Entry{Message: m, Delivery: domain.Confirmed{ID: m.ID}}
}

// entryFor classifies an inbound message: a server id means it is persisted.
func entryFor(m domain.Message) Entry {
	if m.ID != "" {
		return confirmedEntry(m)
	}
	return pendingEntry(m)
}

// Log keeps one conversation's entries sorted by CreatedAt. Entries with
// equal timestamps keep insertion order.
type Log struct {
	entries []Entry
}

func (l *Log) Len() int {
	return len(l.entries)
}

// Entries returns a copy of the log.
func (l *Log) Entries() []Entry {
	return append([]Entry(nil), l.entries...)
}

func (l *Log) find(m domain.Message) int {
	for i := range l.entries {
		cur := l.entries[i].Message
		if m.ID != "" && cur.ID == m.ID {
			return i
		}
		if m.CorrelationID != "" && cur.CorrelationID == m.CorrelationID {
			return i
		}
	}
	return -1
}

// Lookup finds the entry matching id as a server id or a correlation id.
func (l *Log) Lookup(id string) (Entry, bool) {
	for _, e := range l.entries {
		if e.Message.ID == id || e.Message.CorrelationID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Upsert merges e into the log and reports whether anything visible changed.
//
// A confirmed entry never changes state again. A pending or failed entry
// that meets its confirmation takes the server id but keeps its position
// and timestamp. Anything unmatched is inserted in timestamp order.
func (l *Log) Upsert(e Entry) bool {
	i := l.find(e.Message)
	if i < 0 {
		l.insert(e)
		return true
	}

	cur := &l.entries[i]
	switch cur.Delivery.State() {
	case domain.DeliveryConfirmed:
		if cur.Message.CorrelationID == "" && e.Message.CorrelationID != "" {
			cur.Message.CorrelationID = e.Message.CorrelationID
		}
		return false

	case domain.DeliveryPending:
		switch d := e.Delivery.(type) {
		case domain.Confirmed:
			l.confirm(cur, e.Message, d)
			return true
		case domain.Failed:
			cur.Delivery = d
			return true
		}
		return false

	case domain.DeliveryFailed:
		switch d := e.Delivery.(type) {
		case domain.Confirmed:
			l.confirm(cur, e.Message, d)
			return true
		case domain.Pending:
			cur.Delivery = d
			return true
		}
		return false
	}
	return false
}

func (l *Log) confirm(cur *Entry, m domain.Message, d domain.Confirmed) {
	cur.Message.ID = d.ID
	if cur.Message.CorrelationID == "" {
		cur.Message.CorrelationID = m.CorrelationID
	}
	cur.Delivery = d
}

func (l *Log) insert(e Entry) {
	at := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Message.CreatedAt.After(e.Message.CreatedAt)
	})
	l.entries = append(l.entries, Entry{})
	copy(l.entries[at+1:], l.entries[at:])
	l.entries[at] = e
}
