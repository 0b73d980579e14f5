package memory

import (
	"container/heap"
	"time"

	"github.com/outpostlabs/sessvault/id"
)

// trackedField is a scheduled field-level expiry. mark is the *time.Time
// stored in the field entry at the time this item was scheduled; if the
// field has since been rewritten (a new *time.Time installed), mark no
// longer matches what's in the map and popping this item is a stale no-op.
type trackedField struct {
	expires time.Time
	sid     id.ID
	field   string
	mark    *time.Time
}

type trackedFields []*trackedField

func (tf trackedFields) Len() int           { return len(tf) }
func (tf trackedFields) Less(i, j int) bool { return tf[i].expires.Before(tf[j].expires) }
func (tf trackedFields) Swap(i, j int)      { tf[i], tf[j] = tf[j], tf[i] }
func (tf *trackedFields) Push(e any)        { *tf = append(*tf, e.(*trackedField)) }
func (tf *trackedFields) Pop() any {
	n := len(*tf)
	e := (*tf)[n-1]
	(*tf)[n-1] = nil
	*tf = (*tf)[:n-1]
	return e
}

// fieldEvictionQueue is a min-heap of scheduled field expirations.
type fieldEvictionQueue struct {
	items trackedFields
}

func newFieldEvictionQueue() *fieldEvictionQueue {
	eq := new(fieldEvictionQueue)
	heap.Init(&eq.items)
	return eq
}

func (eq *fieldEvictionQueue) Push(sid id.ID, field string, expires time.Time, mark *time.Time) {
	heap.Push(&eq.items, &trackedField{expires: expires, sid: sid, field: field, mark: mark})
}

func (eq *fieldEvictionQueue) Pop() *trackedField {
	return heap.Pop(&eq.items).(*trackedField)
}

func (eq *fieldEvictionQueue) Peek() *trackedField {
	return eq.items[0]
}

func (eq *fieldEvictionQueue) Len() int {
	return eq.items.Len()
}

// trackedSession is a scheduled whole-session expiry, invalidated the same
// way as trackedField.
type trackedSession struct {
	expires time.Time
	sid     id.ID
	mark    *time.Time
}

type trackedSessions []*trackedSession

func (ts trackedSessions) Len() int           { return len(ts) }
func (ts trackedSessions) Less(i, j int) bool { return ts[i].expires.Before(ts[j].expires) }
func (ts trackedSessions) Swap(i, j int)      { ts[i], ts[j] = ts[j], ts[i] }
func (ts *trackedSessions) Push(e any)        { *ts = append(*ts, e.(*trackedSession)) }
func (ts *trackedSessions) Pop() any {
	n := len(*ts)
	e := (*ts)[n-1]
	(*ts)[n-1] = nil
	*ts = (*ts)[:n-1]
	return e
}

// sessionEvictionQueue is a min-heap of scheduled whole-session expirations.
type sessionEvictionQueue struct {
	items trackedSessions
}

func newSessionEvictionQueue() *sessionEvictionQueue {
	eq := new(sessionEvictionQueue)
	heap.Init(&eq.items)
	return eq
}

func (eq *sessionEvictionQueue) Push(sid id.ID, expires time.Time, mark *time.Time) {
	heap.Push(&eq.items, &trackedSession{expires: expires, sid: sid, mark: mark})
}

func (eq *sessionEvictionQueue) Pop() *trackedSession {
	return heap.Pop(&eq.items).(*trackedSession)
}

func (eq *sessionEvictionQueue) Peek() *trackedSession {
	return eq.items[0]
}

func (eq *sessionEvictionQueue) Len() int {
	return eq.items.Len()
}
