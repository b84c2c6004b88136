package client

import (
	"github.com/goccy/go-json"

	"github.com/benitogf/relay"
)

// Status is the lifecycle phase of a subscribed node.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
)

// State is the snapshot handed to subscribers.
type State struct {
	Key    string
	Data   json.RawMessage
	Meta   *relay.NodeMeta
	Status Status
	Stale  bool
	Err    error
}

// Subscriber receives state snapshots for one key.
type Subscriber func(State)

// nodeState is the engine-internal record for one subscribed key.
// Created on first subscription, destroyed when the subscriber set
// becomes empty.
type nodeState struct {
	data         json.RawMessage
	meta         *relay.NodeMeta
	status       Status
	stale        bool
	err          error
	subscribers  map[int]Subscriber
	nextSub      int
	optimistic   bool
	rollbackData json.RawMessage
}

func newNodeState() *nodeState {
	return &nodeState{
		status:      StatusIdle,
		stale:       true,
		subscribers: make(map[int]Subscriber),
	}
}

func (n *nodeState) snapshot(key string) State {
	return State{
		Key:    key,
		Data:   n.data,
		Meta:   n.meta,
		Status: n.status,
		Stale:  n.stale,
		Err:    n.err,
	}
}

func (n *nodeState) listeners() []Subscriber {
	fns := make([]Subscriber, 0, len(n.subscribers))
	for _, fn := range n.subscribers {
		fns = append(fns, fn)
	}
	return fns
}
