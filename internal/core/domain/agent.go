package domain

import "time"

// AgentDescriptor is a discovered, reachable agent. Descriptors are replaced
// whole on every successful probe and never mutated in place.
type AgentDescriptor struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Address  string    `json:"address"`
	BaseURL  string    `json:"base_url"`
	Manifest AgentCard `json:"manifest"`
	LastSeen time.Time `json:"last_seen"`
	// FirstSeen orders candidates during routing.
	FirstSeen time.Time `json:"first_seen"`
	seq       uint64
}

// Seq returns the registration sequence number assigned by the registry.
func (d AgentDescriptor) Seq() uint64 {
	return d.seq
}

// WithSeq returns a copy of d carrying the registration sequence number.
func (d AgentDescriptor) WithSeq(seq uint64) AgentDescriptor {
	d.seq = seq
	return d
}
