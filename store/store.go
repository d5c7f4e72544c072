// Package store defines the persistence interfaces used by the engine.
package store

import (
	"errors"
	"time"

	"github.com/jxucoder/microcase/model"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("not found")

// SessionStore persists session records.
type SessionStore interface {
	CreateSession(sess *model.Session) error
	GetSession(id string) (*model.Session, error)
	UpdateSession(sess *model.Session) error
	DeleteSession(id string) error
	ListSessions() ([]*model.Session, error)
	// ListExpired returns sessions last updated before the cutoff, oldest first.
	ListExpired(before time.Time) ([]*model.Session, error)
}

// EventLog is implemented by stores that keep a durable copy of emitted events.
type EventLog interface {
	AddEvent(event *model.Event) error
	GetEvents(sessionID string, afterID int64) ([]*model.Event, error)
}

// Cache keeps accepted microcases and per-requester progress across sessions,
// keyed by the hash of a normalized source reference.
type Cache interface {
	// PutMicrocases replaces the cached microcases for a key.
	PutMicrocases(cacheKey string, entries []model.CachedMicrocase) error
	GetMicrocases(cacheKey string) ([]model.CachedMicrocase, error)
	MarkSolved(requesterID, cacheKey string, microcaseID int) error
	// Solved returns the solved microcase IDs in ascending order.
	Solved(requesterID, cacheKey string) ([]int, error)
}
