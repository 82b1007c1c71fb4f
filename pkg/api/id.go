package api

import "github.com/google/uuid"

// NewID returns a random identifier for sessions, requests and audit events.
func NewID() string {
	return uuid.New().String()
}
