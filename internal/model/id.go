package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const sessionIDPrefix = "ses_"

// NewSessionID returns a fresh commutation session id.
func NewSessionID() string {
	return sessionIDPrefix + uuid.NewString()
}

// ParseSessionID validates a session id and returns its uuid part.
func ParseSessionID(id string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(id, sessionIDPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("invalid session id: %s", id)
	}
	u, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session id %s: %w", id, err)
	}
	return u, nil
}
