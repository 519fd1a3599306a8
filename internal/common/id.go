package common

import (
	"github.com/google/uuid"
)

// NewObjectID generates a unique metadata object identifier
func NewObjectID() string {
	return uuid.New().String()
}

// NewTicketID generates a unique cache ticket identifier
func NewTicketID() string {
	return "tkt_" + uuid.New().String()
}
