package manager

import "github.com/google/uuid"

// IDGenerator issues command ids.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator issues time-sortable UUIDv7 command ids.
type UUIDv7Generator struct{}

// Generate implements IDGenerator.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
