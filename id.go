package savedobjects

import (
	"github.com/google/uuid"
)

// NewID generates the id given to saved objects created without one.
// UUIDv7 ids sort by creation time, which keeps freshly created documents
// adjacent in the index.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
