package model

import "github.com/oklog/ulid/v2"

// NewID generates a ULID string used to tag launch attempts and API requests.
func NewID() string {
	return ulid.Make().String()
}
