package model

import (
	"errors"
	"fmt"
)

// ObjectKind distinguishes sets from single objects.
type ObjectKind string

const (
	KindSet    ObjectKind = "set"
	KindObject ObjectKind = "object"
)

// StreamState of a set.
type StreamState string

const (
	StreamOpen   StreamState = "open"
	StreamClosed StreamState = "closed"
)

// Object is an output registered by a protocol.
type Object struct {
	ID int64 `json:"id"`
	// ProtocolID is the run that created the object.
	ProtocolID  int64       `json:"protocol_id"`
	Name        string      `json:"name"`
	Kind        ObjectKind  `json:"kind"`
	StreamState StreamState `json:"stream_state"`
	Size        int         `json:"size"`
}

// IsStreamOpen reports whether the object is a set still being appended to.
func (o *Object) IsStreamOpen() bool {
	return o.Kind == KindSet && o.StreamState == StreamOpen
}

// PointerKind tags a Pointer.
type PointerKind string

const (
	// PointerProtocol targets a protocol directly.
	PointerProtocol PointerKind = "protocol"
	// PointerExtended targets the named output of an owner protocol.
	PointerExtended PointerKind = "extended"
	// PointerLegacy targets an object by id; its creator must be looked up.
	PointerLegacy PointerKind = "legacy"
)

// Pointer references the output of another protocol.
type Pointer struct {
	Kind       PointerKind `json:"kind"`
	ProtocolID int64       `json:"protocol_id,omitempty"`
	OwnerID    int64       `json:"owner_id,omitempty"`
	Path       string      `json:"path,omitempty"`
	ObjectID   int64       `json:"object_id,omitempty"`
}

// ProtocolRef points at a whole protocol.
func ProtocolRef(id int64) Pointer { return Pointer{Kind: PointerProtocol, ProtocolID: id} }

// ExtendedRef points at output path of the owner protocol.
func ExtendedRef(owner int64, path string) Pointer {
	return Pointer{Kind: PointerExtended, OwnerID: owner, Path: path}
}

// LegacyRef points at an object by id.
func LegacyRef(objectID int64) Pointer { return Pointer{Kind: PointerLegacy, ObjectID: objectID} }

// ErrUnresolved is returned when a pointer's producer cannot be determined.
var ErrUnresolved = errors.New("pointer cannot be resolved")

// CreatorLookup returns the protocol that produced an object.
type CreatorLookup func(objectID int64) (int64, bool)

// Producer resolves the protocol that produces what p points at.
func (p Pointer) Producer(creatorOf CreatorLookup) (int64, error) {
	switch p.Kind {
	case PointerProtocol:
		return p.ProtocolID, nil
	case PointerExtended:
		return p.OwnerID, nil
	case PointerLegacy:
		if creatorOf != nil {
			if id, ok := creatorOf(p.ObjectID); ok {
				return id, nil
			}
		}
		return 0, fmt.Errorf("object %d: %w", p.ObjectID, ErrUnresolved)
	default:
		return 0, fmt.Errorf("pointer kind %q: %w", p.Kind, ErrUnresolved)
	}
}

func (p Pointer) String() string {
	switch p.Kind {
	case PointerProtocol:
		return fmt.Sprintf("protocol:%d", p.ProtocolID)
	case PointerExtended:
		return fmt.Sprintf("protocol:%d.%s", p.OwnerID, p.Path)
	case PointerLegacy:
		return fmt.Sprintf("object:%d", p.ObjectID)
	}
	return "pointer:invalid"
}
