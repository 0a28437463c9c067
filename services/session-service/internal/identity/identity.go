// Package identity names the participants of a session and the rooms that
// address them.
package identity

import (
	"errors"
	"strings"

	"github.com/md-rashed-zaman/telehealth/libs/apperr"
	"github.com/md-rashed-zaman/telehealth/libs/auth"
)

type Role string

const (
	RolePatient   Role = "patient"
	RoleTherapist Role = "therapist"
)

// Room prefixes. Patients are addressed through "user-" rooms.
const (
	userRoomPrefix      = "user-"
	therapistRoomPrefix = "therapist-"
)

const maxIDLen = 64

var errBadKey = errors.New("malformed identity key")

// ParseRole accepts the role strings carried in tokens; "user" is an alias for patient.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "patient", "user":
		return RolePatient, nil
	case "therapist":
		return RoleTherapist, nil
	default:
		return "", apperr.Validation("unknown role")
	}
}

type Identity struct {
	ID   string `json:"userId"`
	Role Role   `json:"role"`
}

func New(id string, role Role) (Identity, error) {
	if err := ValidateID(id); err != nil {
		return Identity{}, err
	}
	if role != RolePatient && role != RoleTherapist {
		return Identity{}, apperr.Validation("unknown role")
	}
	return Identity{ID: id, Role: role}, nil
}

func FromPrincipal(p auth.Principal) (Identity, error) {
	role, err := ParseRole(p.Role)
	if err != nil {
		return Identity{}, apperr.Unauthorized("token carries an unknown role")
	}
	id, err := New(p.UserID, role)
	if err != nil {
		return Identity{}, apperr.Unauthorized("token carries an invalid subject")
	}
	return id, nil
}

// RoomID is the identity's own broadcast room.
func (i Identity) RoomID() string { return RoomFor(i.Role, i.ID) }

// Key is a stable string form used by presence counters.
func (i Identity) Key() string { return string(i.Role) + ":" + i.ID }

func (i Identity) String() string { return i.Key() }

func ParseKey(key string) (Identity, error) {
	role, id, ok := strings.Cut(key, ":")
	if !ok {
		return Identity{}, errBadKey
	}
	r, err := ParseRole(role)
	if err != nil {
		return Identity{}, errBadKey
	}
	return New(id, r)
}

func RoomFor(role Role, id string) string {
	if role == RoleTherapist {
		return therapistRoomPrefix + id
	}
	return userRoomPrefix + id
}

func UserRoom(id string) string      { return userRoomPrefix + id }
func TherapistRoom(id string) string { return therapistRoomPrefix + id }

// BothRooms addresses an id under both role prefixes. Relay and call
// notifications fan out this way regardless of the recipient's actual role.
func BothRooms(id string) []string {
	return []string{UserRoom(id), TherapistRoom(id)}
}

// ValidateID accepts 1-64 characters from [A-Za-z0-9_-].
func ValidateID(id string) error {
	if id == "" {
		return apperr.Validation("id is required")
	}
	if len(id) > maxIDLen {
		return apperr.Validation("id is too long")
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return apperr.Validation("id contains invalid characters")
		}
	}
	return nil
}
