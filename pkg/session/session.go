// Package session keeps pairing sessions between a desktop and a mobile connection.
package session

import (
	"fmt"
	"time"

	"github.com/camlink/camlink/pkg/com"
	"github.com/google/uuid"
)

// Id is an opaque session token.
// It is a random (v4) UUID, so it can't be guessed from previously issued ids.
type Id string

func NewId() Id { return Id(uuid.NewString()) }

// ParseId checks that the string is a session id.
func ParseId(s string) (Id, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return Id(u.String()), nil
}

func (id Id) String() string { return string(id) }

func (id Id) Short() string {
	if len(id) < 8 {
		return string(id)
	}
	return string(id[:8])
}

type State uint8

const (
	Pending State = iota
	Paired
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Paired:
		return "paired"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Session is a pairing context between exactly one desktop and one mobile connection.
type Session struct {
	Id        Id
	Desktop   com.Uid
	Mobile    com.Uid
	CreatedAt time.Time

	state State
	// expiry is set while the session is pending
	expiry Timer
}

// Info is a snapshot of a session.
type Info struct {
	Id        Id
	Desktop   com.Uid
	Mobile    com.Uid
	CreatedAt time.Time
	State     State
}

func (s *Session) info() Info {
	return Info{Id: s.Id, Desktop: s.Desktop, Mobile: s.Mobile, CreatedAt: s.CreatedAt, State: s.state}
}

// counterpart returns the other member of the session and
// whether the conn is a member at all.
func (s *Session) counterpart(conn com.Uid) (com.Uid, bool) {
	switch conn {
	case s.Desktop:
		return s.Mobile, true
	case s.Mobile:
		if s.Mobile.IsNil() {
			return com.NilUid, false
		}
		return s.Desktop, true
	}
	return com.NilUid, false
}

// cancelExpiry stops the timer once, the only way it's removed.
func (s *Session) cancelExpiry() {
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
}
