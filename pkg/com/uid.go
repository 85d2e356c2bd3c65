package com

import "github.com/rs/xid"

// Uid is a sortable connection id.
type Uid struct {
	xid.ID
}

var NilUid = Uid{xid.NilID()}

func NewUid() Uid { return Uid{xid.New()} }

// UidFromString parses a string representation of the id.
func UidFromString(s string) (Uid, error) {
	id, err := xid.FromString(s)
	if err != nil {
		return NilUid, err
	}
	return Uid{id}, nil
}

func (u Uid) IsEmpty() bool { return u.IsNil() }
func (u Uid) Short() string { s := u.String(); return s[:3] + "." + s[len(s)-3:] }
