// Package link makes the pairing links a mobile opens to join a session.
package link

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/camlink/camlink/pkg/session"
	"github.com/skip2/go-qrcode"
)

const (
	Path  = "/mobile-camera"
	Param = "sessionId"
)

var ErrBadLink = errors.New("bad pairing link")

// Build makes {origin}/mobile-camera?sessionId={id}.
func Build(origin string, id session.Id) string {
	return strings.TrimSuffix(origin, "/") + Path + "?" + url.Values{Param: {id.String()}}.Encode()
}

// Parse takes the session id from a pairing link.
// A bare session id is accepted too.
func Parse(raw string) (session.Id, error) {
	raw = strings.TrimSpace(raw)
	if id, err := session.ParseId(raw); err == nil {
		return id, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadLink, err)
	}
	v := u.Query().Get(Param)
	if v == "" {
		return "", fmt.Errorf("%w: no %v", ErrBadLink, Param)
	}
	id, err := session.ParseId(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadLink, err)
	}
	return id, nil
}

// QR renders the link as a PNG QR code of the size in pixels.
func QR(link string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(link, qrcode.Medium, size)
}

// Terminal renders the link as a QR code made of text blocks.
func Terminal(link string) (string, error) {
	q, err := qrcode.New(link, qrcode.Low)
	if err != nil {
		return "", err
	}
	return q.ToSmallString(false), nil
}
