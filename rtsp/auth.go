package rtsp

import (
	"github.com/bluenviron/gortsplib/v4/pkg/auth"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/headers"
	"strings"
)

type Credentials struct {
	User     string
	Password string
}

// authorizer signs requests once the server has challenged us.
type authorizer struct {
	sender *auth.Sender
	// Echoed back in Digest answers; the sender leaves it out.
	opaque *string
}

// newAuthorizer picks Digest over Basic when the server offers both.
func newAuthorizer(creds Credentials, challenges base.HeaderValue) (*authorizer, error) {
	challenges = normalizeChallenges(challenges)
	se := &auth.Sender{
		WWWAuth: challenges,
		User:    creds.User,
		Pass:    creds.Password,
	}
	if err := se.Initialize(); err != nil {
		return nil, err
	}
	a := &authorizer{sender: se}
	for _, c := range challenges {
		var h headers.Authenticate
		if h.Unmarshal(base.HeaderValue{c}) == nil && h.Method == headers.AuthMethodDigest && h.Opaque != nil {
			a.opaque = h.Opaque
			break
		}
	}
	return a, nil
}

func (a *authorizer) authorize(req *base.Request) {
	a.sender.AddAuthorization(req)
	if a.opaque == nil {
		return
	}
	var h headers.Authorization
	if err := h.Unmarshal(req.Header["Authorization"]); err == nil && h.Method == headers.AuthMethodDigest {
		h.Opaque = a.opaque
		req.Header["Authorization"] = h.Marshal()
	}
}

// normalizeChallenges fixes what some cameras get wrong: the scheme in
// the wrong case, or Basic without a realm.
func normalizeChallenges(challenges base.HeaderValue) base.HeaderValue {
	out := make(base.HeaderValue, 0, len(challenges))
	for _, c := range challenges {
		scheme, params, _ := strings.Cut(strings.TrimSpace(c), " ")
		switch strings.ToLower(scheme) {
		case "digest":
			scheme = "Digest"
		case "basic":
			scheme = "Basic"
			if !strings.Contains(strings.ToLower(params), "realm=") {
				params = strings.TrimLeft(params+`, realm=""`, ", ")
			}
		}
		out = append(out, scheme+" "+strings.TrimSpace(params))
	}
	return out
}
