package rtsp

import (
	"github.com/bluenviron/gortsplib/v4/pkg/auth"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func signedRequest(t *testing.T, a *authorizer, method base.Method) *base.Request {
	u, err := base.ParseURL("rtsp://cam/live")
	require.NoError(t, err)
	req := newRequest(method, u)
	a.authorize(req)
	return req
}

func TestDigestResponse(t *testing.T) {
	a, err := newAuthorizer(Credentials{User: "u", Password: "p"}, base.HeaderValue{`Digest realm="r", nonce="n"`})
	require.NoError(t, err)
	req := signedRequest(t, a, base.Describe)
	assert.True(t, strings.HasPrefix(headerValue(req.Header, "Authorization"), "Digest "))
	assert.NoError(t, auth.Verify(req, "u", "p", nil, "r", "n"))
	assert.Error(t, auth.Verify(req, "u", "wrong", nil, "r", "n"))
}

func TestDigestEchoesOpaque(t *testing.T) {
	a, err := newAuthorizer(Credentials{User: "u", Password: "p"}, base.HeaderValue{
		`Digest realm="r", nonce="n", opaque="5ccc069c403ebaf9f0171e9517f40e41"`,
	})
	require.NoError(t, err)
	req := signedRequest(t, a, base.Setup)
	assert.Contains(t, headerValue(req.Header, "Authorization"), `opaque="5ccc069c403ebaf9f0171e9517f40e41"`)
	assert.NoError(t, auth.Verify(req, "u", "p", nil, "r", "n"))
}

func TestDigestPreferredOverBasic(t *testing.T) {
	a, err := newAuthorizer(Credentials{User: "u", Password: "p"}, base.HeaderValue{
		`Basic realm="cam"`,
		`Digest realm="cam", nonce="abc"`,
	})
	require.NoError(t, err)
	req := signedRequest(t, a, base.Options)
	assert.Contains(t, headerValue(req.Header, "Authorization"), `nonce="abc"`)
}

func TestBasic(t *testing.T) {
	a, err := newAuthorizer(Credentials{User: "Aladdin", Password: "open sesame"}, base.HeaderValue{`Basic realm="x"`})
	require.NoError(t, err)
	req := signedRequest(t, a, base.Options)
	assert.Equal(t, "Basic QWxhZGRpbjpvcGVuIHNlc2FtZQ==", headerValue(req.Header, "Authorization"))
}

func TestCameraChallengeQuirks(t *testing.T) {
	assert.Equal(t, base.HeaderValue{
		`Basic realm=""`,
		`Digest realm="r", nonce="n"`,
		`Basic charset="UTF-8", realm=""`,
	}, normalizeChallenges(base.HeaderValue{"basic", `DIGEST realm="r", nonce="n"`, `BASIC charset="UTF-8"`}))

	a, err := newAuthorizer(Credentials{User: "Aladdin", Password: "open sesame"}, base.HeaderValue{"basic"})
	require.NoError(t, err)
	req := signedRequest(t, a, base.Describe)
	assert.Equal(t, "Basic QWxhZGRpbjpvcGVuIHNlc2FtZQ==", headerValue(req.Header, "Authorization"))
}

func TestUnsupportedChallenge(t *testing.T) {
	_, err := newAuthorizer(Credentials{}, base.HeaderValue{`Digest realm="r", nonce="n", algorithm=SHA-512`, "Bearer"})
	assert.Error(t, err)
}
