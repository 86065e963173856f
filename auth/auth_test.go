package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"psamonitor/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func TestParseJWT(t *testing.T) {
	token, err := IssueJWT("ana", RoleOperator, testSecret, time.Hour)
	require.NoError(t, err)

	claims, err := ParseJWT(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Role)
	assert.Equal(t, "ana", claims.Subject)

	_, err = ParseJWT(token, []byte("other"))
	assert.Error(t, err)

	expired, err := IssueJWT("ana", RoleAdmin, testSecret, -time.Minute)
	require.NoError(t, err)
	_, err = ParseJWT(expired, testSecret)
	assert.Error(t, err)

	_, err = ParseJWT("", testSecret)
	assert.Error(t, err)
}

func TestRoleAtLeast(t *testing.T) {
	assert.True(t, RoleAtLeast(RoleAdmin, RoleViewer))
	assert.True(t, RoleAtLeast(RoleOperator, RoleOperator))
	assert.False(t, RoleAtLeast(RoleViewer, RoleAdmin))
	assert.False(t, RoleAtLeast(Role("guest"), RoleViewer))

	role, ok := NormalizeRole(" Operador ")
	assert.True(t, ok)
	assert.Equal(t, RoleOperator, role)
}

func TestVerifier_Authenticate(t *testing.T) {
	v := NewVerifier("device-key", string(testSecret))

	subject, err := v.Authenticate(Credentials{APIKey: "device-key"}, RoleAdmin)
	require.NoError(t, err)
	assert.True(t, subject.Device)

	_, err = v.Authenticate(Credentials{APIKey: "wrong"}, RoleAdmin)
	assert.True(t, errors.Is(err, models.ErrUnauthorized))

	_, err = v.Authenticate(Credentials{}, RoleViewer)
	assert.True(t, errors.Is(err, models.ErrUnauthorized))

	viewer, err := IssueJWT("web", RoleViewer, testSecret, time.Hour)
	require.NoError(t, err)
	_, err = v.Authenticate(Credentials{BearerToken: viewer}, RoleViewer)
	assert.NoError(t, err)
	_, err = v.Authenticate(Credentials{BearerToken: viewer}, RoleAdmin)
	assert.True(t, errors.Is(err, models.ErrUnauthorized))
}

func TestVerifier_BearerDisabledWithoutSecret(t *testing.T) {
	v := NewVerifier("device-key", "")
	token, err := IssueJWT("web", RoleAdmin, testSecret, time.Hour)
	require.NoError(t, err)

	_, err = v.Authenticate(Credentials{BearerToken: token}, RoleViewer)
	assert.True(t, errors.Is(err, models.ErrUnauthorized))
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/v1/plantas?api_key=abc", nil)
	r.Header.Set("Authorization", "Bearer tok123")
	creds := FromRequest(r)
	assert.Equal(t, "abc", creds.APIKey)
	assert.Equal(t, "tok123", creds.BearerToken)

	r = httptest.NewRequest("GET", "/api/v1/plantas", nil)
	r.Header.Set("X-API-Key", "header-key")
	r.Header.Set("Authorization", "Basic xyz")
	creds = FromRequest(r)
	assert.Equal(t, "header-key", creds.APIKey)
	assert.Empty(t, creds.BearerToken)
}
