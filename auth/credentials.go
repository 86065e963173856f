package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"psamonitor/models"
)

// Credentials are what a caller presented: a device API key, a bearer token, or both.
type Credentials struct {
	APIKey      string
	BearerToken string
}

// FromRequest extracts credentials from the X-API-Key header (or api_key
// query parameter) and the Authorization header.
func FromRequest(r *http.Request) Credentials {
	key := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if key == "" {
		key = strings.TrimSpace(r.URL.Query().Get("api_key"))
	}
	return Credentials{APIKey: key, BearerToken: extractBearer(r.Header.Get("Authorization"))}
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// Verifier checks credentials against the configured device key and JWT secret
type Verifier struct {
	deviceKey []byte
	jwtSecret []byte
}

func NewVerifier(deviceKey, jwtSecret string) *Verifier {
	return &Verifier{deviceKey: []byte(deviceKey), jwtSecret: []byte(jwtSecret)}
}

// Subject describes an authenticated caller.
type Subject struct {
	Device bool
	Name   string
	Role   Role
}

// Authenticate accepts the device key, or a bearer token carrying at least
// the required web role. Failures wrap models.ErrUnauthorized.
func (v *Verifier) Authenticate(creds Credentials, required Role) (*Subject, error) {
	if creds.APIKey != "" {
		if len(v.deviceKey) > 0 && subtle.ConstantTimeCompare([]byte(creds.APIKey), v.deviceKey) == 1 {
			return &Subject{Device: true, Name: "device"}, nil
		}
		return nil, fmt.Errorf("%w: invalid api key", models.ErrUnauthorized)
	}
	if creds.BearerToken != "" {
		if len(v.jwtSecret) == 0 {
			return nil, fmt.Errorf("%w: bearer tokens are not enabled", models.ErrUnauthorized)
		}
		claims, err := ParseJWT(creds.BearerToken, v.jwtSecret)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
		}
		role, _ := NormalizeRole(claims.Role)
		if !RoleAtLeast(role, required) {
			return nil, fmt.Errorf("%w: role %s below %s", models.ErrUnauthorized, role, required)
		}
		return &Subject{Name: claims.Subject, Role: role}, nil
	}
	return nil, fmt.Errorf("%w: missing credentials", models.ErrUnauthorized)
}
