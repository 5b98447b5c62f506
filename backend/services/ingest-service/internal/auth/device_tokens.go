package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when a request carries no device token.
	ErrMissingToken = errors.New("auth: missing device token")
	// ErrDeviceMismatch is returned when the token belongs to another device.
	ErrDeviceMismatch = errors.New("auth: token issued for another device")
)

// DeviceClaims represents the JWT payload of a device token.
type DeviceClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// DeviceTokens issues and validates device JWTs. With an empty secret every
// request is allowed.
type DeviceTokens struct {
	secret    []byte
	expiresIn time.Duration
}

// NewDeviceTokens returns configured token service.
func NewDeviceTokens(secret string, expiresIn time.Duration) *DeviceTokens {
	if expiresIn <= 0 {
		expiresIn = 24 * time.Hour
	}
	return &DeviceTokens{secret: []byte(secret), expiresIn: expiresIn}
}

// Enabled reports whether tokens are checked.
func (t *DeviceTokens) Enabled() bool {
	return t != nil && len(t.secret) > 0
}

// Generate issues a token for deviceID.
func (t *DeviceTokens) Generate(deviceID string) (string, error) {
	if deviceID == "" {
		return "", errors.New("auth: device id is required")
	}
	now := time.Now().UTC()
	claims := DeviceClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiresIn)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Validate verifies and decodes a device token.
func (t *DeviceTokens) Validate(tokenString string) (*DeviceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DeviceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("auth: unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*DeviceClaims); ok && token.Valid && claims.DeviceID != "" {
		return claims, nil
	}
	return nil, errors.New("auth: invalid claims")
}

// Authorize checks that r carries a valid token for deviceID, either as a
// bearer header or a "token" query parameter.
func (t *DeviceTokens) Authorize(r *http.Request, deviceID string) error {
	if !t.Enabled() {
		return nil
	}
	raw := bearerToken(r)
	if raw == "" {
		return ErrMissingToken
	}
	claims, err := t.Validate(raw)
	if err != nil {
		return err
	}
	if claims.DeviceID != deviceID {
		return ErrDeviceMismatch
	}
	return nil
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
