package authx

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const deviceIssuer = "sos-mesh-relay"

type deviceClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// DeviceTokens issues and checks the HS256 bearer tokens handed to devices at
// registration.
type DeviceTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewDeviceTokens(secret string, ttl time.Duration) (*DeviceTokens, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("device token secret is required")
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &DeviceTokens{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (d *DeviceTokens) TTL() time.Duration { return d.ttl }

func (d *DeviceTokens) Issue(deviceID string) (string, time.Time, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return "", time.Time{}, errors.New("device id is required")
	}
	now := d.now().UTC()
	expires := now.Add(d.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, deviceClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    deviceIssuer,
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(d.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

func (d *DeviceTokens) Verify(rawToken string) (AuthContext, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return AuthContext{}, ErrInvalidToken
	}
	claims := &deviceClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(deviceIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(d.now),
	)
	if _, err := parser.ParseWithClaims(rawToken, claims, func(*jwt.Token) (any, error) {
		return d.secret, nil
	}); err != nil {
		return AuthContext{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.DeviceID) == "" {
		return AuthContext{}, ErrInvalidToken
	}
	return AuthContext{
		Kind:     KindDevice,
		Subject:  claims.Subject,
		DeviceID: claims.DeviceID,
	}, nil
}
