// Package auth implements the connection credential contract: issue a
// bearer token for a device, validate it at connect time. The rest of the
// server treats this as opaque.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// DefaultTokenTTL is how long an issued token stays valid.
const DefaultTokenTTL = 24 * time.Hour

var errDeviceMismatch = errors.New("auth: token issued for a different device")

// Validator is the contract the broadcast layer depends on.
type Validator interface {
	ValidateConnection(deviceID, token string) bool
	IssueToken(deviceID, fingerprint, platform string) (string, error)
}

type deviceClaims struct {
	jwt.RegisteredClaims
	DeviceID    string `json:"deviceId"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Platform    string `json:"platform,omitempty"`
}

// JWT validates and issues HS256 device tokens. With optional mode on,
// invalid credentials are accepted but logged loudly. That is the fallback
// for a validation outage, never the default.
type JWT struct {
	secret   []byte
	ttl      time.Duration
	optional bool
	log      *zap.Logger
	now      func() time.Time
}

// NewJWT returns a validator over the shared secret.
func NewJWT(secret string, optional bool, log *zap.Logger) *JWT {
	if log == nil {
		log = zap.NewNop()
	}
	return &JWT{
		secret:   []byte(secret),
		ttl:      DefaultTokenTTL,
		optional: optional,
		log:      log,
		now:      time.Now,
	}
}

// IssueToken mints a token bound to the device.
func (j *JWT) IssueToken(deviceID, fingerprint, platform string) (string, error) {
	if deviceID == "" {
		return "", errors.New("auth: device id required")
	}
	now := j.now()
	claims := deviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
		DeviceID:    deviceID,
		Fingerprint: fingerprint,
		Platform:    platform,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateConnection checks the token signature, expiry, and device
// binding. In optional mode failures are accepted and logged.
func (j *JWT) ValidateConnection(deviceID, token string) bool {
	err := j.validate(deviceID, token)
	if err == nil {
		return true
	}
	if j.optional {
		j.log.Warn("AUTH FALLBACK: accepting connection with invalid credentials",
			zap.String("device", deviceID), zap.Error(err))
		return true
	}
	j.log.Info("rejected connection", zap.String("device", deviceID), zap.Error(err))
	return false
}

func (j *JWT) validate(deviceID, token string) error {
	if deviceID == "" || token == "" {
		return errors.New("auth: missing device id or token")
	}
	var claims deviceClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithTimeFunc(j.now))
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return errors.New("auth: invalid token")
	}
	if claims.DeviceID != deviceID {
		return errDeviceMismatch
	}
	return nil
}
