package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/kimhsiao/reportsync/internal/errors"
)

const (
	// BcryptCost is the work factor for enrollment key hashes.
	BcryptCost = 12
	// MinEnrollmentKeyLength is the shortest accepted enrollment key.
	MinEnrollmentKeyLength = 12
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidCredentials = errors.New("invalid device credentials")
	ErrEnrollmentDisabled = errors.New("device enrollment is disabled")
)

// Claims are the verified contents of a device token.
type Claims struct {
	DeviceID  string
	ExpiresAt time.Time
}

type claimsKey struct{}

// ClaimsFromContext returns the claims stored by Authenticator.Middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// Authenticator issues and verifies HS256 device tokens.
type Authenticator struct {
	secret     []byte
	expiry     time.Duration
	enrollHash string
}

// NewAuthenticator creates an Authenticator. An empty enrollmentKeyHash
// disables Enroll.
func NewAuthenticator(secret string, expiry time.Duration, enrollmentKeyHash string) *Authenticator {
	return &Authenticator{
		secret:     []byte(secret),
		expiry:     expiry,
		enrollHash: enrollmentKeyHash,
	}
}

// IssueToken signs a token for deviceID.
func (a *Authenticator) IssueToken(deviceID string) (string, time.Time, error) {
	if strings.TrimSpace(deviceID) == "" {
		return "", time.Time{}, apperrors.New(apperrors.ErrInvalid, "device_id is required")
	}

	now := time.Now()
	expiresAt := now.Add(a.expiry)
	claims := jwt.MapClaims{
		"sub":       deviceID,
		"device_id": deviceID,
		"exp":       expiresAt.Unix(),
		"iat":       now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyToken checks the signature and expiry of tokenString.
func (a *Authenticator) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	deviceID, ok := claims["device_id"].(string)
	if !ok || deviceID == "" {
		return nil, ErrInvalidToken
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, ErrInvalidToken
	}

	return &Claims{DeviceID: deviceID, ExpiresAt: exp.Time}, nil
}

// Enroll trades the shared enrollment key for a token bound to deviceID.
func (a *Authenticator) Enroll(deviceID, key string) (string, time.Time, error) {
	if a.enrollHash == "" {
		return "", time.Time{}, ErrEnrollmentDisabled
	}
	if bcrypt.CompareHashAndPassword([]byte(a.enrollHash), []byte(key)) != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return a.IssueToken(deviceID)
}

// HashEnrollmentKey returns the bcrypt hash to configure as
// enrollment_key_hash.
func HashEnrollmentKey(key string) (string, error) {
	if len(key) < MinEnrollmentKeyLength {
		return "", fmt.Errorf("enrollment key must be at least %d characters long", MinEnrollmentKeyLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Middleware rejects requests without a valid bearer token and stores the
// claims in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			respondError(w, apperrors.New(apperrors.ErrSyncAuthFailed, "missing bearer token"))
			return
		}

		claims, err := a.VerifyToken(tokenString)
		if err != nil {
			respondError(w, apperrors.Wrap(apperrors.ErrSyncAuthFailed, "token rejected", err))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

type enrollRequest struct {
	DeviceID      string `json:"device_id"`
	EnrollmentKey string `json:"enrollment_key"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	DeviceID  string    `json:"device_id"`
}

// HandleEnroll handles POST /auth/token.
func (a *Authenticator) HandleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	token, expiresAt, err := a.Enroll(req.DeviceID, req.EnrollmentKey)
	switch {
	case errors.Is(err, ErrEnrollmentDisabled):
		respondError(w, apperrors.Wrap(apperrors.ErrNotFound, "enrollment is not enabled", err))
		return
	case errors.Is(err, ErrInvalidCredentials):
		respondError(w, apperrors.Wrap(apperrors.ErrSyncAuthFailed, "enrollment rejected", err))
		return
	case err != nil:
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt, DeviceID: req.DeviceID})
}
