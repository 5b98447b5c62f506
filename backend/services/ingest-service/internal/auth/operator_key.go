package auth

import (
	"errors"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// OperatorKeyHeader carries the operator key on privileged requests.
const OperatorKeyHeader = "X-Operator-Key"

// ErrInvalidOperatorKey is returned when the operator key does not match.
var ErrInvalidOperatorKey = errors.New("auth: invalid operator key")

// OperatorKey guards operator endpoints with a bcrypt-hashed shared key. With
// an empty hash every request is allowed.
type OperatorKey struct {
	hash []byte
}

// NewOperatorKey returns a key checker for a bcrypt hash.
func NewOperatorKey(hash string) *OperatorKey {
	return &OperatorKey{hash: []byte(hash)}
}

// HashOperatorKey hashes a plain key for configuration.
func HashOperatorKey(key string, cost int) (string, error) {
	if key == "" {
		return "", errors.New("auth: empty operator key")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Enabled reports whether the key is checked.
func (k *OperatorKey) Enabled() bool {
	return k != nil && len(k.hash) > 0
}

// Verify compares a presented key with the stored hash.
func (k *OperatorKey) Verify(key string) error {
	if !k.Enabled() {
		return nil
	}
	if key == "" || bcrypt.CompareHashAndPassword(k.hash, []byte(key)) != nil {
		return ErrInvalidOperatorKey
	}
	return nil
}

// Require wraps next so it only runs with a valid operator key.
func (k *OperatorKey) Require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := k.Verify(r.Header.Get(OperatorKeyHeader)); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"status":"error","error":"invalid operator key"}`))
			return
		}
		next(w, r)
	}
}
