// Package sid mints and authenticates session identifiers.
//
// A session ID has the form
//
//	<base64url payload>.<base64url MAC>
//
// where the payload is 16 random bytes and the MAC is HMAC-SHA256 over the
// encoded payload, keyed by a key derived (HKDF-SHA256) from a configured
// secret. Only authenticated IDs are ever handed to the session cache, so a
// client cannot choose the ID of a session it did not receive from us.
//
// IDs given to clients are additionally qualified with the name of the node
// that issued them (<id>.<node>). The node suffix is informational: every node
// sharing the secret accepts IDs minted by any other, and caches key on the
// unqualified ID.
package sid

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	separator = "."
	keyLen    = 32
	macLen    = 43 // base64url (unpadded) length of a 32 byte MAC
	hkdfInfo  = "session-cache sid v1"
)

var (
	// ErrBadID indicates that the ID string is structurally invalid.
	ErrBadID = errors.New("bad session ID")
	// ErrInvalidID indicates that the ID string fails authenticity checks.
	ErrInvalidID = errors.New("invalid session ID")
	// ErrBadNode indicates an unusable node name.
	ErrBadNode = errors.New("bad node name")
)

// Generator mints and verifies session IDs for one node.
type Generator struct {
	key  []byte
	node string
}

// New returns a Generator deriving its MAC key from secret. The node name may
// be empty, in which case IDs handed to clients are not qualified.
func New(secret []byte, node string) (*Generator, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty session ID secret")
	}
	if strings.Contains(node, separator) {
		return nil, fmt.Errorf("node name %q contains %q: %w", node, separator, ErrBadNode)
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive session ID key: %w", err)
	}
	return &Generator{key: key, node: node}, nil
}

// Node returns the node name.
func (g *Generator) Node() string {
	return g.node
}

func (g *Generator) mac(payload string) string {
	h := hmac.New(sha256.New, g.key)
	h.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// NewID returns a fresh, unqualified session ID.
func (g *Generator) NewID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(u[:])
	return payload + separator + g.mac(payload), nil
}

// Qualify appends this node's name to the provided ID.
func (g *Generator) Qualify(id string) string {
	if g.node == "" {
		return id
	}
	return id + separator + g.node
}

// Verify checks the authenticity of the provided (optionally qualified) ID,
// returning the unqualified ID and the node name, if any.
func (g *Generator) Verify(v string) (id, node string, err error) {
	parts := strings.Split(v, separator)
	switch len(parts) {
	case 2:
	case 3:
		node = parts[2]
	default:
		return "", "", fmt.Errorf("expected 2 or 3 segments, got %d: %w", len(parts), ErrBadID)
	}
	payload, mac := parts[0], parts[1]
	if len(mac) != macLen {
		return "", "", fmt.Errorf("incorrect MAC length: %w", ErrBadID)
	}
	if _, err := base64.RawURLEncoding.DecodeString(payload); err != nil {
		return "", "", fmt.Errorf("failed to decode payload (error: %v): %w", err, ErrBadID)
	}
	if !hmac.Equal([]byte(g.mac(payload)), []byte(mac)) {
		return "", "", fmt.Errorf("session ID MAC verification failed: %w", ErrInvalidID)
	}
	return payload + separator + mac, node, nil
}
