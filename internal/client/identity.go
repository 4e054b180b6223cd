package client

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redditagent/bridge/internal/storage"
)

// Identity is the device keypair. The device id is derived from the public
// key, so it is stable for as long as the key file exists.
type Identity struct {
	DeviceID   string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey

	path      string
	createdAt time.Time
	mu        sync.Mutex
	tokens    map[string]string
}

const identityFileVersion = 1

type identityFile struct {
	Version     int               `json:"version"`
	DeviceID    string            `json:"deviceId"`
	PublicKey   string            `json:"publicKey"`
	PrivateKey  string            `json:"privateKey"`
	CreatedAtMs int64             `json:"createdAtMs"`
	Tokens      map[string]string `json:"tokens,omitempty"`
}

// Token keys stored alongside the identity.
const (
	TokenBridge  = "bridge"
	TokenGateway = "gateway"
)

// DeviceIDFor returns the hex SHA-256 of a public key.
func DeviceIDFor(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// NewIdentity generates an in-memory identity. Tokens saved on it are not
// persisted.
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}
	return &Identity{
		DeviceID:   DeviceIDFor(pub),
		PublicKey:  pub,
		PrivateKey: priv,
		createdAt:  time.Now(),
		tokens:     make(map[string]string),
	}, nil
}

// LoadOrCreateIdentity reads the identity at path, generating and saving a
// new one on first use.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id, err := NewIdentity()
		if err != nil {
			return nil, err
		}
		id.path = path
		if err := id.save(); err != nil {
			return nil, err
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse identity %s: %w", path, err)
	}
	seed, err := base64.StdEncoding.DecodeString(f.PrivateKey)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity %s has an invalid private key", path)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	tokens := f.Tokens
	if tokens == nil {
		tokens = make(map[string]string)
	}
	return &Identity{
		DeviceID:   DeviceIDFor(pub),
		PublicKey:  pub,
		PrivateKey: priv,
		path:       path,
		createdAt:  time.UnixMilli(f.CreatedAtMs),
		tokens:     tokens,
	}, nil
}

// PublicKeyBase64URL is the public key as sent to the gateway.
func (id *Identity) PublicKeyBase64URL() string {
	return base64.RawURLEncoding.EncodeToString(id.PublicKey)
}

// Sign signs payload and returns the signature base64url without padding.
func (id *Identity) Sign(payload string) string {
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(id.PrivateKey, []byte(payload)))
}

// Token returns the stored auth token for key, or "".
func (id *Identity) Token(key string) string {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.tokens[key]
}

// SetToken stores or, when token is empty, clears an auth token.
func (id *Identity) SetToken(key, token string) error {
	id.mu.Lock()
	if token == "" {
		delete(id.tokens, key)
	} else {
		id.tokens[key] = token
	}
	id.mu.Unlock()

	if id.path == "" {
		return nil
	}
	return id.save()
}

func (id *Identity) save() error {
	id.mu.Lock()
	f := identityFile{
		Version:     identityFileVersion,
		DeviceID:    id.DeviceID,
		PublicKey:   id.PublicKeyBase64URL(),
		PrivateKey:  base64.StdEncoding.EncodeToString(id.PrivateKey.Seed()),
		CreatedAtMs: id.createdAt.UnixMilli(),
		Tokens:      make(map[string]string, len(id.tokens)),
	}
	for k, v := range id.tokens {
		f.Tokens[k] = v
	}
	id.mu.Unlock()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := storage.WriteFileAtomic(id.path, data); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}
