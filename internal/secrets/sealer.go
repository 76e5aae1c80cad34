// Package secrets seals small payloads with age so they can be handed to a
// browser and read back later.
//
// A single X25519 identity is kept on disk in age-keygen format. The cookie
// store uses it to encrypt the VM collection before it leaves the daemon, so
// clients can neither read nor forge the records they carry.
package secrets

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
)

// ErrNoIdentity is returned when a key file holds no age identity.
var ErrNoIdentity = errors.New("no age identities found")

// Sealer encrypts to and decrypts with one age X25519 identity.
type Sealer struct {
	identity *age.X25519Identity
}

// NewSealer wraps an existing identity.
func NewSealer(identity *age.X25519Identity) *Sealer {
	return &Sealer{identity: identity}
}

// GenerateSealer returns a Sealer with a fresh in-memory identity.
func GenerateSealer() (*Sealer, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	return NewSealer(identity), nil
}

// LoadOrCreateSealer reads the identity at path, creating the file with a new
// identity (mode 0600) when it does not exist.
func LoadOrCreateSealer(path string) (*Sealer, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("age key path is required")
	}
	data, err := os.ReadFile(path)
	if err == nil {
		identities, err := parseAgeIdentities(data)
		if err != nil {
			return nil, fmt.Errorf("load age key %s: %w", path, err)
		}
		return NewSealer(identities[0]), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read age key %s: %w", path, err)
	}
	sealer, err := GenerateSealer()
	if err != nil {
		return nil, err
	}
	if err := writeIdentity(path, sealer.identity); err != nil {
		return nil, err
	}
	return sealer, nil
}

// Recipient returns the public half of the identity.
func (s *Sealer) Recipient() string {
	return s.identity.Recipient().String()
}

// Seal encrypts plaintext to the sealer's recipient.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if s == nil || s.identity == nil {
		return nil, errors.New("sealer has no identity")
	}
	var out bytes.Buffer
	writer, err := age.Encrypt(&out, s.identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("write age payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close age writer: %w", err)
	}
	return out.Bytes(), nil
}

// Open decrypts a payload produced by Seal.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	if s == nil || s.identity == nil {
		return nil, errors.New("sealer has no identity")
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read age payload: %w", err)
	}
	return payload, nil
}

func writeIdentity(path string, identity *age.X25519Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create age key dir: %w", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# created: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&buf, "# public key: %s\n", identity.Recipient())
	fmt.Fprintf(&buf, "%s\n", identity)
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write age key %s: %w", path, err)
	}
	return nil
}

func parseAgeIdentities(data []byte) ([]*age.X25519Identity, error) {
	var identities []*age.X25519Identity
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read age key: %w", err)
	}
	if len(identities) == 0 {
		return nil, ErrNoIdentity
	}
	return identities, nil
}
