// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package groupkey manages the shared keys that identify message groups.
//
// A group key is created by the group owner and handed to every member. Brokers
// never see the private half: they only receive the self-signed public Info,
// verify it and remember it so a later join cannot swap the key under the
// same id.
package groupkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

const keyIDSeparator = "$"

var (
	// ErrVerificationFailed is returned when the key signature does not match.
	ErrVerificationFailed = errors.New("group key verification failed")

	// ErrKeyCollision is returned when a different public key is already known under the same id.
	ErrKeyCollision = errors.New("another public key already registered")

	// ErrInvalidKeyID is returned for ids not in alias$owner form.
	ErrInvalidKeyID = errors.New("invalid group key id")

	// ErrNotFound is returned when the registry has no key with the given id.
	ErrNotFound = errors.New("group key not found")
)

var aliasPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Info is the public, self-signed description of a group key.
type Info struct {
	KeyID     string `json:"key_id"`
	Label     string `json:"label,omitempty"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

// Key is a group key including its private half.
type Key struct {
	ID      string             `json:"key_id"`
	Label   string             `json:"label,omitempty"`
	Private ed25519.PrivateKey `json:"private_key"`
}

// MakeKeyID builds a group key id from an alias and the owner id.
func MakeKeyID(alias, owner string) string {
	return alias + keyIDSeparator + owner
}

// ParseKeyID splits a group key id into alias and owner.
func ParseKeyID(id string) (alias, owner string, err error) {
	alias, owner, ok := strings.Cut(id, keyIDSeparator)
	if !ok || owner == "" || !aliasPattern.MatchString(alias) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKeyID, id)
	}
	return alias, owner, nil
}

// Generate creates a new random group key.
func Generate(alias, owner, label string) (*Key, error) {
	id := MakeKeyID(alias, owner)
	if _, _, err := ParseKeyID(id); err != nil {
		return nil, err
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate group key: %w", err)
	}

	return &Key{ID: id, Label: label, Private: priv}, nil
}

// Info returns the signed public part of the key.
func (k *Key) Info() Info {
	pub := k.Private.Public().(ed25519.PublicKey)
	info := Info{
		KeyID:     k.ID,
		Label:     k.Label,
		PublicKey: pub,
	}
	info.Signature = ed25519.Sign(k.Private, info.digest())
	return info
}

// Alias returns the alias part of the key id.
func (i Info) Alias() string {
	alias, _, _ := ParseKeyID(i.KeyID)
	return alias
}

// Owner returns the owner part of the key id.
func (i Info) Owner() string {
	_, owner, _ := ParseKeyID(i.KeyID)
	return owner
}

// Verify checks the key id format and the self-signature.
func (i Info) Verify() error {
	if _, _, err := ParseKeyID(i.KeyID); err != nil {
		return err
	}
	if len(i.PublicKey) != ed25519.PublicKeySize {
		return ErrVerificationFailed
	}
	if !ed25519.Verify(ed25519.PublicKey(i.PublicKey), i.digest(), i.Signature) {
		return ErrVerificationFailed
	}
	return nil
}

func (i Info) digest() []byte {
	h := sha3.New256()
	h.Write([]byte(i.KeyID))
	h.Write([]byte{0})
	h.Write([]byte(i.Label))
	h.Write([]byte{0})
	h.Write(i.PublicKey)
	return h.Sum(nil)
}

// Save writes the key, including its private half, to a file.
func (k *Key) Save(path string) error {
	data, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("failed to marshal group key: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write group key: %w", err)
	}
	return nil
}

// LoadFile reads a key previously written with Save.
func LoadFile(path string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read group key: %w", err)
	}

	var k Key
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("failed to parse group key: %w", err)
	}
	if len(k.Private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("group key %q has an invalid private key", k.ID)
	}
	if _, _, err := ParseKeyID(k.ID); err != nil {
		return nil, err
	}
	return &k, nil
}
