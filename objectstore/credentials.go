// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package objectstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"filippo.io/age"
)

// Credentials holds whatever a concrete [Store] implementation needs to
// authenticate to its backing service (access key, secret, endpoint,
// etc.) as opaque key/value pairs, so this package does not need to know
// any particular provider's credential shape.
type Credentials map[string]string

// credentialInit guards decrypting the on-disk credential profile: the
// profile is read and decrypted once per process, regardless of how many
// goroutines open a [Store] concurrently, mirroring the one-shot
// crypto/HTTP initializer pattern.
var credentialInit struct {
	once  sync.Once
	creds Credentials
	err   error
}

// LoadCredentials decrypts the age-encrypted credential profile at path
// using identity, caching the result for the lifetime of the process. Any
// later call with the same process ignores its arguments and returns the
// first call's result: callers should only ever load one profile per
// process.
func LoadCredentials(path string, identity *age.X25519Identity) (Credentials, error) {
	credentialInit.once.Do(func() {
		credentialInit.creds, credentialInit.err = decryptCredentials(path, identity)
	})
	return credentialInit.creds, credentialInit.err
}

func decryptCredentials(path string, identity *age.X25519Identity) (Credentials, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load credentials: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("objectstore: decrypt credentials: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("objectstore: decrypt credentials: %w", err)
	}
	creds, err := parseCredentials(plaintext)
	if err != nil {
		return nil, fmt.Errorf("objectstore: parse credentials: %w", err)
	}
	return creds, nil
}

// parseCredentials parses a simple "key = value" per line profile, the
// same shape as a dotenv file: one credential per line, blank lines and
// lines starting with '#' ignored.
func parseCredentials(data []byte) (Credentials, error) {
	creds := make(Credentials)
	for lineNum, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		i := bytes.IndexByte(line, '=')
		if i < 0 {
			return nil, fmt.Errorf("line %d: missing '='", lineNum+1)
		}
		key := string(bytes.TrimSpace(line[:i]))
		value := string(bytes.TrimSpace(line[i+1:]))
		creds[key] = value
	}
	return creds, nil
}

// EncryptCredentials encrypts a profile for writing to disk, the inverse
// of [LoadCredentials]; used by whatever provisioning step generates the
// profile file in the first place.
func EncryptCredentials(creds Credentials, recipient *age.X25519Recipient) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("objectstore: encrypt credentials: %w", err)
	}
	for key, value := range creds {
		if _, err := fmt.Fprintf(w, "%s = %s\n", key, value); err != nil {
			return nil, fmt.Errorf("objectstore: encrypt credentials: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("objectstore: encrypt credentials: %w", err)
	}
	return buf.Bytes(), nil
}
