// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sign wraps the server's RSA keypair and produces the detached
// signatures that clients verify offline. One keypair per server instance;
// PKCS#1 v1.5 padding with SHA-256 so verification is reproducible across
// client implementations.
package sign

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	keySize            = 2048
	privateKeyFilename = "private_key.pem"
	publicKeyFilename  = "public_key.pem"
)

type Signer struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// LoadOrCreate loads the PEM keypair from keysDir, generating and persisting
// a fresh one if none exists. This is a one-time bootstrap, not a
// per-request path; the private key is written 0600 via a temp-file rename
// so a crash mid-write never leaves a half-written key behind.
func LoadOrCreate(keysDir string) (*Signer, error) {
	privatePath := filepath.Join(keysDir, privateKeyFilename)
	publicPath := filepath.Join(keysDir, publicKeyFilename)

	if _, err := os.Stat(privatePath); os.IsNotExist(err) {
		if err := generateKeypair(keysDir, privatePath, publicPath); err != nil {
			return nil, fmt.Errorf("failed to generate signing keypair: %w", err)
		}
		log.Info().Str("dir", keysDir).Msg("Generated new RSA signing keypair")
	}

	privatePEM, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	block, _ := pem.Decode(privatePEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in %s", privatePath)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	privateKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key in %s is not RSA", privatePath)
	}

	return &Signer{
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
	}, nil
}

func generateKeypair(keysDir, privatePath, publicPath string) error {
	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return fmt.Errorf("failed to create keys directory: %w", err)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return err
	}

	privateDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return err
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateDER})

	publicDER, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return err
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})

	if err := writeFileAtomic(privatePath, privatePEM, 0600); err != nil {
		return err
	}
	return writeFileAtomic(publicPath, publicPEM, 0644)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Sign produces the base64-encoded PKCS#1 v1.5 signature of data.
func (s *Signer) Sign(data string) (string, error) {
	digest := sha256.Sum256([]byte(data))

	signature, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}

	return base64.StdEncoding.EncodeToString(signature), nil
}

// Verify reports whether signature is a valid signature of data. Malformed
// input is simply an invalid signature, never an error.
func (s *Signer) Verify(data, signature string) bool {
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	digest := sha256.Sum256([]byte(data))
	return rsa.VerifyPKCS1v15(s.publicKey, crypto.SHA256, digest[:], raw) == nil
}

// PublicKeyPEM returns the PEM encoding of the verification key, for
// distribution to clients.
func (s *Signer) PublicKeyPEM() (string, error) {
	publicDER, err := x509.MarshalPKIXPublicKey(s.publicKey)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})), nil
}

// ProofString builds the canonical string signed into an activation proof:
// license key, customer id, hardware fingerprint, and RFC 3339 expiry,
// concatenated with no separators. The order is part of the wire contract;
// clients reproduce it byte for byte.
func ProofString(licenseKey string, customerID int64, fingerprint string, expiresAt time.Time) string {
	return licenseKey + strconv.FormatInt(customerID, 10) + fingerprint + expiresAt.UTC().Format(time.RFC3339)
}
