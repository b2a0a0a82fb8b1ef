// Package sshkey generates and validates the lab's management key pair,
// used for SSH provisioning access to guests.
package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyComment is appended to the public key line.
const KeyComment = "vmlab"

type KeyPair struct {
	PrivateKeyPath string
	PublicKeyPath  string
}

// Ensure returns the key pair at privateKeyPath, generating an Ed25519 pair
// if none exists. Existing keys are validated rather than overwritten.
func Ensure(privateKeyPath string) (*KeyPair, error) {
	publicKeyPath := privateKeyPath + ".pub"
	pair := &KeyPair{PrivateKeyPath: privateKeyPath, PublicKeyPath: publicKeyPath}

	if fileExists(privateKeyPath) && fileExists(publicKeyPath) {
		if err := validate(privateKeyPath, publicKeyPath); err != nil {
			return nil, fmt.Errorf("existing keys are invalid: %w (remove them to regenerate)", err)
		}
		return pair, nil
	}

	if err := os.MkdirAll(filepath.Dir(privateKeyPath), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := generate(privateKeyPath, publicKeyPath); err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return pair, nil
}

// PublicKey reads the pair's public key in authorized_keys format.
func (p *KeyPair) PublicKey() (string, error) {
	data, err := os.ReadFile(p.PublicKeyPath)
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func generate(privateKeyPath, publicKeyPath string) error {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ed25519 key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("convert public key: %w", err)
	}
	pubLine := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPubKey))) + " " + KeyComment + "\n"

	privPEM, err := ssh.MarshalPrivateKey(privKey, KeyComment)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	if err := os.WriteFile(privateKeyPath, pem.EncodeToMemory(privPEM), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(publicKeyPath, []byte(pubLine), 0o644); err != nil {
		_ = os.Remove(privateKeyPath)
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

func validate(privateKeyPath, publicKeyPath string) error {
	privData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	if _, err := ssh.ParsePrivateKey(privData); err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}

	pubData, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey(pubData); err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
