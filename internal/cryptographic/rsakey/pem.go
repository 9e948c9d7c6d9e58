package rsakey

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/go-faster/errors"
)

// ParsePublicKey decodes a PEM "RSA PUBLIC KEY" (PKCS#1) or "PUBLIC KEY"
// (PKIX) block.
func ParsePublicKey(data []byte) (PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return PublicKey{}, errors.New("no PEM data found")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		k, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return PublicKey{}, errors.Wrap(err, "parse PKCS1")
		}
		return PublicKey{RSA: k}, nil
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return PublicKey{}, errors.Wrap(err, "parse PKIX")
		}
		rk, ok := k.(*rsa.PublicKey)
		if !ok {
			return PublicKey{}, errors.Errorf("unexpected key type %T", k)
		}
		return PublicKey{RSA: rk}, nil
	default:
		return PublicKey{}, errors.Errorf("unexpected PEM block %q", block.Type)
	}
}

// ParsePrivateKey decodes a PEM "RSA PRIVATE KEY" (PKCS#1) or "PRIVATE KEY"
// (PKCS#8) block.
func ParsePrivateKey(data []byte) (PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return PrivateKey{}, errors.New("no PEM data found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return PrivateKey{}, errors.Wrap(err, "parse PKCS1")
		}
		return PrivateKey{RSA: k}, nil
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return PrivateKey{}, errors.Wrap(err, "parse PKCS8")
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return PrivateKey{}, errors.Errorf("unexpected key type %T", k)
		}
		return PrivateKey{RSA: rk}, nil
	default:
		return PrivateKey{}, errors.Errorf("unexpected PEM block %q", block.Type)
	}
}

func LoadPublicKey(path string) (PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PublicKey{}, err
	}
	return ParsePublicKey(data)
}

func LoadPrivateKey(path string) (PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PrivateKey{}, err
	}
	return ParsePrivateKey(data)
}

// EncodePublicKey returns the PKCS#1 PEM encoding of k.
func EncodePublicKey(k PublicKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(k.RSA),
	})
}

// EncodePrivateKey returns the PKCS#1 PEM encoding of k.
func EncodePrivateKey(k PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.RSA),
	})
}
