package auth

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// parsePublicKeyPEM parses an RSA or EC public key from PEM text, either
// as a PKIX public key or an X.509 certificate (the common case when an
// operator pastes in the signer's certificate rather than extracting
// its key).
func parsePublicKeyPEM(pemText string) (any, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("auth: no PEM block found in public_key")
	}

	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		switch key := cert.PublicKey.(type) {
		case *rsa.PublicKey, *ecdsa.PublicKey:
			return key, nil
		default:
			return nil, fmt.Errorf("auth: unsupported certificate public key type %T", key)
		}
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing public key: %w", err)
	}
	switch key.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return key, nil
	default:
		return nil, fmt.Errorf("auth: unsupported public key type %T", key)
	}
}
