package server

import (
	"crypto/tls"
	"fmt"
	"os"
)

// UnreadableCredentialsError reports that a configured certificate chain or
// private key path could not be read. Construction treats this as
// degrading, not fatal: the caller disables the secure listener and
// continues plaintext-only rather than aborting startup.
type UnreadableCredentialsError struct {
	Path string
	Err  error
}

func (e *UnreadableCredentialsError) Error() string {
	return fmt.Sprintf("credentials: read %q: %v", e.Path, e.Err)
}

func (e *UnreadableCredentialsError) Unwrap() error { return e.Err }

// Credentials holds the PEM-encoded certificate chain and private key used
// for the secure ext-proc/ext-authz listener and, optionally, the secure
// health-check listener.
type Credentials struct {
	CertChain  []byte
	PrivateKey []byte
}

// LoadCredentials resolves the TLS material for the secure listener.
// In-memory PEM bytes take priority over file paths when both are given,
// matching the upstream callout server's credential precedence. Returns nil
// (no error) when neither a path nor in-memory bytes are supplied, since a
// deployment may run plaintext-only.
func LoadCredentials(certChainPath, privateKeyPath string, certChain, privateKey []byte) (*Credentials, error) {
	resolvedChain := certChain
	if len(resolvedChain) == 0 && certChainPath != "" {
		data, err := os.ReadFile(certChainPath)
		if err != nil {
			return nil, &UnreadableCredentialsError{Path: certChainPath, Err: err}
		}
		resolvedChain = data
	}

	resolvedKey := privateKey
	if len(resolvedKey) == 0 && privateKeyPath != "" {
		data, err := os.ReadFile(privateKeyPath)
		if err != nil {
			return nil, &UnreadableCredentialsError{Path: privateKeyPath, Err: err}
		}
		resolvedKey = data
	}

	if len(resolvedChain) == 0 && len(resolvedKey) == 0 {
		return nil, nil
	}
	if len(resolvedChain) == 0 || len(resolvedKey) == 0 {
		return nil, fmt.Errorf("credentials: both a certificate chain and private key are required")
	}

	return &Credentials{CertChain: resolvedChain, PrivateKey: resolvedKey}, nil
}

// TLSConfig builds a server-side tls.Config from the loaded credentials.
func (c *Credentials) TLSConfig() (*tls.Config, error) {
	cert, err := tls.X509KeyPair(c.CertChain, c.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("credentials: parse key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
