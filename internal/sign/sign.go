// Package sign implements the Sign stage: computing a digest over the
// assembled archive bytes and, for OPENSSL, an RSA PKCS#1 v1.5 signature
// (chosen over PSS specifically because it is deterministic, preserving
// byte-reproducibility — SPEC_FULL.md §4.8, §9).
package sign

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/spf13/afero"
	"golang.org/x/term"

	"github.com/boxbuild/box/internal/errs"
)

// Algorithm identifies the signature scheme written to the archive trailer.
type Algorithm uint8

const (
	SHA1 Algorithm = iota + 1
	SHA256
	SHA512
	OpenSSL
)

func (a Algorithm) String() string {
	switch a {
	case SHA1:
		return "SHA1"
	case SHA256:
		return "SHA256"
	case SHA512:
		return "SHA512"
	case OpenSSL:
		return "OPENSSL"
	default:
		return "UNKNOWN"
	}
}

// ParseAlgorithm maps a config string to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "SHA1", "":
		return SHA1, nil
	case "SHA256":
		return SHA256, nil
	case "SHA512":
		return SHA512, nil
	case "OPENSSL":
		return OpenSSL, nil
	default:
		return 0, fmt.Errorf("%w: unknown signing algorithm %q", errs.ErrConfigInvalid, s)
	}
}

// Signature is the trailer payload: an algorithm tag plus its bytes.
// PublicKeyPEM is non-nil only for OpenSSL, the PEM-encoded public key half
// of the signing key the caller should write to the archive's `.pubkey`
// sibling file (SPEC_FULL.md §4.8).
type Signature struct {
	Algorithm    Algorithm
	Bytes        []byte
	PublicKeyPEM []byte
}

// KeyOptions configures OPENSSL signing.
type KeyOptions struct {
	PrivateKeyPath       string
	PrivateKeyPassphrase string
	PromptForPrivateKey  bool
	// Fs is the filesystem PrivateKeyPath is read from. Defaults to the OS
	// filesystem when nil.
	Fs afero.Fs
}

// Sign computes the signature over the bytes read from r, per algorithm.
// r is streamed through a hash.Hash rather than buffered, so the archive's
// full content never needs to sit in memory at once. For SHA1/256/512 this
// is an unkeyed digest; for OpenSSL it loads the RSA private key at
// opts.PrivateKeyPath (prompting on the controlling terminal when
// opts.PromptForPrivateKey is set and no passphrase is configured) and
// signs the digest with PKCS#1 v1.5.
func Sign(algorithm Algorithm, r io.Reader, opts KeyOptions) (*Signature, error) {
	switch algorithm {
	case SHA1:
		sum, err := digest(sha1.New(), r)
		return &Signature{Algorithm: SHA1, Bytes: sum}, err
	case SHA256:
		sum, err := digest(sha256.New(), r)
		return &Signature{Algorithm: SHA256, Bytes: sum}, err
	case SHA512:
		sum, err := digest(sha512.New(), r)
		return &Signature{Algorithm: SHA512, Bytes: sum}, err
	case OpenSSL:
		return signOpenSSL(r, opts)
	default:
		return nil, fmt.Errorf("%w: unknown signing algorithm %d", errs.ErrConfigInvalid, algorithm)
	}
}

func digest(h hash.Hash, r io.Reader) ([]byte, error) {
	if _, err := io.Copy(h, r); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrArchiveIOError, err)
	}
	return h.Sum(nil), nil
}

func signOpenSSL(r io.Reader, opts KeyOptions) (*Signature, error) {
	if opts.PrivateKeyPath == "" {
		return nil, errs.ErrSigningKeyRequired
	}

	passphrase := opts.PrivateKeyPassphrase
	if opts.PromptForPrivateKey && passphrase == "" {
		var err error
		passphrase, err = promptPassphrase()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrSigningKeyUnreadable, err)
		}
	}

	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	key, err := loadRSAPrivateKey(fs, opts.PrivateKeyPath, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrSigningKeyUnreadable, err)
	}

	digestBytes, err := digest(sha256.New(), r)
	if err != nil {
		return nil, err
	}

	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digestBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: signing: %v", errs.ErrSigningKeyUnreadable, err)
	}

	pubPEM, err := encodePublicKeyPEM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding public key: %v", errs.ErrSigningKeyUnreadable, err)
	}

	return &Signature{Algorithm: OpenSSL, Bytes: signature, PublicKeyPEM: pubPEM}, nil
}

// loadRSAPrivateKey reads a PEM-encoded RSA key, handling both PKCS#1 and
// PKCS#8 containers, mirroring the teacher stack's PEM-load-then-parse
// sequence for Ed25519 keys (adapted here to RSA for PKCS#1 v1.5 signing).
func loadRSAPrivateKey(fs afero.Fs, path, passphrase string) (*rsa.PrivateKey, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	der := block.Bytes
	if passphrase != "" {
		//nolint:staticcheck // PEM passphrase decryption is deprecated but
		// still the mechanism box.json's key-pass option depends on.
		decrypted, decErr := x509.DecryptPEMBlock(block, []byte(passphrase))
		if decErr != nil {
			return nil, fmt.Errorf("decrypting private key: %w", decErr)
		}
		der = decrypted
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

// encodePublicKeyPEM renders key's public half as a PEM "PUBLIC KEY" block,
// for the {outputPath}.pubkey sibling file required by SPEC_FULL.md §4.8.
// The caller (the orchestrator's Sign stage, right after the archive is
// closed) writes it through the
// build's afero.Fs rather than this package touching the filesystem.
func encodePublicKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func promptPassphrase() (string, error) {
	fmt.Fprint(os.Stderr, "Enter passphrase for private key: ")
	defer fmt.Fprintln(os.Stderr)

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		// Fall back to a plain line read for non-interactive test harnesses.
		var line string
		if _, err := fmt.Fscanln(os.Stdin, &line); err != nil && err != io.EOF {
			return "", err
		}
		return line, nil
	}

	bytes, err := term.ReadPassword(fd)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}
