package knownhosts

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	xknownhosts "golang.org/x/crypto/ssh/knownhosts"
)

// ErrUnknownHost is returned by the HostKeyCallback for hosts without entries.
var ErrUnknownHost = errors.New("knownhosts: unknown host")

// KeyError is returned by the HostKeyCallback when the host is known with other keys.
type KeyError struct {
	Host string

	// Want is the first entry found for the host.
	Want *Entry
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("knownhosts: key mismatch for %s (known %s key)", e.Host, e.Want.keyType)
}

// HostKeyCallback returns a callback for ssh.ClientConfig which accepts only host keys
// matching the store. Hosts on ports other than 22 are looked up as "[host]:port".
func (s *Store) HostKeyCallback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host := xknownhosts.Normalize(hostname)
		result, entry := s.Check(host, key.Marshal(), NamePlain, KeyRaw)
		switch result {
		case CheckMatch:
			return nil
		case CheckMismatch:
			s.log.Warn("host key mismatch", zap.String("host", host), zap.String("type", key.Type()))
			return &KeyError{Host: host, Want: entry}
		case CheckNotFound:
			return fmt.Errorf("%w: %s", ErrUnknownHost, host)
		}
		return fmt.Errorf("%w: cannot check key for %s", ErrInvalidArgument, host)
	}
}

// HashHostname returns host in the hashed form "|1|salt|hash" used by `ssh-keygen -H`. A
// random salt is generated when salt is nil.
func HashHostname(host string, salt []byte) (string, error) {
	if salt == nil {
		salt = make([]byte, sha1.Size)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("failed to generate salt: %w", err)
		}
	}
	mac := hmac.New(sha1.New, salt)
	mac.Write([]byte(host))
	return hashMagic + base64.StdEncoding.EncodeToString(salt) + "|" +
		base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
