package knownhosts

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"
)

func newKey(t *testing.T) ssh.PublicKey {
	t.Helper()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

// keyLine returns the "type base64" part of a known_hosts line for key.
func keyLine(key ssh.PublicKey) string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	return New(append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
}

func TestCheck(t *testing.T) {
	k1, k2, k3 := newKey(t), newKey(t), newKey(t)

	t.Run("match mismatch not found", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.Add("h1", "", k1.Marshal(), NamePlain, KeyED25519, KeyRaw)
		require.NoError(t, err)

		result, _ := s.Check("h1", k1.Marshal(), NamePlain, KeyRaw)
		assert.Equal(t, CheckMatch, result)
		result, _ = s.Check("h1", k2.Marshal(), NamePlain, KeyRaw)
		assert.Equal(t, CheckMismatch, result)
		result, _ = s.Check("h2", k1.Marshal(), NamePlain, KeyRaw)
		assert.Equal(t, CheckNotFound, result)
	})
	t.Run("later match wins over earlier mismatch", func(t *testing.T) {
		s := newTestStore(t)
		first, err := s.Add("h", "", k2.Marshal(), NamePlain, KeyED25519, KeyRaw)
		require.NoError(t, err)
		_, err = s.Add("other", "", k1.Marshal(), NamePlain, KeyED25519, KeyRaw)
		require.NoError(t, err)
		second, err := s.Add("h", "", k1.Marshal(), NamePlain, KeyED25519, KeyRaw)
		require.NoError(t, err)

		result, entry := s.Check("h", k1.Marshal(), NamePlain, KeyRaw)
		require.Equal(t, CheckMatch, result)
		require.Same(t, second, entry)

		result, entry = s.Check("h", k3.Marshal(), NamePlain, KeyRaw)
		require.Equal(t, CheckMismatch, result)
		require.Same(t, first, entry)
	})
	t.Run("base64 key", func(t *testing.T) {
		s := newTestStore(t)
		encoded := base64.StdEncoding.EncodeToString(k1.Marshal())
		_, err := s.Add("h", "", []byte(encoded), NamePlain, KeyED25519, KeyBase64)
		require.NoError(t, err)

		result, _ := s.Check("h", k1.Marshal(), NamePlain, KeyRaw)
		require.Equal(t, CheckMatch, result)
		result, _ = s.Check("h", []byte(encoded), NamePlain, KeyBase64)
		require.Equal(t, CheckMatch, result)
	})
	t.Run("hashed", func(t *testing.T) {
		s := newTestStore(t)
		name, err := HashHostname("example.com", nil)
		require.NoError(t, err)
		require.NoError(t, s.ReadLine(name+" "+keyLine(k1)))

		result, entry := s.Check("example.com", k1.Marshal(), NamePlain, KeyRaw)
		require.Equal(t, CheckMatch, result)
		require.Equal(t, NameSHA1, entry.NameType())
		require.Empty(t, entry.Name())
		require.Equal(t, 1, s.hashes.Len())

		result, _ = s.Check("example.com", k2.Marshal(), NamePlain, KeyRaw)
		require.Equal(t, CheckMismatch, result)
		result, _ = s.Check("example.org", k1.Marshal(), NamePlain, KeyRaw)
		require.Equal(t, CheckNotFound, result)

		// Hashed names cannot be looked up directly.
		result, _ = s.Check(name, k1.Marshal(), NameSHA1, KeyRaw)
		require.Equal(t, CheckMismatch, result)
	})
	t.Run("hashed without cache", func(t *testing.T) {
		s := newTestStore(t, WithHashCacheSize(0))
		name, err := HashHostname("example.com", nil)
		require.NoError(t, err)
		require.NoError(t, s.ReadLine(name+" "+keyLine(k1)))

		require.Nil(t, s.hashes)
		for i := 0; i < 2; i++ {
			result, _ := s.Check("example.com", k1.Marshal(), NamePlain, KeyRaw)
			require.Equal(t, CheckMatch, result)
		}
	})
	t.Run("custom", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.Add("prehashed-name", "", k1.Marshal(), NameCustom, KeyED25519, KeyRaw)
		require.NoError(t, err)

		result, _ := s.Check("prehashed-name", k1.Marshal(), NameCustom, KeyRaw)
		require.Equal(t, CheckMatch, result)
		result, _ = s.Check("prehashed-name", k1.Marshal(), NamePlain, KeyRaw)
		require.Equal(t, CheckNotFound, result)
	})
	t.Run("bad query", func(t *testing.T) {
		s := newTestStore(t)
		result, _ := s.Check("h", nil, NamePlain, KeyRaw)
		require.Equal(t, CheckFailure, result)
		result, _ = s.Check("h", k1.Marshal(), NameType(42), KeyRaw)
		require.Equal(t, CheckFailure, result)
	})
}

func TestAdd(t *testing.T) {
	s := newTestStore(t)
	salt := base64.StdEncoding.EncodeToString(make([]byte, 20))

	_, err := s.Add("h", "", []byte("AAAA"), NamePlain, 0, KeyBase64)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.Add("not base64!", salt, []byte("AAAA"), NameSHA1, KeySSHRSA, KeyBase64)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.Add(salt, base64.StdEncoding.EncodeToString([]byte("short")), []byte("AAAA"), NameSHA1, KeySSHRSA, KeyBase64)
	require.ErrorIs(t, err, ErrNotSupported)

	_, err = s.Add("h", "", []byte("AAAA"), NameType(9), KeySSHRSA, KeyBase64)
	require.ErrorIs(t, err, ErrNotSupported)
	require.Zero(t, s.Len())

	e, err := s.Add("h", "", []byte{1, 2, 3}, NamePlain, KeySSHRSA, KeyRaw)
	require.NoError(t, err)
	require.Equal(t, "AQID", e.Key())
	require.Equal(t, "h", e.Name())
	require.Equal(t, KeySSHRSA, e.KeyType())
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	key := newKey(t)
	a, err := s.Add("a", "", key.Marshal(), NamePlain, KeyED25519, KeyRaw)
	require.NoError(t, err)
	b, err := s.Add("b", "", key.Marshal(), NamePlain, KeyED25519, KeyRaw)
	require.NoError(t, err)

	require.NoError(t, s.Delete(a))
	require.Equal(t, []*Entry{b}, s.Entries())
	require.Equal(t, 1, s.Len())
	result, _ := s.Check("a", key.Marshal(), NamePlain, KeyRaw)
	require.Equal(t, CheckNotFound, result)

	require.ErrorIs(t, s.Delete(a), ErrInvalidArgument)
	require.ErrorIs(t, s.Delete(nil), ErrInvalidArgument)
	require.ErrorIs(t, New().Delete(b), ErrInvalidArgument)
	require.Equal(t, 1, s.Len())
}
