package knownhosts

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostKeyCallback(t *testing.T) {
	known, other := newKey(t), newKey(t)
	s := newTestStore(t)
	require.NoError(t, s.ReadLine("example.com,[example.com]:2222 "+keyLine(known)))
	callback := s.HostKeyCallback()
	remote := &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 22}

	require.NoError(t, callback("example.com:22", remote, known))
	require.NoError(t, callback("example.com:2222", remote, known))

	err := callback("example.com:22", remote, other)
	var keyErr *KeyError
	require.ErrorAs(t, err, &keyErr)
	require.Equal(t, "example.com", keyErr.Host)
	require.Equal(t, KeyED25519, keyErr.Want.KeyType())

	err = callback("example.org:22", remote, known)
	require.ErrorIs(t, err, ErrUnknownHost)
	err = callback("example.com:2200", remote, known)
	require.ErrorIs(t, err, ErrUnknownHost)
}

func TestHashHostname(t *testing.T) {
	salt := []byte("0123456789abcdefghij")
	name, err := HashHostname("example.com", salt)
	require.NoError(t, err)

	parts := strings.Split(name, "|")
	require.Len(t, parts, 4)
	require.Equal(t, base64.StdEncoding.EncodeToString(salt), parts[2])

	mac := hmac.New(sha1.New, salt)
	mac.Write([]byte("example.com"))
	require.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), parts[3])

	again, err := HashHostname("example.com", nil)
	require.NoError(t, err)
	require.NotEqual(t, name, again)
}
