// Package knownhosts keeps a list of trusted host keys in the OpenSSH known_hosts format.
//
// Entries are matched by plain name, by salted SHA1 hash of the name as written by
// `ssh-keygen -H`, or by a caller-defined custom name. A Store is not safe for concurrent use.
package knownhosts

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrInvalidArgument is returned for missing key types, bad base64 input and entries which
	// do not belong to the store.
	ErrInvalidArgument = errors.New("knownhosts: invalid argument")

	// ErrNotSupported is returned for lines and names in a format the store cannot handle.
	ErrNotSupported = errors.New("knownhosts: not supported")

	// ErrBufferTooSmall is returned by WriteLine when the line does not fit.
	ErrBufferTooSmall = errors.New("knownhosts: buffer too small")
)

// NameType says how an entry's host name is stored.
type NameType int

const (
	// NamePlain is a host name or address as is.
	NamePlain NameType = iota + 1

	// NameSHA1 is HMAC-SHA1 of the name keyed with a random salt.
	NameSHA1

	// NameCustom is a name hashed by the caller; it is compared verbatim.
	NameCustom
)

func (t NameType) String() string {
	switch t {
	case NamePlain:
		return "plain"
	case NameSHA1:
		return "sha1"
	case NameCustom:
		return "custom"
	}
	return fmt.Sprintf("NameType(%d)", int(t))
}

// KeyType is the algorithm of a stored key.
type KeyType int

const (
	// KeyRSA1 is a legacy SSH-1 RSA key, stored as decimal bits, exponent and modulus.
	KeyRSA1 KeyType = iota + 1
	KeySSHRSA
	KeySSHDSS
	KeyECDSA256
	KeyECDSA384
	KeyECDSA521
	KeyED25519
)

var keyTypeNames = map[KeyType]string{
	KeySSHRSA:   ssh.KeyAlgoRSA,
	KeySSHDSS:   ssh.KeyAlgoDSA,
	KeyECDSA256: ssh.KeyAlgoECDSA256,
	KeyECDSA384: ssh.KeyAlgoECDSA384,
	KeyECDSA521: ssh.KeyAlgoECDSA521,
	KeyED25519:  ssh.KeyAlgoED25519,
}

// String returns the algorithm name used in known_hosts lines. KeyRSA1 has none.
func (t KeyType) String() string {
	if t == KeyRSA1 {
		return ""
	}
	if name, ok := keyTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("KeyType(%d)", int(t))
}

// KeyTypeOf returns the KeyType for an algorithm name such as "ssh-ed25519".
func KeyTypeOf(name string) (KeyType, bool) {
	for t, n := range keyTypeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// KeyEncoding says how key material passed to Add and Check is encoded.
type KeyEncoding int

const (
	// KeyBase64 is key material as it appears in a known_hosts line.
	KeyBase64 KeyEncoding = iota

	// KeyRaw is binary key material, such as ssh.PublicKey.Marshal output.
	KeyRaw
)

// Result is the outcome of Check.
type Result int

const (
	// CheckMatch means an entry has both the name and the key.
	CheckMatch Result = iota

	// CheckMismatch means entries have the name, but none has the key.
	CheckMismatch

	// CheckNotFound means no entry has the name.
	CheckNotFound

	// CheckFailure means the query could not be evaluated.
	CheckFailure
)

func (r Result) String() string {
	switch r {
	case CheckMatch:
		return "match"
	case CheckMismatch:
		return "mismatch"
	case CheckNotFound:
		return "not found"
	case CheckFailure:
		return "failure"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Entry is one trusted host key.
type Entry struct {
	store    *Store
	nameType NameType
	name     []byte
	salt     []byte
	keyType  KeyType
	key      string
}

// Name returns the host name of plain and custom entries, and "" for hashed ones.
func (e *Entry) Name() string {
	if e.nameType == NameSHA1 {
		return ""
	}
	return string(e.name)
}

// NameType returns how the entry's name is stored.
func (e *Entry) NameType() NameType { return e.nameType }

// KeyType returns the key algorithm.
func (e *Entry) KeyType() KeyType { return e.keyType }

// Key returns the key material, base64 encoded except for KeyRSA1 entries.
func (e *Entry) Key() string { return e.key }

const defaultHashCacheSize = 256

type hashKey struct {
	salt string
	host string
}

// Store is an ordered list of entries.
type Store struct {
	log     *zap.Logger
	entries []*Entry

	cacheSize int
	hashes    *lru.Cache[hashKey, [sha1.Size]byte]
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// WithHashCacheSize sets how many hashed host names Check remembers. Zero or less disables
// the cache.
func WithHashCacheSize(n int) Option {
	return func(s *Store) {
		s.cacheSize = n
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		log:       zap.NewNop(),
		cacheSize: defaultHashCacheSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cacheSize > 0 {
		if cache, err := lru.New[hashKey, [sha1.Size]byte](s.cacheSize); err == nil {
			s.hashes = cache
		}
	}
	return s
}

// Add stores a key for host. For NameSHA1 entries host is the base64 encoded hash and salt
// the base64 encoded salt, as they appear in a hashed known_hosts line; salt is ignored for
// other name types. Raw keys are base64 encoded before they are stored.
func (s *Store) Add(host, salt string, key []byte, nameType NameType, keyType KeyType, enc KeyEncoding) (*Entry, error) {
	if keyType == 0 {
		return nil, fmt.Errorf("%w: key type required", ErrInvalidArgument)
	}
	e := &Entry{store: s, nameType: nameType, keyType: keyType}

	switch nameType {
	case NamePlain, NameCustom:
		e.name = []byte(host)
	case NameSHA1:
		var err error
		if e.name, err = base64.StdEncoding.DecodeString(host); err != nil {
			return nil, fmt.Errorf("%w: bad host hash: %w", ErrInvalidArgument, err)
		}
		if e.salt, err = base64.StdEncoding.DecodeString(salt); err != nil {
			return nil, fmt.Errorf("%w: bad salt: %w", ErrInvalidArgument, err)
		}
		if len(e.name) != sha1.Size || len(e.salt) != sha1.Size {
			return nil, fmt.Errorf("%w: hashed name needs %d byte hash and salt", ErrNotSupported, sha1.Size)
		}
	default:
		return nil, fmt.Errorf("%w: name type %v", ErrNotSupported, nameType)
	}

	if enc == KeyRaw {
		e.key = base64.StdEncoding.EncodeToString(key)
	} else {
		e.key = string(key)
	}

	s.entries = append(s.entries, e)
	s.log.Debug("added known host",
		zap.Stringer("nameType", nameType), zap.String("name", e.Name()), zap.Stringer("keyType", keyType))
	return e, nil
}

// Check looks for host with key. Plain queries match plain entries by name and hashed entries
// by recomputing the hash; custom queries match custom entries verbatim. Hashed queries are
// not supported and always report CheckMismatch.
//
// Every entry is considered: a matching entry anywhere in the store wins over entries which
// have the name with another key, so one host may carry several keys. The returned entry is
// the match, or for CheckMismatch the first entry with the name.
func (s *Store) Check(host string, key []byte, nameType NameType, enc KeyEncoding) (Result, *Entry) {
	switch nameType {
	case NameSHA1:
		return CheckMismatch, nil
	case NamePlain, NameCustom:
	default:
		return CheckFailure, nil
	}
	if len(key) == 0 {
		return CheckFailure, nil
	}
	want := string(key)
	if enc == KeyRaw {
		want = base64.StdEncoding.EncodeToString(key)
	}

	var badKey *Entry
	for _, e := range s.entries {
		if !s.nameMatches(e, host, nameType) {
			continue
		}
		if e.key == want {
			return CheckMatch, e
		}
		if badKey == nil {
			badKey = e
		}
	}
	if badKey != nil {
		return CheckMismatch, badKey
	}
	return CheckNotFound, nil
}

func (s *Store) nameMatches(e *Entry, host string, nameType NameType) bool {
	switch e.nameType {
	case NamePlain, NameCustom:
		return e.nameType == nameType && string(e.name) == host
	case NameSHA1:
		if nameType != NamePlain || len(e.name) != sha1.Size {
			return false
		}
		sum := s.hostHash(e.salt, host)
		return hmac.Equal(sum[:], e.name)
	}
	return false
}

// hostHash returns HMAC-SHA1(salt, host).
func (s *Store) hostHash(salt []byte, host string) [sha1.Size]byte {
	k := hashKey{salt: string(salt), host: host}
	if s.hashes != nil {
		if sum, ok := s.hashes.Get(k); ok {
			return sum
		}
	}
	var sum [sha1.Size]byte
	mac := hmac.New(sha1.New, salt)
	mac.Write([]byte(host))
	copy(sum[:], mac.Sum(nil))
	if s.hashes != nil {
		s.hashes.Add(k, sum)
	}
	return sum
}

// Delete removes e from the store.
func (s *Store) Delete(e *Entry) error {
	if e == nil || e.store != s {
		return fmt.Errorf("%w: entry not in store", ErrInvalidArgument)
	}
	for i, candidate := range s.entries {
		if candidate == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	e.store = nil
	s.log.Debug("deleted known host", zap.String("name", e.Name()), zap.Stringer("keyType", e.keyType))
	return nil
}

// Entries returns the entries in insertion order.
func (s *Store) Entries() []*Entry {
	return append([]*Entry(nil), s.entries...)
}

// Len returns the number of entries.
func (s *Store) Len() int {
	return len(s.entries)
}
