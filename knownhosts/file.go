package knownhosts

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	hashMagic = "|1|"

	// Limits on the fields of a known_hosts line.
	maxNameLen = 255
	maxSaltLen = 31
	minKeyLen  = 20
)

// ReadLine parses one OpenSSH known_hosts line and adds its entries. Blank lines and comments
// are ignored. A plain line with comma separated aliases adds one entry per alias, all with the
// same key. Comments following the key are dropped.
func (s *Store) ReadLine(line string) error {
	line = strings.TrimLeft(line, " \t")
	line = strings.TrimRight(line, "\r\n")
	if line == "" || line[0] == '#' {
		return nil
	}

	hosts, key, ok := cutSpace(line)
	if !ok || key == "" {
		return fmt.Errorf("%w: no key in line", ErrNotSupported)
	}

	var names []string
	var salt string
	nameType := NamePlain
	if strings.HasPrefix(hosts, hashMagic) {
		var hash string
		salt, hash, ok = strings.Cut(hosts[len(hashMagic):], "|")
		if !ok {
			s.log.Warn("skipping hashed host without salt separator", zap.String("host", hosts))
			return nil
		}
		if len(salt) >= maxSaltLen {
			return fmt.Errorf("%w: salt of %d bytes", ErrNotSupported, len(salt))
		}
		names = []string{hash}
		nameType = NameSHA1
	} else {
		names = strings.Split(hosts, ",")
	}
	for _, name := range names {
		if len(name) >= maxNameLen {
			return fmt.Errorf("%w: host name of %d bytes", ErrNotSupported, len(name))
		}
	}

	if len(key) < minKeyLen {
		return fmt.Errorf("%w: key of %d bytes", ErrNotSupported, len(key))
	}
	keyType, material, err := parseKey(key)
	if err != nil {
		return err
	}

	for _, name := range names {
		if _, err := s.Add(name, salt, []byte(material), nameType, keyType, KeyBase64); err != nil {
			return err
		}
	}
	return nil
}

// parseKey splits the key part of a line into its type and material. Legacy RSA1 keys start
// with the key size in bits and keep their three decimal fields as material.
func parseKey(key string) (KeyType, string, error) {
	if key[0] >= '0' && key[0] <= '9' {
		fields := strings.Fields(key)
		if len(fields) < 3 {
			return 0, "", fmt.Errorf("%w: short rsa1 key", ErrNotSupported)
		}
		return KeyRSA1, strings.Join(fields[:3], " "), nil
	}

	algo, rest, _ := cutSpace(key)
	keyType, ok := KeyTypeOf(algo)
	if !ok {
		return 0, "", fmt.Errorf("%w: key type %q", ErrNotSupported, algo)
	}
	material, _, _ := cutSpace(rest)
	if material == "" {
		return 0, "", fmt.Errorf("%w: no key material", ErrNotSupported)
	}
	return keyType, material, nil
}

// cutSpace splits s around its first run of blanks.
func cutSpace(s string) (before, after string, found bool) {
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, "", false
	}
	return s[:i], strings.TrimLeft(s[i:], " \t"), true
}

// Read adds the entries of every line read from r. It stops at the first line which fails to
// parse and returns the number of entries added up to then.
func (s *Store) Read(r io.Reader) (int, error) {
	before := len(s.entries)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := s.ReadLine(scanner.Text()); err != nil {
			return len(s.entries) - before, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return len(s.entries) - before, fmt.Errorf("failed to read known hosts: %w", err)
	}
	return len(s.entries) - before, nil
}

// ReadFile reads a known_hosts file with Read.
func (s *Store) ReadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open known hosts: %w", err)
	}
	defer f.Close()

	n, err := s.Read(f)
	if err != nil {
		return n, fmt.Errorf("%s: %w", path, err)
	}
	s.log.Debug("read known hosts", zap.String("path", path), zap.Int("entries", n))
	return n, nil
}

// Line returns e as a known_hosts line, including the trailing newline.
func (s *Store) Line(e *Entry) (string, error) {
	if e == nil || e.store != s {
		return "", fmt.Errorf("%w: entry not in store", ErrInvalidArgument)
	}
	var b strings.Builder
	if e.nameType == NameSHA1 {
		b.WriteString(hashMagic)
		b.WriteString(base64.StdEncoding.EncodeToString(e.salt))
		b.WriteByte('|')
		b.WriteString(base64.StdEncoding.EncodeToString(e.name))
	} else {
		b.Write(e.name)
	}
	if e.keyType != KeyRSA1 {
		b.WriteByte(' ')
		b.WriteString(e.keyType.String())
	}
	b.WriteByte(' ')
	b.WriteString(e.key)
	b.WriteByte('\n')
	return b.String(), nil
}

// WriteLine writes e as a known_hosts line into buf and returns its length. If buf is too
// small it returns ErrBufferTooSmall together with the length needed.
func (s *Store) WriteLine(e *Entry, buf []byte) (int, error) {
	line, err := s.Line(e)
	if err != nil {
		return 0, err
	}
	if len(line) > len(buf) {
		return len(line), ErrBufferTooSmall
	}
	return copy(buf, line), nil
}

// Write writes every entry to w, one line each, stopping at the first failure.
func (s *Store) Write(w io.Writer) error {
	for _, e := range s.entries {
		line, err := s.Line(e)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, line); err != nil {
			return fmt.Errorf("failed to write known host: %w", err)
		}
	}
	return nil
}

// WriteFile replaces the file at path with the store's entries. The file is written in
// place, so a failure can leave it truncated or partially written.
func (s *Store) WriteFile(path string) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create known hosts: %w", err)
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	w := bufio.NewWriter(f)
	if err := s.Write(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write known hosts: %w", err)
	}
	s.log.Debug("wrote known hosts", zap.String("path", path), zap.Int("entries", len(s.entries)))
	return nil
}
