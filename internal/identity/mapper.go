// Package identity translates between mail addresses and chat identifiers.
//
// A mail address is lower-cased, its local part escaped and joined to the
// domain with "_at_". Local part bytes outside [a-z0-9._-] become "=xx".
// Domains may only contain [a-z0-9.-], so the last "_at_" of an encoded
// address always separates local part from domain.
package identity

import (
	"fmt"
	"regexp"
	"strings"

	"gmail-bridge/internal/bridge/domain"
)

const atSeparator = "_at_"

var (
	domainPattern   = regexp.MustCompile(`^[a-z0-9-]+(\.[a-z0-9-]+)*$`)
	threadIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	prefixPattern   = regexp.MustCompile(`^[a-z0-9._=-]+$`)
)

// Mapper builds puppet handles and thread aliases for one homeserver.
type Mapper struct {
	prefix string
	server string
}

// NewMapper returns a Mapper using prefix for every generated localpart.
func NewMapper(prefix, server string) (*Mapper, error) {
	if !prefixPattern.MatchString(prefix) {
		return nil, fmt.Errorf("invalid namespace prefix %q", prefix)
	}
	if server == "" {
		return nil, fmt.Errorf("homeserver name is required")
	}
	return &Mapper{prefix: prefix, server: server}, nil
}

func (m *Mapper) Prefix() string { return m.prefix }
func (m *Mapper) Server() string { return m.server }

// AddressToHandle returns the puppet user id of a mail address.
func (m *Mapper) AddressToHandle(address string) (string, error) {
	escaped, err := EscapeAddress(address)
	if err != nil {
		return "", err
	}
	return "@" + m.prefix + escaped + ":" + m.server, nil
}

// HandleToAddress returns the mail address a puppet handle stands for.
func (m *Mapper) HandleToAddress(handle string) (string, error) {
	local, ok := m.localpart(handle, "@")
	if !ok {
		return "", fmt.Errorf("%w: %q is not a bridge puppet", domain.ErrMapping, handle)
	}
	addr, err := UnescapeAddress(local)
	if err != nil {
		return "", err
	}
	if again, _ := EscapeAddress(addr); again != local {
		return "", fmt.Errorf("%w: %q is not in canonical form", domain.ErrMapping, handle)
	}
	return addr, nil
}

// IsPuppet reports whether handle is a valid puppet of this bridge.
func (m *Mapper) IsPuppet(handle string) bool {
	_, err := m.HandleToAddress(handle)
	return err == nil
}

// InNamespace reports whether handle lies in the bridge's user namespace,
// valid or not.
func (m *Mapper) InNamespace(handle string) bool {
	_, ok := m.localpart(handle, "@")
	return ok
}

// ThreadToRoomAlias returns the alias of the room bridging threadID for the
// account with the given address.
func (m *Mapper) ThreadToRoomAlias(account, threadID string) (string, error) {
	localpart, err := m.AliasLocalpart(account, threadID)
	if err != nil {
		return "", err
	}
	return "#" + localpart + ":" + m.server, nil
}

// AliasLocalpart is the alias without sigil and server, as room creation
// expects it.
func (m *Mapper) AliasLocalpart(account, threadID string) (string, error) {
	if !threadIDPattern.MatchString(threadID) {
		return "", fmt.Errorf("%w: invalid thread id %q", domain.ErrMapping, threadID)
	}
	escaped, err := EscapeAddress(account)
	if err != nil {
		return "", err
	}
	return m.prefix + threadID + "." + escaped, nil
}

// AliasToThread parses a thread alias back into account address and thread id.
func (m *Mapper) AliasToThread(alias string) (string, string, error) {
	local, ok := m.localpart(alias, "#")
	if !ok {
		return "", "", fmt.Errorf("%w: %q is not a bridge alias", domain.ErrMapping, alias)
	}
	dot := strings.IndexByte(local, '.')
	if dot <= 0 {
		return "", "", fmt.Errorf("%w: %q has no thread id", domain.ErrMapping, alias)
	}
	threadID, escaped := local[:dot], local[dot+1:]
	if !threadIDPattern.MatchString(threadID) {
		return "", "", fmt.Errorf("%w: invalid thread id in %q", domain.ErrMapping, alias)
	}
	account, err := UnescapeAddress(escaped)
	if err != nil {
		return "", "", err
	}
	if again, _ := EscapeAddress(account); again != escaped {
		return "", "", fmt.Errorf("%w: %q is not in canonical form", domain.ErrMapping, alias)
	}
	return account, threadID, nil
}

func (m *Mapper) localpart(id, sigil string) (string, bool) {
	suffix := ":" + m.server
	if !strings.HasPrefix(id, sigil+m.prefix) || !strings.HasSuffix(id, suffix) {
		return "", false
	}
	local := id[len(sigil)+len(m.prefix) : len(id)-len(suffix)]
	return local, local != ""
}

// NormalizeAddress lower-cases and validates a bare mail address.
func NormalizeAddress(address string) (string, string, error) {
	addr := strings.ToLower(strings.TrimSpace(address))
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return "", "", fmt.Errorf("%w: malformed address %q", domain.ErrMapping, address)
	}
	local, host := addr[:at], addr[at+1:]
	if !domainPattern.MatchString(host) {
		return "", "", fmt.Errorf("%w: unsupported domain in %q", domain.ErrMapping, address)
	}
	for i := 0; i < len(local); i++ {
		if local[i] <= ' ' || local[i] == 0x7f {
			return "", "", fmt.Errorf("%w: malformed address %q", domain.ErrMapping, address)
		}
	}
	return local, host, nil
}

// EscapeAddress encodes a mail address into the character set chat
// localparts allow.
func EscapeAddress(address string) (string, error) {
	local, host, err := NormalizeAddress(address)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i := 0; i < len(local); i++ {
		c := local[i]
		if isPlain(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "=%02x", c)
	}
	b.WriteString(atSeparator)
	b.WriteString(host)
	return b.String(), nil
}

// UnescapeAddress reverses EscapeAddress.
func UnescapeAddress(escaped string) (string, error) {
	at := strings.LastIndex(escaped, atSeparator)
	if at <= 0 {
		return "", fmt.Errorf("%w: %q has no address separator", domain.ErrMapping, escaped)
	}
	local, host := escaped[:at], escaped[at+len(atSeparator):]
	if !domainPattern.MatchString(host) {
		return "", fmt.Errorf("%w: unsupported domain in %q", domain.ErrMapping, escaped)
	}
	var b strings.Builder
	for i := 0; i < len(local); i++ {
		c := local[i]
		switch {
		case c == '=':
			if i+2 >= len(local) {
				return "", fmt.Errorf("%w: truncated escape in %q", domain.ErrMapping, escaped)
			}
			hi, ok1 := unhex(local[i+1])
			lo, ok2 := unhex(local[i+2])
			if !ok1 || !ok2 {
				return "", fmt.Errorf("%w: bad escape in %q", domain.ErrMapping, escaped)
			}
			b.WriteByte(hi<<4 | lo)
			i += 2
		case isPlain(c):
			b.WriteByte(c)
		default:
			return "", fmt.Errorf("%w: invalid character %q in %q", domain.ErrMapping, c, escaped)
		}
	}
	return b.String() + "@" + host, nil
}

func isPlain(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '.' || c == '_' || c == '-'
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}
