package metabase

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

const redacted = "[REDACTED]"

// Credential is a secret used to establish a session. The two
// implementations are *EmailPassword and *APIKey. Secrets never appear in
// fmt, slog or JSON output.
type Credential interface {
	// Kind names the authentication method.
	Kind() string
	// Destroy zeroes the secret. A destroyed credential can no longer
	// authenticate.
	Destroy()

	clone() Credential
	destroyed() bool
}

// EmailPassword authenticates against POST /api/session.
type EmailPassword struct {
	mu       sync.RWMutex
	email    string
	password []byte
	gone     bool
}

// NewEmailPassword copies password into a zeroable buffer.
func NewEmailPassword(email, password string) *EmailPassword {
	return &EmailPassword{
		email:    email,
		password: []byte(password),
	}
}

// Email returns the login name.
func (c *EmailPassword) Email() string { return c.email }

// Kind implements Credential.
func (c *EmailPassword) Kind() string { return "email_password" }

// Destroy implements Credential.
func (c *EmailPassword) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	zero(c.password)
	c.password = nil
	c.gone = true
}

func (c *EmailPassword) destroyed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gone || len(c.password) == 0
}

func (c *EmailPassword) clone() Credential {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &EmailPassword{
		email:    c.email,
		password: append([]byte(nil), c.password...),
		gone:     c.gone,
	}
}

// loginBody renders the POST /api/session payload. The caller must zero
// the returned buffer.
func (c *EmailPassword) loginBody() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	email, _ := json.Marshal(c.email)
	buf := make([]byte, 0, len(email)+len(c.password)+32)
	buf = append(buf, `{"username":`...)
	buf = append(buf, email...)
	buf = append(buf, `,"password":`...)
	buf = appendJSONString(buf, c.password)
	buf = append(buf, '}')
	return buf
}

func (c *EmailPassword) String() string {
	return "EmailPassword{email: " + maskEmail(c.email) + ", password: " + redacted + "}"
}

// GoString keeps %#v redacted.
func (c *EmailPassword) GoString() string { return c.String() }

// LogValue implements slog.LogValuer.
func (c *EmailPassword) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", c.Kind()),
		slog.String("email", maskEmail(c.email)),
		slog.String("password", redacted),
	)
}

// MarshalJSON keeps the secret out of serialized output.
func (c *EmailPassword) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"kind":     c.Kind(),
		"email":    maskEmail(c.email),
		"password": redacted,
	})
}

// APIKey authenticates every request with the X-API-Key header.
type APIKey struct {
	mu   sync.RWMutex
	key  []byte
	gone bool
}

// NewAPIKey copies key into a zeroable buffer.
func NewAPIKey(key string) *APIKey {
	return &APIKey{key: []byte(key)}
}

// Kind implements Credential.
func (c *APIKey) Kind() string { return "api_key" }

// Destroy implements Credential.
func (c *APIKey) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	zero(c.key)
	c.key = nil
	c.gone = true
}

func (c *APIKey) destroyed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gone || len(c.key) == 0
}

func (c *APIKey) clone() Credential {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &APIKey{key: append([]byte(nil), c.key...), gone: c.gone}
}

func (c *APIKey) value() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return string(c.key)
}

func (c *APIKey) String() string { return "APIKey{key: " + redacted + "}" }

// GoString keeps %#v redacted.
func (c *APIKey) GoString() string { return c.String() }

// LogValue implements slog.LogValuer.
func (c *APIKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", c.Kind()),
		slog.String("key", redacted),
	)
}

// MarshalJSON keeps the secret out of serialized output.
func (c *APIKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"kind": c.Kind(), "key": redacted})
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// maskEmail keeps the first character of the local part and the domain.
func maskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		if email == "" {
			return ""
		}
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

const hexDigits = "0123456789abcdef"

// appendJSONString writes s as a quoted JSON string without converting it
// to an immutable Go string.
func appendJSONString(dst, s []byte) []byte {
	dst = append(dst, '"')
	for _, b := range s {
		switch {
		case b == '"' || b == '\\':
			dst = append(dst, '\\', b)
		case b == '\n':
			dst = append(dst, '\\', 'n')
		case b == '\r':
			dst = append(dst, '\\', 'r')
		case b == '\t':
			dst = append(dst, '\\', 't')
		case b < 0x20:
			dst = append(dst, '\\', 'u', '0', '0', hexDigits[b>>4], hexDigits[b&0xf])
		default:
			dst = append(dst, b)
		}
	}
	return append(dst, '"')
}
