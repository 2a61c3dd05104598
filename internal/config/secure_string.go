package config

// redactedPlaceholder is substituted for any SecureString value whenever it
// is formatted or marshaled, so a logged or persisted Config never leaks a
// credential.
const redactedPlaceholder = "[REDACTED]"

// SecureString wraps a secret (password, client secret, token) so that the
// zero-effort path — fmt.Sprintf, %v in a log line, json.Marshal for a
// debug dump — can never print it. Callers that need the real value use
// Reveal explicitly.
type SecureString string

// String implements fmt.Stringer.
func (s SecureString) String() string { return redactedPlaceholder }

// GoString implements fmt.GoStringer, covering %#v.
func (s SecureString) GoString() string { return redactedPlaceholder }

// MarshalJSON implements json.Marshaler.
func (s SecureString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redactedPlaceholder + `"`), nil
}

// Reveal returns the underlying secret. Use only at the point of actual
// use (opening a DB connection, dialing Redis) — never for logging.
func (s SecureString) Reveal() string { return string(s) }
