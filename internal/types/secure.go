package types

import "log/slog"

const redacted = "***REDACTED***"

// SecretString holds a credential (bot token, log-shipping token, database
// URL) and renders as a placeholder through fmt, encoding/json and slog.
// Call Unmask only at the point the raw value is handed to a transport.
type SecretString string

func (s SecretString) String() string { return redacted }

// GoString covers the %#v verb, which bypasses String.
func (s SecretString) GoString() string { return redacted }

func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// LogValue keeps the secret out of structured log records.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// IsSet reports whether a non-empty value was configured.
func (s SecretString) IsSet() bool { return s != "" }

// Unmask returns the plaintext value.
func (s SecretString) Unmask() string { return string(s) }
