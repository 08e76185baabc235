package types

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds credentials (provider API keys, broker passwords) and
// renders as a placeholder through fmt and encoding/json so config dumps and
// log lines never carry the raw value.
type SecretString string

// String implements fmt.Stringer.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON implements json.Marshaler.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw value for handing to a client library.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsSet reports whether a non-empty value was configured.
func (s SecretString) IsSet() bool {
	return s != ""
}
