package domain

// Credential is a materialized credential entry handed to the updater and
// proxy. Keys use the updater's wire names (type, host, url, token, ...).
type Credential map[string]string

// Type returns the credential's type field.
func (c Credential) Type() string { return c["type"] }
