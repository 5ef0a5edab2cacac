package domain

import "time"

// Project describes a registered source-control project/organization.
type Project struct {
	ID          string
	Provider    string
	URL         string
	Name        string
	Slug        string
	Description string
	Private     bool

	// Token is the provider access token, encrypted at rest.
	Token []byte

	AutoComplete              bool
	AutoCompleteIgnoreConfigs []int
	AutoApprove               bool

	// Experiments are per-ecosystem feature flags forwarded to the updater.
	Experiments map[string]string

	// Secrets are named values referenced by ${{name}} placeholders in
	// registry credentials. Values are encrypted at rest.
	Secrets map[string][]byte

	SynchronizedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
