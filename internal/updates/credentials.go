package updates

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/splax/depwatch/internal/domain"
)

// placeholderPattern matches ${{ name }} references inside registry
// credential values. Names are matched case insensitively against the
// project's secret bag.
var placeholderPattern = regexp.MustCompile(`\$\{\{\s*([A-Za-z0-9_-]+)\s*\}\}`)

// secretFields are the credential keys stripped when producing metadata for
// the untrusted updater container.
var secretFields = []string{"username", "token", "password", "key", "auth-key"}

// SubstitutePlaceholders replaces ${{name}} references in value with secrets
// looked up case insensitively. Unresolved references are left as literal
// text.
func SubstitutePlaceholders(value string, secrets map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(value, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		for k, v := range secrets {
			if strings.EqualFold(k, name) {
				return v
			}
		}
		return match
	})
}

// BuildGitSourceCredential returns the credential granting the updater and
// proxy access to the source control provider itself.
func BuildGitSourceCredential(providerURL, token string) (domain.Credential, error) {
	u, err := url.Parse(providerURL)
	if err != nil {
		return nil, fmt.Errorf("parse provider url: %w", err)
	}
	return domain.Credential{
		"type":     "git_source",
		"host":     u.Hostname(),
		"username": "x-access-token",
		"password": token,
	}, nil
}

// BuildRegistryCredential maps one registry declaration to a credential
// document, applying the per type field rewrites and substituting secret
// placeholders from the project's secret bag.
func BuildRegistryCredential(name string, reg domain.Registry, secrets map[string]string) (domain.Credential, error) {
	credType := strings.ReplaceAll(reg.Type, "-", "_")
	cred := domain.Credential{"type": credType}

	set := func(key, value string) {
		if value != "" {
			cred[key] = SubstitutePlaceholders(value, secrets)
		}
	}
	set("url", reg.URL)
	set("username", reg.Username)
	set("password", reg.Password)
	set("key", reg.Key)
	set("token", reg.Token)
	set("organization", reg.Organization)
	set("repo", reg.Repo)
	set("auth-key", reg.AuthKey)
	set("public-key-fingerprint", reg.PublicKeyFingerprint)
	if reg.ReplacesBase {
		cred["replaces-base"] = strconv.FormatBool(reg.ReplacesBase)
	}

	switch credType {
	case "hex_organization":
		if cred["organization"] == "" {
			return nil, fmt.Errorf("registry %q: hex_organization requires organization", name)
		}
	case "hex_repository":
		if cred["repo"] == "" {
			return nil, fmt.Errorf("registry %q: hex_repository requires repo", name)
		}
	case "docker_registry", "npm_registry":
		registry, err := stripScheme(cred["url"])
		if err != nil {
			return nil, fmt.Errorf("registry %q: %w", name, err)
		}
		cred["registry"] = registry
		delete(cred, "url")
	case "terraform_registry":
		host, err := hostOf(cred["url"])
		if err != nil {
			return nil, fmt.Errorf("registry %q: %w", name, err)
		}
		cred["host"] = host
		delete(cred, "url")
	case "composer_repository":
		host, err := hostOf(cred["url"])
		if err != nil {
			return nil, fmt.Errorf("registry %q: %w", name, err)
		}
		cred["host"] = host
	case "python_index":
		if cred["url"] == "" {
			return nil, fmt.Errorf("registry %q: python_index requires url", name)
		}
		cred["index-url"] = cred["url"]
		delete(cred, "url")
	}
	return cred, nil
}

// BuildCredentials produces the full per job credential list: the provider's
// git_source credential followed by one credential per referenced registry.
func BuildCredentials(providerURL, token string, registries map[string]domain.Registry, referenced []string, secrets map[string]string) ([]domain.Credential, error) {
	creds := make([]domain.Credential, 0, 1+len(referenced))
	git, err := BuildGitSourceCredential(providerURL, token)
	if err != nil {
		return nil, err
	}
	creds = append(creds, git)
	for _, name := range referenced {
		reg, ok := registries[name]
		if !ok {
			return nil, fmt.Errorf("unknown registry %q", name)
		}
		cred, err := BuildRegistryCredential(name, reg, secrets)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// Redact strips secret bearing fields from each credential, producing the
// metadata list embedded in the job definition. Input credentials are not
// modified.
func Redact(creds []domain.Credential) []domain.Credential {
	out := make([]domain.Credential, 0, len(creds))
	for _, cred := range creds {
		meta := make(domain.Credential, len(cred))
		for k, v := range cred {
			meta[k] = v
		}
		for _, field := range secretFields {
			delete(meta, field)
		}
		out = append(out, meta)
	}
	return out
}

// stripScheme rewrites a registry URL into host+path form with the scheme
// removed and any trailing slash trimmed.
func stripScheme(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("missing url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	registry := u.Host + u.Path
	return strings.TrimSuffix(registry, "/"), nil
}

func hostOf(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("missing url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	return u.Hostname(), nil
}
