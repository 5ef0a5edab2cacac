package gitprovider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound indicates the requested item does not exist on the provider.
var ErrNotFound = errors.New("gitprovider: not found")

// ErrUnauthorized indicates the access token was rejected.
var ErrUnauthorized = errors.New("gitprovider: unauthorized")

// ErrForbidden indicates the token lacks permission for the item.
var ErrForbidden = errors.New("gitprovider: forbidden")

const apiVersion = "7.1"

// Repository is one repository as reported by the provider.
type Repository struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DefaultBranch string `json:"defaultBranch"`
	IsDisabled    bool   `json:"isDisabled"`
	IsFork        bool   `json:"isFork"`
	Size          int64  `json:"size"`
	WebURL        string `json:"webUrl"`
}

// ProjectInfo is the provider's view of a project.
type ProjectInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"`
}

// FileItem is a fetched repository file.
type FileItem struct {
	Path     string
	CommitID string
	Content  string
}

// ConnectionData identifies the authenticated user.
type ConnectionData struct {
	AuthenticatedUserID string
}

// Client talks to the source control provider's REST API for one project.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a provider client. baseURL is the project collection URL,
// e.g. https://dev.azure.com/acme/widgets.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", apiVersion)
	u += "?" + query.Encode()

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	auth := base64.StdEncoding.EncodeToString([]byte(":" + c.token))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case resp.StatusCode >= 300:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("gitprovider: %s %s returned %d: %s", method, path, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetProject fetches the project's display attributes.
func (c *Client) GetProject(ctx context.Context) (*ProjectInfo, error) {
	var info ProjectInfo
	if err := c.do(ctx, http.MethodGet, "", nil, nil, &info); err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &info, nil
}

// ListRepositories returns all repositories of the project.
func (c *Client) ListRepositories(ctx context.Context) ([]Repository, error) {
	var payload struct {
		Value []Repository `json:"value"`
	}
	if err := c.do(ctx, http.MethodGet, "/_apis/git/repositories", nil, nil, &payload); err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	return payload.Value, nil
}

// GetFile fetches one file at a branch head. Missing files return
// ErrNotFound; auth failures keep their distinct sentinels.
func (c *Client) GetFile(ctx context.Context, repositoryID, path, branch string) (*FileItem, error) {
	query := url.Values{}
	query.Set("path", path)
	query.Set("includeContent", "true")
	query.Set("latestProcessedChange", "true")
	if branch != "" {
		query.Set("versionDescriptor.version", branch)
		query.Set("versionDescriptor.versionType", "branch")
	}
	var payload struct {
		Path                  string `json:"path"`
		Content               string `json:"content"`
		CommitID              string `json:"commitId"`
		LatestProcessedChange struct {
			CommitID string `json:"commitId"`
		} `json:"latestProcessedChange"`
	}
	endpoint := fmt.Sprintf("/_apis/git/repositories/%s/items", url.PathEscape(repositoryID))
	if err := c.do(ctx, http.MethodGet, endpoint, query, nil, &payload); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) {
			return nil, err
		}
		return nil, fmt.Errorf("get file %s: %w", path, err)
	}
	commit := payload.LatestProcessedChange.CommitID
	if commit == "" {
		commit = payload.CommitID
	}
	return &FileItem{Path: payload.Path, CommitID: commit, Content: payload.Content}, nil
}

// GetConnectionData returns the authenticated user's identifier.
func (c *Client) GetConnectionData(ctx context.Context) (*ConnectionData, error) {
	var payload struct {
		AuthenticatedUser struct {
			ID string `json:"id"`
		} `json:"authenticatedUser"`
	}
	if err := c.do(ctx, http.MethodGet, "/_apis/connectionData", nil, nil, &payload); err != nil {
		return nil, fmt.Errorf("get connection data: %w", err)
	}
	return &ConnectionData{AuthenticatedUserID: payload.AuthenticatedUser.ID}, nil
}

// Subscription describes a push event webhook registration.
type Subscription struct {
	ID          string
	EventType   string
	ConsumerURL string
}

// EnsureSubscription creates a code push subscription pointing at callbackURL
// unless an equivalent one already exists.
func (c *Client) EnsureSubscription(ctx context.Context, callbackURL string) (*Subscription, error) {
	var existing struct {
		Value []struct {
			ID             string `json:"id"`
			EventType      string `json:"eventType"`
			ConsumerInputs struct {
				URL string `json:"url"`
			} `json:"consumerInputs"`
		} `json:"value"`
	}
	if err := c.do(ctx, http.MethodGet, "/_apis/hooks/subscriptions", nil, nil, &existing); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	for _, sub := range existing.Value {
		if sub.EventType == "git.push" && sub.ConsumerInputs.URL == callbackURL {
			return &Subscription{ID: sub.ID, EventType: sub.EventType, ConsumerURL: sub.ConsumerInputs.URL}, nil
		}
	}

	body := map[string]any{
		"publisherId":      "tfs",
		"eventType":        "git.push",
		"resourceVersion":  "1.0",
		"consumerId":       "webHooks",
		"consumerActionId": "httpRequest",
		"consumerInputs":   map[string]string{"url": callbackURL},
		"publisherInputs":  map[string]string{},
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/_apis/hooks/subscriptions", nil, body, &created); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return &Subscription{ID: created.ID, EventType: "git.push", ConsumerURL: callbackURL}, nil
}
