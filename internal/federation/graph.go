package federation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/nosdesk/nosdesk/internal/config"
)

const (
	graphBaseURL = "https://graph.microsoft.com/v1.0"
	// Courtesy delays between paged requests and photo fetches keep the
	// sync well under Graph throttling limits.
	pageDelay  = 100 * time.Millisecond
	photoDelay = 200 * time.Millisecond
)

// GraphUser is the subset of the Microsoft Graph user resource the sync
// consumes.
type GraphUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
	AccountEnabled    bool   `json:"accountEnabled"`
}

// Email returns the best address for the user; not every directory account
// has a mailbox.
func (u GraphUser) Email() string {
	if u.Mail != "" {
		return u.Mail
	}
	return u.UserPrincipalName
}

// GraphClient talks to Microsoft Graph with application (client credential)
// permissions.
type GraphClient struct {
	http   *http.Client
	logger *slog.Logger
}

// NewGraphClient configures the client-credentials token source for the
// tenant. Tokens are fetched and refreshed lazily by the oauth2 transport.
func NewGraphClient(ctx context.Context, cfg config.MicrosoftConfig, logger *slog.Logger) *GraphClient {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return &GraphClient{http: cc.Client(ctx), logger: logger}
}

// ListUsers walks the full user collection, following @odata.nextLink until
// exhausted.
func (c *GraphClient) ListUsers(ctx context.Context) ([]GraphUser, error) {
	url := graphBaseURL + "/users?$select=id,displayName,mail,userPrincipalName,accountEnabled&$top=100"

	var users []GraphUser
	for url != "" {
		var page struct {
			Value    []GraphUser `json:"value"`
			NextLink string      `json:"@odata.nextLink"`
		}
		if err := c.getJSON(ctx, url, &page); err != nil {
			return nil, err
		}
		users = append(users, page.Value...)
		url = page.NextLink

		if url != "" {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pageDelay):
			}
		}
	}
	c.logger.Info("graph_users_listed", "count", len(users))
	return users, nil
}

// FetchPhotoDataURL fetches the user's photo as a data URL, preferring the
// small 64x64 rendition and falling back to the original. A missing photo
// is not an error; the result is empty.
func (c *GraphClient) FetchPhotoDataURL(ctx context.Context, userID string) (string, error) {
	for _, path := range []string{
		fmt.Sprintf("/users/%s/photos/64x64/$value", userID),
		fmt.Sprintf("/users/%s/photo/$value", userID),
	} {
		data, contentType, err := c.getBytes(ctx, graphBaseURL+path)
		if err != nil {
			return "", err
		}
		if data != nil {
			return fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data)), nil
		}
	}
	return "", nil
}

func (c *GraphClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("graph returned %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// getBytes returns (nil, "", nil) on 404 so callers can try a fallback.
func (c *GraphClient) getBytes(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("graph returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, "", err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return data, contentType, nil
}
