package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Profile is the provider's view of a user. Optional fields are nil
// when the provider has no value for them.
type Profile struct {
	ID                  string  `json:"id"`
	Username            *string `json:"username"`
	PrimaryEmailAddress *string `json:"primaryEmailAddress"`
	FirstName           *string `json:"firstName"`
	LastName            *string `json:"lastName"`
}

// Provider fetches profiles from the hosted identity service. The
// zero-value-disabled pattern keeps missing credentials a degraded
// capability rather than a crash: Configured() gates every call site.
type Provider struct {
	baseURL string
	apiKey  string

	once   sync.Once
	client *http.Client
}

func NewProvider(baseURL, apiKey string) *Provider {
	return &Provider{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey}
}

func (p *Provider) Configured() bool {
	return p != nil && p.baseURL != ""
}

func (p *Provider) httpClient() *http.Client {
	p.once.Do(func() {
		p.client = &http.Client{Timeout: 5 * time.Second}
	})
	return p.client
}

// FetchProfile looks up a user by external id. Callers fall back to
// local data on any error; an outage here must never block messaging.
func (p *Provider) FetchProfile(ctx context.Context, externalID string) (Profile, error) {
	if !p.Configured() {
		return Profile{}, fmt.Errorf("identity provider not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/users/"+externalID, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient().Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("fetch profile: status %d", resp.StatusCode)
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	return profile, nil
}
