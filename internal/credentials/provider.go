package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Provider exchanges a refresh token for a new token pair.
type Provider interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

// ProviderError is a non-2xx answer from the token endpoint.
type ProviderError struct {
	StatusCode int
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("token endpoint: http %d: %s", e.StatusCode, e.Code)
}

// HTTPProvider speaks the OAuth2 refresh_token grant over a form POST.
type HTTPProvider struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Client       *http.Client
	Now          func() time.Time
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Error        string `json:"error"`
}

func (p *HTTPProvider) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {p.ClientID},
		"client_secret": {p.ClientSecret},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Tokens{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return Tokens{}, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Tokens{}, err
	}
	var tr tokenResponse
	_ = json.Unmarshal(body, &tr)

	if res.StatusCode/100 != 2 {
		if res.StatusCode == http.StatusUnauthorized || tr.Error == "invalid_grant" {
			return Tokens{}, ErrReauthRequired
		}
		code := tr.Error
		if code == "" {
			code = "unknown"
		}
		return Tokens{}, &ProviderError{StatusCode: res.StatusCode, Code: code}
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return Tokens{}, fmt.Errorf("token endpoint: malformed response")
	}

	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	t := Tokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(tr.ExpiresIn) * time.Second),
	}
	if tr.Scope != "" {
		t.Scopes = strings.Fields(tr.Scope)
	}
	return t, nil
}
