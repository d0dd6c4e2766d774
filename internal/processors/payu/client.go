package payu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"paycore/internal/payment"
)

const (
	productionBase = "https://secure.payu.com"
	sandboxBase    = "https://secure.snd.payu.com"

	oauthPath  = "/pl/standard/user/oauth/authorize"
	ordersPath = "/api/v2_1/orders"

	// Tokens are refreshed ahead of expiry so an in-flight request never
	// carries a token that dies mid-call.
	tokenEarlyRefresh = 5 * time.Second
)

// client talks to the PayU REST API with OAuth client-credentials
// authentication. One instance is shared per backend; the token cache is
// safe for concurrent use.
type client struct {
	http         *http.Client
	baseURL      string
	clientID     string
	clientSecret string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func newClient(baseURL, clientID, clientSecret string, timeout time.Duration) *client {
	return &client{
		http:         &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// accessToken returns a cached token, fetching a fresh one when the cached
// token is missing or within tokenEarlyRefresh of expiry.
func (c *client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Until(c.tokenExpiry) > tokenEarlyRefresh {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+oauthPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", payment.NewCredentialsError("requesting OAuth token", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", payment.NewCredentialsError(
			fmt.Sprintf("OAuth token request returned %d", resp.StatusCode), nil)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", payment.NewCredentialsError("decoding OAuth token", err)
	}
	if tok.AccessToken == "" {
		return "", payment.NewCredentialsError("OAuth response carried no token", nil)
	}

	c.token = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.token, nil
}

// do performs an authenticated JSON request and decodes the response into
// out. PayU answers order creation with a redirect; redirects are never
// followed, the JSON body is what matters.
func (c *client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return 0, err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	noRedirect := *c.http
	noRedirect.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	resp, err := noRedirect.Do(req)
	if err != nil {
		return 0, payment.NewCommunicationError("calling PayU", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, payment.NewCommunicationError("decoding PayU response", err)
		}
	}
	return resp.StatusCode, nil
}
