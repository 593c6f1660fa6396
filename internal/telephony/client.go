package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Call is the provider's view of a call resource.
type Call struct {
	SID    string `json:"sid"`
	To     string `json:"to"`
	From   string `json:"from"`
	Status string `json:"status"`
}

// Client talks to the telephony provider's REST API (Twilio-wire-compatible:
// form-encoded requests, basic auth, JSON responses).
type Client struct {
	httpClient *http.Client
	baseURL    string
	accountSID string
	authToken  string
	number     string
}

// NewClient creates a provider REST client. baseURL is the API root
// (e.g. "https://api.twilio.com/2010-04-01"), number the E.164 caller ID
// used for outbound calls.
func NewClient(baseURL, accountSID, authToken, number string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		number:     number,
	}
}

// Configured returns true when the client has credentials and a caller ID.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.accountSID != "" && c.authToken != "" && c.number != ""
}

// Number returns the configured outbound caller ID.
func (c *Client) Number() string {
	return c.number
}

// Initiate originates an outbound call to the given number. from overrides
// the configured caller ID when non-empty. connectURL is fetched by the
// provider when the call is answered and must return the connect document
// pointing at our media stream.
func (c *Client) Initiate(ctx context.Context, to, from, connectURL string) (*Call, error) {
	if from == "" {
		from = c.number
	}
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Url", connectURL)

	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/Accounts/%s/Calls.json", c.accountSID), form)
}

// Status fetches the provider-side state of a call.
func (c *Client) Status(ctx context.Context, callSID string) (*Call, error) {
	return c.do(ctx, http.MethodGet,
		fmt.Sprintf("/Accounts/%s/Calls/%s.json", c.accountSID, callSID), nil)
}

// Hangup asks the provider to complete (end) a call. Already-completed
// calls are not an error.
func (c *Client) Hangup(ctx context.Context, callSID string) error {
	form := url.Values{}
	form.Set("Status", "completed")

	_, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/Accounts/%s/Calls/%s.json", c.accountSID, callSID), form)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values) (*Call, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("provider: creating request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("provider: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("provider: api error (status %d, code %d): %s",
				resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return nil, fmt.Errorf("provider: api returned status %d", resp.StatusCode)
	}

	var call Call
	if err := json.Unmarshal(respBody, &call); err != nil {
		return nil, fmt.Errorf("provider: decoding response: %w", err)
	}

	slog.Debug("provider api call",
		"method", method,
		"path", path,
		"call_sid", call.SID,
		"status", call.Status,
	)
	return &call, nil
}
