package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client issues authenticated call-control requests against the ARI REST
// surface. A non-2xx response is an error for that operation only, never a
// fatal condition for the adapter.
type Client struct {
	baseURL  string
	user     string
	password string
	app      string
	client   *http.Client
}

func NewClient(baseURL, user, password, app string) *Client {
	return &Client{
		baseURL:  baseURL,
		user:     user,
		password: password,
		app:      app,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// RecordParams configures a channel recording. Format, silence cutoff, beep
// and terminate key are fixed by the dialog design.
type RecordParams struct {
	Name               string
	MaxDurationSeconds int
}

// OriginateParams describes the outbound leg created for a blind transfer.
type OriginateParams struct {
	Extension      string
	TransferFrom   string
	TimeoutSeconds int
	CallerID       string
}

// Answer answers an incoming channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	_, err := c.do(ctx, http.MethodPost, "/ari/channels/"+url.PathEscape(channelID)+"/answer", nil)
	return err
}

// Play starts playback of a sound reference (e.g. "sound:custom/<name>") on
// the channel.
func (c *Client) Play(ctx context.Context, channelID, soundRef string) error {
	q := url.Values{"media": {soundRef}}
	_, err := c.do(ctx, http.MethodPost, "/ari/channels/"+url.PathEscape(channelID)+"/play", q)
	return err
}

// Record starts a WAV recording on the channel. Recording stops after two
// seconds of silence or when the caller presses "#".
func (c *Client) Record(ctx context.Context, channelID string, p RecordParams) error {
	q := url.Values{
		"name":               {p.Name},
		"format":             {"wav"},
		"maxDurationSeconds": {strconv.Itoa(p.MaxDurationSeconds)},
		"maxSilenceSeconds":  {"2"},
		"beep":               {"no"},
		"terminateOn":        {"#"},
	}
	_, err := c.do(ctx, http.MethodPost, "/ari/channels/"+url.PathEscape(channelID)+"/record", q)
	return err
}

// Originate creates a new channel toward an internal extension and returns
// its id. Success means the leg was created, not that anyone answered.
func (c *Client) Originate(ctx context.Context, p OriginateParams) (string, error) {
	q := url.Values{
		"endpoint": {"PJSIP/" + p.Extension},
		"app":      {c.app},
		"appArgs":  {"transfer," + p.TransferFrom},
		"timeout":  {strconv.Itoa(p.TimeoutSeconds)},
		"callerId": {p.CallerID},
	}
	body, err := c.do(ctx, http.MethodPost, "/ari/channels", q)
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("ari: decode originate response: %w", err)
	}
	return created.ID, nil
}

// Hangup terminates the channel.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/ari/channels/"+url.PathEscape(channelID), nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("ari: create request: %w", err)
	}
	req.SetBasicAuth(c.user, c.password)

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ari: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("ari: read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("ari: %s %s: status %d: %s", method, path, res.StatusCode, string(body))
	}
	return body, nil
}
