package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// State is the raw connection state reported by the gateway for an
// instance.  "open" means an authenticated WhatsApp session exists.
type State string

const (
	StateOpen       State = "open"
	StateConnecting State = "connecting"
	StateClose      State = "close"
)

// ErrInstanceNotFound is returned when the gateway answers 404 for an
// instance, meaning it was never created or has been removed.
var ErrInstanceNotFound = errors.New("gateway instance not found")

// Client issues HTTP calls against an Evolution-API-compatible
// messaging gateway.  All calls are synchronous; retry policy is left
// to the caller (the lifecycle manager's polling cadence).
type Client struct {
	baseURL       string
	apiKey        string
	webhookURL    string
	webhookSecret string
	http          *http.Client
}

// NewClient constructs a gateway client.  webhookURL and webhookSecret
// are registered with every created instance so the gateway can call
// back; pass empty strings to skip webhook registration.
func NewClient(baseURL, apiKey, webhookURL, webhookSecret string) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		webhookURL:    webhookURL,
		webhookSecret: webhookSecret,
		http:          &http.Client{Timeout: 20 * time.Second},
	}
}

// Configured reports whether the client has enough configuration to
// reach a gateway.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	if !c.Configured() {
		return nil, errors.New("whatsapp gateway not configured")
	}
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrInstanceNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode gateway response: %w", err)
		}
	}
	return nil
}

type createInstanceRequest struct {
	InstanceName    string          `json:"instanceName"`
	Webhook         *webhookOptions `json:"webhook,omitempty"`
	WebhookByEvents bool            `json:"webhookByEvents"`
}

type webhookOptions struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

// CreateInstance registers a new instance with the gateway.  Creation
// is idempotent on the gateway side: re-creating an existing instance
// name returns its current record.
func (c *Client) CreateInstance(ctx context.Context, name string) error {
	body := createInstanceRequest{InstanceName: name, WebhookByEvents: true}
	if c.webhookURL != "" {
		body.Webhook = &webhookOptions{URL: c.webhookURL, Secret: c.webhookSecret}
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/instance/create", body)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// connectionStateResponse accepts both response shapes seen across
// gateway versions: a top-level state and one nested under "instance".
type connectionStateResponse struct {
	State    string `json:"state"`
	Instance struct {
		State string `json:"state"`
	} `json:"instance"`
}

// ConnectionState queries the gateway for the live state of an
// instance.  A 404 is surfaced as ErrInstanceNotFound.
func (c *Client) ConnectionState(ctx context.Context, name string) (State, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/instance/connectionState/"+name, nil)
	if err != nil {
		return "", err
	}
	var out connectionStateResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	st := out.State
	if st == "" {
		st = out.Instance.State
	}
	if st == "" {
		return "", errors.New("gateway returned no connection state")
	}
	return State(st), nil
}

type qrCodeResponse struct {
	QRCode string `json:"qrcode"`
	Base64 string `json:"base64"`
	Code   string `json:"code"`
}

// QRCode fetches the current pairing QR for an instance as a base64
// PNG.  Older gateways return only the raw pairing string; in that
// case the PNG is rendered locally.
func (c *Client) QRCode(ctx context.Context, name string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/instance/qrcode/"+name, nil)
	if err != nil {
		return "", err
	}
	var out qrCodeResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	switch {
	case out.QRCode != "":
		return stripDataURL(out.QRCode), nil
	case out.Base64 != "":
		return stripDataURL(out.Base64), nil
	case out.Code != "":
		png, err := qrcode.Encode(out.Code, qrcode.Medium, 256)
		if err != nil {
			return "", fmt.Errorf("render qr code: %w", err)
		}
		return base64.StdEncoding.EncodeToString(png), nil
	}
	return "", errors.New("qr code not available")
}

// stripDataURL removes a "data:image/png;base64," style prefix when
// present so callers always see bare base64.
func stripDataURL(s string) string {
	if i := strings.Index(s, "base64,"); i >= 0 {
		return s[i+len("base64,"):]
	}
	return s
}

type sendTextRequest struct {
	Number  string `json:"number"`
	Options struct {
		Delay    int    `json:"delay"`
		Presence string `json:"presence"`
	} `json:"options"`
	TextMessage struct {
		Text string `json:"text"`
	} `json:"textMessage"`
}

// SendAck is the gateway's acknowledgement for an accepted outbound
// message.
type SendAck struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	Status string `json:"status"`
}

// SendText delivers a text message through the instance.  number must
// already be normalized to digits only.
func (c *Client) SendText(ctx context.Context, name, number, text string) (*SendAck, error) {
	body := sendTextRequest{Number: number}
	body.Options.Delay = 1200
	body.Options.Presence = "composing"
	body.TextMessage.Text = text
	req, err := c.newRequest(ctx, http.MethodPost, "/message/text/"+name, body)
	if err != nil {
		return nil, err
	}
	ack := &SendAck{}
	if err := c.do(req, ack); err != nil {
		return nil, err
	}
	return ack, nil
}

// Logout terminates the WhatsApp session for an instance.  The
// instance record remains on the gateway and can be reconnected.
func (c *Client) Logout(ctx context.Context, name string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/instance/logout/"+name, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}
