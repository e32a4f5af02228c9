package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/example/ride-dispatch/internal/observability"
)

// ErrPushDelivery marks a push the gateway refused or never answered.
var ErrPushDelivery = errors.New("push delivery failed")

// Credentials hands out the bearer token for the gateway.
type Credentials interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// Message is the FCM HTTP v1 message envelope.
type Message struct {
	Token        string            `json:"token"`
	Notification *MessageContent   `json:"notification,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	Android      *AndroidConfig    `json:"android,omitempty"`
	APNS         *APNSConfig       `json:"apns,omitempty"`
	Webpush      *WebpushConfig    `json:"webpush,omitempty"`
}

type MessageContent struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type AndroidConfig struct {
	Priority     string               `json:"priority,omitempty"`
	Notification *AndroidNotification `json:"notification,omitempty"`
}

type AndroidNotification struct {
	Sound       string `json:"sound,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	ClickAction string `json:"click_action,omitempty"`
}

type APNSConfig struct {
	Headers map[string]string `json:"headers,omitempty"`
	Payload APNSPayload       `json:"payload"`
}

type APNSPayload struct {
	Aps Aps `json:"aps"`
}

type Aps struct {
	Sound string `json:"sound,omitempty"`
	Badge int    `json:"badge,omitempty"`
}

type WebpushConfig struct {
	Notification *WebpushNotification `json:"notification,omitempty"`
}

type WebpushNotification struct {
	Icon string `json:"icon,omitempty"`
}

type sendRequest struct {
	Message Message `json:"message"`
}

type sendResponse struct {
	Name  string `json:"name"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// FCMClient posts messages to the FCM HTTP v1 send endpoint.
type FCMClient struct {
	Endpoint  string
	ProjectID string
	Creds     Credentials
	Client    *http.Client
}

func NewFCMClient(endpoint, projectID string, creds Credentials, timeout time.Duration) *FCMClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &FCMClient{
		Endpoint:  strings.TrimRight(endpoint, "/"),
		ProjectID: projectID,
		Creds:     creds,
		Client:    &http.Client{Timeout: timeout},
	}
}

// Send delivers msg and returns the gateway message name. Credential
// failures are returned unchanged; gateway refusals wrap ErrPushDelivery.
func (f *FCMClient) Send(ctx context.Context, msg Message) (string, error) {
	tok, err := f.Creds.Token(ctx)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(sendRequest{Message: msg})
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	url := fmt.Sprintf("%s/projects/%s/messages:send", f.Endpoint, f.ProjectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	tok.SetAuthHeader(req)

	start := time.Now()
	resp, err := f.Client.Do(req)
	observability.PushLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPushDelivery, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var out sendResponse
	decodeErr := json.Unmarshal(body, &out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := "FCM error"
		if decodeErr == nil && out.Error != nil && out.Error.Message != "" {
			reason = out.Error.Message
		}
		return "", fmt.Errorf("%w: %s", ErrPushDelivery, reason)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrPushDelivery, decodeErr)
	}
	return out.Name, nil
}

// stringifyData flattens payload values to the string map the gateway
// requires. Keys from data override type and click_action.
func stringifyData(notifType, clickAction string, data map[string]any) map[string]string {
	out := make(map[string]string, len(data)+2)
	if notifType != "" {
		out["type"] = notifType
	}
	if clickAction != "" {
		out["click_action"] = clickAction
	}
	for k, v := range data {
		out[k] = stringify(v)
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case fmt.Stringer:
		return t.String()
	default:
		if rv := reflect.ValueOf(t); rv.Kind() == reflect.String {
			return rv.String()
		}
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
