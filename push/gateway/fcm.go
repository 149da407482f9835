package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/senseeact/notifyd/cfg"
	"github.com/senseeact/notifyd/push"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	DefaultFCMEndpoint = "https://fcm.googleapis.com"
	DefaultFCMTimeout  = 10 * time.Second

	fcmScope     = "https://www.googleapis.com/auth/firebase.messaging"
	maxErrorBody = 64 * 1024
)

// FCM error codes that mean the token will never work again
var invalidTokenCodes = map[string]bool{
	"UNREGISTERED":       true,
	"SENDER_ID_MISMATCH": true,
}

func init() {
	push.RegisterGateway("fcm", func(config cfg.PushConfiguration) (push.Gateway, error) {
		return NewFCMGateway(context.Background(), FCMConfig{
			ProjectID:       config.FCM.ProjectID,
			CredentialsFile: config.FCM.CredentialsFile,
			Endpoint:        config.FCM.Endpoint,
		})
	})
}

// FCMConfig holds configuration for FCMGateway
type FCMConfig struct {
	ProjectID       string        // Firebase project
	CredentialsFile string        // Service account JSON, empty for application default credentials
	Endpoint        string        // API base URL (default: DefaultFCMEndpoint)
	Timeout         time.Duration // Per request (default: DefaultFCMTimeout)
	Client          *http.Client  // Authorized client; built from the credentials if nil
}

// FCMGateway sends data messages through the Firebase Cloud Messaging HTTP v1 API
type FCMGateway struct {
	client *http.Client
	url    string
}

// NewFCMGateway creates a gateway authorized with Google credentials
func NewFCMGateway(ctx context.Context, config FCMConfig) (*FCMGateway, error) {
	if config.ProjectID == "" {
		return nil, fmt.Errorf("fcm gateway requires a project id")
	}
	if config.Endpoint == "" {
		config.Endpoint = DefaultFCMEndpoint
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultFCMTimeout
	}

	client := config.Client
	if client == nil {
		ts, err := tokenSource(ctx, config.CredentialsFile)
		if err != nil {
			return nil, err
		}
		client = oauth2.NewClient(ctx, ts)
		client.Timeout = config.Timeout
	}

	return &FCMGateway{
		client: client,
		url:    strings.TrimRight(config.Endpoint, "/") + "/v1/projects/" + config.ProjectID + "/messages:send",
	}, nil
}

func tokenSource(ctx context.Context, credentialsFile string) (oauth2.TokenSource, error) {
	if credentialsFile == "" {
		ts, err := google.DefaultTokenSource(ctx, fcmScope)
		if err != nil {
			return nil, fmt.Errorf("failed to find default google credentials: %w", err)
		}
		return ts, nil
	}

	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read fcm credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, fcmScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fcm credentials: %w", err)
	}
	return creds.TokenSource, nil
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token   string            `json:"token"`
	Data    map[string]string `json:"data"`
	Android fcmAndroidConfig  `json:"android"`
}

type fcmAndroidConfig struct {
	Priority string `json:"priority"`
}

type fcmErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// Send posts one data message with high Android priority
func (g *FCMGateway) Send(ctx context.Context, token string, data map[string]string) error {
	body, err := json.Marshal(fcmRequest{Message: fcmMessage{
		Token:   token,
		Data:    data,
		Android: fcmAndroidConfig{Priority: "HIGH"},
	}})
	if err != nil {
		return fmt.Errorf("failed to encode fcm message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create fcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil
	}

	var errResp fcmErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&errResp); err != nil {
		return fmt.Errorf("fcm returned status %d", resp.StatusCode)
	}
	for _, d := range errResp.Error.Details {
		if invalidTokenCodes[d.ErrorCode] {
			return fmt.Errorf("%w: %s", push.ErrInvalidToken, d.ErrorCode)
		}
	}
	return fmt.Errorf("fcm returned status %d: %s %s", resp.StatusCode, errResp.Error.Status, errResp.Error.Message)
}

// Close is a no-op; the HTTP client holds no resources that need releasing
func (g *FCMGateway) Close() error {
	return nil
}
