// Package fcm delivers pushes through the Firebase Cloud Messaging HTTP v1
// API.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"

	"chatpush/internal/push"
	logx "chatpush/pkg/logx"
)

const (
	DefaultBaseURL  = "https://fcm.googleapis.com"
	scopeMessaging  = "https://www.googleapis.com/auth/firebase.messaging"
	defaultTokenURL = "https://oauth2.googleapis.com/token"
)

// Config selects the project and credentials. AccessToken wins over
// CredentialsFile.
type Config struct {
	ProjectID       string
	BaseURL         string
	AccessToken     string
	CredentialsFile string
	// HTTPClient is used as the transport under the oauth2 client.
	HTTPClient *http.Client
}

type Provider struct {
	client  *http.Client
	url     string
	project string
	log     logx.Logger
}

type serviceAccount struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

func New(ctx context.Context, cfg Config, log logx.Logger) (*Provider, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	}

	project := strings.TrimSpace(cfg.ProjectID)
	var ts oauth2.TokenSource
	switch {
	case strings.TrimSpace(cfg.AccessToken) != "":
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: strings.TrimSpace(cfg.AccessToken)})
	case strings.TrimSpace(cfg.CredentialsFile) != "":
		sa, err := readServiceAccount(cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		if project == "" {
			project = sa.ProjectID
		}
		tokenURL := sa.TokenURI
		if tokenURL == "" {
			tokenURL = defaultTokenURL
		}
		jc := &jwt.Config{
			Email:        sa.ClientEmail,
			PrivateKey:   []byte(sa.PrivateKey),
			PrivateKeyID: sa.PrivateKeyID,
			Scopes:       []string{scopeMessaging},
			TokenURL:     tokenURL,
		}
		ts = jc.TokenSource(ctx)
	default:
		return nil, errors.New("fcm: access_token or credentials_file is required")
	}
	if project == "" {
		return nil, errors.New("fcm: project_id is required")
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return &Provider{
		client:  oauth2.NewClient(ctx, oauth2.ReuseTokenSource(nil, ts)),
		url:     fmt.Sprintf("%s/v1/projects/%s/messages:send", base, project),
		project: project,
		log:     log,
	}, nil
}

func readServiceAccount(path string) (serviceAccount, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return serviceAccount{}, fmt.Errorf("fcm: read credentials: %w", err)
	}
	var sa serviceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return serviceAccount{}, fmt.Errorf("fcm: parse credentials: %w", err)
	}
	if sa.Type != "" && sa.Type != "service_account" {
		return serviceAccount{}, fmt.Errorf("fcm: unsupported credentials type %q", sa.Type)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return serviceAccount{}, errors.New("fcm: credentials miss client_email or private_key")
	}
	return sa, nil
}

func (p *Provider) Name() string { return "fcm" }

func (p *Provider) Send(ctx context.Context, msg push.Message) error {
	return p.post(ctx, request{Message: toWire(msg)})
}

// Validate asks FCM to validate a data-only message without delivering it.
func (p *Provider) Validate(ctx context.Context, endpoint string) error {
	return p.post(ctx, request{
		ValidateOnly: true,
		Message:      wireMessage{Token: endpoint, Data: map[string]string{"test": "connectivity"}},
	})
}

type request struct {
	ValidateOnly bool        `json:"validate_only,omitempty"`
	Message      wireMessage `json:"message"`
}

type wireMessage struct {
	Token        string            `json:"token"`
	Notification *wireNotification `json:"notification,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	Android      *wireAndroid      `json:"android,omitempty"`
}

type wireNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type wireAndroid struct {
	Priority     string                   `json:"priority,omitempty"`
	Notification *wireAndroidNotification `json:"notification,omitempty"`
}

type wireAndroidNotification struct {
	ChannelID string `json:"channel_id,omitempty"`
}

func toWire(msg push.Message) wireMessage {
	w := wireMessage{Token: msg.Endpoint, Data: msg.Data}
	if msg.Notification.Title != "" || msg.Notification.Body != "" {
		w.Notification = &wireNotification{Title: msg.Notification.Title, Body: msg.Notification.Body}
	}
	if msg.Android.Priority != "" || msg.Android.ChannelID != "" {
		w.Android = &wireAndroid{Priority: strings.ToUpper(msg.Android.Priority)}
		if msg.Android.ChannelID != "" {
			w.Android.Notification = &wireAndroidNotification{ChannelID: msg.Android.ChannelID}
		}
	}
	return w
}

type errorBody struct {
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

func (p *Provider) post(ctx context.Context, body request) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 == 2 {
		return nil
	}
	return classify(resp.StatusCode, raw)
}

// classify turns an FCM error response into an error; unregistered or
// malformed tokens wrap push.ErrInvalidEndpoint.
func classify(status int, raw []byte) error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)

	// The FcmError detail carries the token-level code. The top-level
	// status alone (NOT_FOUND in particular) can describe the project.
	code := eb.Error.Status
	for _, d := range eb.Error.Details {
		if d.ErrorCode != "" {
			code = d.ErrorCode
			break
		}
	}
	msg := eb.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}

	invalid := false
	switch code {
	case "UNREGISTERED":
		invalid = true
	case "INVALID_ARGUMENT":
		lower := strings.ToLower(msg)
		invalid = strings.Contains(lower, "registration token") || strings.Contains(lower, "message.token")
	}

	if invalid {
		return fmt.Errorf("%w: fcm %d %s: %s", push.ErrInvalidEndpoint, status, code, msg)
	}
	return fmt.Errorf("fcm: status %d %s: %s", status, code, msg)
}
