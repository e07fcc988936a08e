package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-notepad/internal/config"
)

// Credentials authenticate one recognition session. They are minted per
// session start and never cached.
type Credentials struct {
	AppID     string `json:"appId"`
	Token     string `json:"token"`
	Timestamp int64  `json:"timestamp"`
}

// Issuer mints recognition credentials.
type Issuer interface {
	Issue(ctx context.Context) (Credentials, error)
}

// New builds the issuer selected by cfg.Mode.
func New(cfg config.TokenConfig) (Issuer, error) {
	switch cfg.Mode {
	case "hmac":
		return NewHMACIssuer(cfg.AppID, cfg.SecretKey)
	case "remote":
		return NewRemoteIssuer(cfg.Endpoint, nil), nil
	default:
		return nil, fmt.Errorf("unsupported token mode %q", cfg.Mode)
	}
}

type hmacIssuer struct {
	appID  string
	secret []byte
	clock  func() time.Time
}

// NewHMACIssuer signs "appid=<id>&timestamp=<unix>" with HMAC-SHA256 and the
// secret key, hex encoded.
func NewHMACIssuer(appID, secretKey string) (Issuer, error) {
	if appID == "" || secretKey == "" {
		return nil, errors.New("token: app id and secret key are required")
	}
	return &hmacIssuer{appID: appID, secret: []byte(secretKey), clock: time.Now}, nil
}

func (i *hmacIssuer) Issue(_ context.Context) (Credentials, error) {
	ts := i.clock().Unix()
	return Credentials{
		AppID:     i.appID,
		Token:     Sign(i.appID, ts, i.secret),
		Timestamp: ts,
	}, nil
}

// Sign returns the hex HMAC-SHA256 signature for appID at timestamp.
func Sign(appID string, timestamp int64, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("appid=" + appID + "&timestamp=" + strconv.FormatInt(timestamp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

type remoteIssuer struct {
	endpoint string
	client   *http.Client
}

// NewRemoteIssuer fetches credentials from an HTTP endpoint answering
// {"token": "...", "timestamp": 0, "appId": "..."}.
func NewRemoteIssuer(endpoint string, client *http.Client) Issuer {
	if client == nil {
		client = http.DefaultClient
	}
	return &remoteIssuer{endpoint: endpoint, client: client}
}

func (i *remoteIssuer) Issue(ctx context.Context) (Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.endpoint, nil)
	if err != nil {
		return Credentials{}, err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("fetch recognition token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Credentials{}, fmt.Errorf("token endpoint returned status %s: %s", resp.Status, body)
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return Credentials{}, fmt.Errorf("decode token response: %w", err)
	}
	if creds.AppID == "" || creds.Token == "" {
		return Credentials{}, errors.New("token response missing appId or token")
	}
	return creds, nil
}
