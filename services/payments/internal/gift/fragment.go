// Package gift requests Premium gift deliveries from the Fragment API.
package gift

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrRecipientNotFound = errors.New("gift recipient not found")
	ErrNoPaymentLink     = errors.New("gift payment link unavailable")
)

const nanoDecimals = 9

var refPattern = regexp.MustCompile(`Ref#(\d+)`)

// Delivery is the payment the gift provider expects before it activates
// the subscription.
type Delivery struct {
	PaymentAddress string
	Amount         decimal.Decimal
	RequestRef     string
	Memo           string
}

type Account struct {
	Address         string `json:"address"`
	Chain           string `json:"chain"`
	WalletStateInit string `json:"walletStateInit"`
	PublicKey       string `json:"publicKey"`
}

type Device struct {
	Platform           string `json:"platform"`
	AppName            string `json:"appName"`
	AppVersion         string `json:"appVersion"`
	MaxProtocolVersion int    `json:"maxProtocolVersion"`
	Features           []any  `json:"features"`
}

type FragmentConfig struct {
	BaseURL string
	Hash    string
	Cookie  string
	Account Account
	Device  Device
	Timeout time.Duration
}

type Fragment struct {
	cfg    FragmentConfig
	http   *http.Client
	logger *slog.Logger
}

func NewFragment(cfg FragmentConfig, logger *slog.Logger) *Fragment {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://fragment.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Device.Platform == "" {
		cfg.Device = Device{
			Platform:           "mac",
			AppName:            "Tonkeeper",
			AppVersion:         "3.27.2",
			MaxProtocolVersion: 2,
			Features: []any{"SendTransaction", map[string]any{
				"name": "SendTransaction", "maxMessages": 4, "extraCurrenciesSupported": true,
			}},
		}
	}
	if cfg.Account.Chain == "" {
		cfg.Account.Chain = "-239"
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Fragment{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

// RequestDelivery resolves the recipient, opens a gift request and returns
// the payment that settles it. No funds move here.
func (f *Fragment) RequestDelivery(ctx context.Context, recipient string, months int) (*Delivery, error) {
	recipient = strings.TrimPrefix(strings.TrimSpace(recipient), "@")

	resolved, err := f.searchRecipient(ctx, recipient, months)
	if err != nil {
		return nil, err
	}
	reqID, err := f.initRequest(ctx, resolved, months)
	if err != nil {
		return nil, err
	}
	msg, err := f.paymentLink(ctx, reqID)
	if err != nil {
		return nil, err
	}

	nano, err := strconv.ParseInt(strings.TrimSpace(msg.Amount), 10, 64)
	if err != nil || nano <= 0 {
		return nil, fmt.Errorf("gift amount %q: invalid", msg.Amount)
	}
	return &Delivery{
		PaymentAddress: msg.Address,
		Amount:         decimal.New(nano, -nanoDecimals),
		RequestRef:     reqID,
		Memo:           Memo(months, msg.Payload),
	}, nil
}

// Memo rebuilds the human readable transfer comment from the provider's
// base64 payload.
func Memo(months int, payload string) string {
	ref := ""
	if raw, err := decodePayload(payload); err == nil {
		if m := refPattern.FindStringSubmatch(string(raw)); len(m) == 2 {
			ref = m[1]
		}
	}
	return fmt.Sprintf("Telegram Premium for %d months Ref#%s", months, ref)
}

func decodePayload(payload string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(payload); err == nil {
		return raw, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(payload, "="))
}

type searchResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Found *struct {
		Recipient string `json:"recipient"`
		Name      string `json:"name"`
	} `json:"found"`
}

func (f *Fragment) searchRecipient(ctx context.Context, recipient string, months int) (string, error) {
	var resp searchResponse
	err := f.call(ctx, "searchPremiumGiftRecipient", url.Values{
		"query":  {recipient},
		"months": {strconv.Itoa(months)},
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("search recipient %s: %w", recipient, err)
	}
	if resp.Found == nil || resp.Found.Recipient == "" {
		if resp.Error != "" {
			return "", fmt.Errorf("%w: %s: %s", ErrRecipientNotFound, recipient, resp.Error)
		}
		return "", fmt.Errorf("%w: %s", ErrRecipientNotFound, recipient)
	}
	return resp.Found.Recipient, nil
}

type initResponse struct {
	ReqID string `json:"req_id"`
	Error string `json:"error"`
}

func (f *Fragment) initRequest(ctx context.Context, recipient string, months int) (string, error) {
	var resp initResponse
	err := f.call(ctx, "initGiftPremiumRequest", url.Values{
		"recipient": {recipient},
		"months":    {strconv.Itoa(months)},
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("init gift request: %w", err)
	}
	if resp.ReqID == "" {
		return "", fmt.Errorf("init gift request: %s", firstNonEmpty(resp.Error, "empty req_id"))
	}
	return resp.ReqID, nil
}

type linkMessage struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
	Payload string `json:"payload"`
}

type linkResponse struct {
	OK          bool   `json:"ok"`
	Error       string `json:"error"`
	Transaction struct {
		Messages []linkMessage `json:"messages"`
	} `json:"transaction"`
}

func (f *Fragment) paymentLink(ctx context.Context, reqID string) (*linkMessage, error) {
	account, err := json.Marshal(f.cfg.Account)
	if err != nil {
		return nil, err
	}
	device, err := json.Marshal(f.cfg.Device)
	if err != nil {
		return nil, err
	}

	var resp linkResponse
	err = f.call(ctx, "getGiftPremiumLink", url.Values{
		"id":          {reqID},
		"account":     {string(account)},
		"device":      {string(device)},
		"transaction": {"1"},
		"show_sender": {"0"},
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("gift payment link %s: %w", reqID, err)
	}
	if !resp.OK || len(resp.Transaction.Messages) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPaymentLink, firstNonEmpty(resp.Error, reqID))
	}
	msg := resp.Transaction.Messages[0]
	return &msg, nil
}

func (f *Fragment) call(ctx context.Context, method string, form url.Values, out any) error {
	form.Set("method", method)
	endpoint := f.cfg.BaseURL + "/api?hash=" + url.QueryEscape(f.cfg.Hash)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if f.cfg.Cookie != "" {
		req.Header.Set("Cookie", f.cfg.Cookie)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", method, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", method, err)
	}
	f.logger.Debug("fragment call", "method", method)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
