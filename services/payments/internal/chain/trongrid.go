package chain

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MainnetUSDT is the USDT-TRC20 contract on TRON mainnet.
const MainnetUSDT = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"

// ErrMalformedEvent marks a Transfer event that could not be decoded. The
// block holding it must not be marked as checked.
var ErrMalformedEvent = errors.New("malformed transfer event")

const (
	usdtDecimals = 6
	eventsPage   = 200
	maxPages     = 20
)

type TronGridConfig struct {
	BaseURL  string
	APIKey   string
	Contract string
	Timeout  time.Duration
}

// TronGrid reads block heights and contract events over the TronGrid HTTP
// API.
type TronGrid struct {
	cfg    TronGridConfig
	http   *http.Client
	logger *slog.Logger
}

func NewTronGrid(cfg TronGridConfig, logger *slog.Logger) *TronGrid {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.trongrid.io"
	}
	if cfg.Contract == "" {
		cfg.Contract = MainnetUSDT
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &TronGrid{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

type nowBlockResponse struct {
	BlockHeader struct {
		RawData struct {
			Number int64 `json:"number"`
		} `json:"raw_data"`
	} `json:"block_header"`
}

func (c *TronGrid) LatestHeight(ctx context.Context) (int64, error) {
	var resp nowBlockResponse
	if err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/wallet/getnowblock", &resp); err != nil {
		return 0, fmt.Errorf("latest block: %w", err)
	}
	if resp.BlockHeader.RawData.Number <= 0 {
		return 0, fmt.Errorf("latest block: empty header")
	}
	return resp.BlockHeader.RawData.Number, nil
}

type eventsResponse struct {
	Success bool    `json:"success"`
	Error   string  `json:"error"`
	Data    []event `json:"data"`
	Meta    struct {
		Fingerprint string `json:"fingerprint"`
	} `json:"meta"`
}

type event struct {
	TransactionID string `json:"transaction_id"`
	BlockNumber   int64  `json:"block_number"`
	EventIndex    int    `json:"event_index"`
	EventName     string `json:"event_name"`
	Result        struct {
		From  string `json:"from"`
		To    string `json:"to"`
		Value string `json:"value"`
	} `json:"result"`
}

// TransferEvents returns the USDT transfers into address recorded at height,
// in ledger order: transactions as the node lists them oldest first, events
// of one transaction by event index. An event that cannot be decoded fails
// the whole block with ErrMalformedEvent unless its recipient is known to
// be another address.
func (c *TronGrid) TransferEvents(ctx context.Context, address string, height int64) ([]Transfer, error) {
	var out []Transfer
	fingerprint := ""
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("event_name", "Transfer")
		q.Set("block_number", strconv.FormatInt(height, 10))
		q.Set("only_confirmed", "true")
		q.Set("order_by", "block_timestamp,asc")
		q.Set("limit", strconv.Itoa(eventsPage))
		if fingerprint != "" {
			q.Set("fingerprint", fingerprint)
		}
		endpoint := fmt.Sprintf("%s/v1/contracts/%s/events?%s", c.cfg.BaseURL, c.cfg.Contract, q.Encode())

		var resp eventsResponse
		if err := c.do(ctx, http.MethodGet, endpoint, &resp); err != nil {
			return nil, fmt.Errorf("events at %d: %w", height, err)
		}
		if !resp.Success {
			return nil, fmt.Errorf("events at %d: %s", height, resp.Error)
		}

		for _, ev := range resp.Data {
			var tr Transfer
			to, err := HexToBase58(ev.Result.To)
			switch {
			case err != nil:
				err = fmt.Errorf("to: %w", err)
			case to != address:
				continue
			default:
				tr, err = toTransfer(ev, height, to)
			}
			if err != nil {
				c.logger.Error("malformed transfer event", "tx_id", ev.TransactionID, "event_index", ev.EventIndex, "block", height, "error", err)
				return nil, fmt.Errorf("%w: tx %s#%d at %d: %v", ErrMalformedEvent, ev.TransactionID, ev.EventIndex, height, err)
			}
			out = append(out, tr)
		}

		fingerprint = resp.Meta.Fingerprint
		if fingerprint == "" || len(resp.Data) < eventsPage {
			ledgerOrder(out)
			return out, nil
		}
	}
	return nil, fmt.Errorf("events at %d: more than %d pages", height, maxPages)
}

// ledgerOrder keeps transactions in the order they were first listed and
// sorts the events of each transaction by index.
func ledgerOrder(transfers []Transfer) {
	first := make(map[string]int, len(transfers))
	for i, tr := range transfers {
		if _, ok := first[tr.TxID]; !ok {
			first[tr.TxID] = i
		}
	}
	slices.SortStableFunc(transfers, func(a, b Transfer) int {
		if c := cmp.Compare(first[a.TxID], first[b.TxID]); c != 0 {
			return c
		}
		return cmp.Compare(a.EventIndex, b.EventIndex)
	})
}

func toTransfer(ev event, height int64, to string) (Transfer, error) {
	if ev.TransactionID == "" {
		return Transfer{}, errors.New("missing transaction id")
	}
	from, err := HexToBase58(ev.Result.From)
	if err != nil {
		return Transfer{}, fmt.Errorf("from: %w", err)
	}
	raw, err := decimal.NewFromString(ev.Result.Value)
	if err != nil {
		return Transfer{}, fmt.Errorf("value: %w", err)
	}
	if raw.IsNegative() {
		return Transfer{}, fmt.Errorf("value: negative %s", raw.String())
	}
	if ev.BlockNumber != 0 {
		height = ev.BlockNumber
	}
	return Transfer{
		TxID:       ev.TransactionID,
		EventIndex: ev.EventIndex,
		Height:     height,
		From:       from,
		To:         to,
		Amount:     raw.Shift(-usdtDecimals),
	}, nil
}

func (c *TronGrid) do(ctx context.Context, method, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
