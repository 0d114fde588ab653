// Package prices предоставляет клиент для внешнего сервиса котировок криптовалют.
package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// DefaultSymbols задаёт список котируемых валют платформы.
var DefaultSymbols = []string{"BTC", "ETH", "LTC", "USDT"}

// Quote описывает котировку одной валюты в долларах США.
type Quote struct {
	Price     float64 `json:"price"`
	Change24h float64 `json:"change_24h"`
}

// Client инкапсулирует HTTP-взаимодействие с сервисом котировок.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient создаёт клиент сервиса котировок по указанному адресу и ключу API.
// Временные сбои сети и ответы 5xx повторяются автоматически.
func NewClient(baseURL, apiKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: rc.StandardClient(),
	}
}

type quotesResponse struct {
	Data map[string]struct {
		Quote struct {
			USD struct {
				Price           float64 `json:"price"`
				PercentChange24 float64 `json:"percent_change_24h"`
			} `json:"USD"`
		} `json:"quote"`
	} `json:"data"`
}

// GetQuotes запрашивает котировки указанных валют.
func (c *Client) GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("price client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	url := fmt.Sprintf("%s/v1/cryptocurrency/quotes/latest?symbol=%s", base, strings.Join(symbols, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-CMC_PRO_API_KEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result quotesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	quotes := make(map[string]Quote, len(symbols))
	for _, sym := range symbols {
		if entry, ok := result.Data[sym]; ok {
			quotes[sym] = Quote{
				Price:     entry.Quote.USD.Price,
				Change24h: entry.Quote.USD.PercentChange24,
			}
		}
	}

	return quotes, nil
}
