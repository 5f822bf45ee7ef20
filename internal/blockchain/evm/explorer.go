package evm

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const explorerPageSize = 100

// ExplorerConfig holds the block explorer API settings
type ExplorerConfig struct {
	BaseURL   string
	APIKey    string
	RateLimit float64 // requests per second
	Timeout   time.Duration
}

// TokenTransfer is one ERC-20 transfer reported by the explorer
type TokenTransfer struct {
	Hash      string
	From      string
	To        string
	Contract  string
	Symbol    string
	Value     *big.Int
	Decimals  int32
	Timestamp time.Time
}

// Explorer is an Etherscan-compatible token transfer client
type Explorer struct {
	config         ExplorerConfig
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	rateLimiter    *rate.Limiter
	logger         *zap.Logger
}

// NewExplorer creates a rate-limited explorer client
func NewExplorer(config ExplorerConfig, logger *zap.Logger) *Explorer {
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 4
	}

	logger = logger.Named("explorer")
	cbSettings := gobreaker.Settings{
		Name:        "ExplorerAPI",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Explorer circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Explorer{
		config:         config,
		httpClient:     &http.Client{Timeout: config.Timeout},
		circuitBreaker: gobreaker.NewCircuitBreaker(cbSettings),
		rateLimiter:    rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		logger:         logger,
	}
}

// IncomingTransfers lists the most recent token transfers received by address.
// When contract is empty every token is returned.
func (e *Explorer) IncomingTransfers(ctx context.Context, address, contract string) ([]TokenTransfer, error) {
	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", "tokentx")
	params.Set("address", address)
	params.Set("page", "1")
	params.Set("offset", strconv.Itoa(explorerPageSize))
	params.Set("sort", "desc")
	if contract != "" {
		params.Set("contractaddress", contract)
	}
	if e.config.APIKey != "" {
		params.Set("apikey", e.config.APIKey)
	}

	body, err := e.get(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("list token transfers failed: %w", err)
	}

	transfers, err := parseTokenTransfers(body)
	if err != nil {
		return nil, err
	}

	incoming := transfers[:0]
	for _, t := range transfers {
		if strings.EqualFold(t.To, address) {
			incoming = append(incoming, t)
		}
	}
	return incoming, nil
}

func (e *Explorer) get(ctx context.Context, params url.Values) ([]byte, error) {
	if err := e.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	result, err := e.circuitBreaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.BaseURL+"?"+params.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := e.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("explorer error: status %d", resp.StatusCode)
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// parseTokenTransfers decodes an Etherscan-style tokentx response
func parseTokenTransfers(body []byte) ([]TokenTransfer, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("explorer returned invalid JSON")
	}
	doc := gjson.ParseBytes(body)

	result := doc.Get("result")
	if doc.Get("status").String() != "1" {
		// "No transactions found" is reported as status 0 with an empty list
		if result.IsArray() && len(result.Array()) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("explorer error: %s: %s", doc.Get("message").String(), result.String())
	}

	transfers := make([]TokenTransfer, 0, len(result.Array()))
	for _, item := range result.Array() {
		value, ok := new(big.Int).SetString(item.Get("value").String(), 10)
		if !ok {
			return nil, fmt.Errorf("invalid transfer value for %s", item.Get("hash").String())
		}
		transfers = append(transfers, TokenTransfer{
			Hash:      item.Get("hash").String(),
			From:      item.Get("from").String(),
			To:        item.Get("to").String(),
			Contract:  item.Get("contractAddress").String(),
			Symbol:    item.Get("tokenSymbol").String(),
			Value:     value,
			Decimals:  int32(item.Get("tokenDecimal").Int()),
			Timestamp: time.Unix(item.Get("timeStamp").Int(), 0).UTC(),
		})
	}
	return transfers, nil
}
