package ledgerapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/pulsebet/ledgersync/internal/config"
	"github.com/pulsebet/ledgersync/internal/domain"
)

// Client is a stateless request/response wrapper over the external gaming
// ledger's two pull operations: account snapshots and history pages. Every
// call is paced by a client-side rate limiter and guarded by a circuit
// breaker; the service is rate- and load-sensitive and not under our control.
type Client struct {
	httpClient *http.Client
	baseURL    string
	pageCap    int
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

// NewClient creates a ledger client from configuration.
func NewClient(cfg config.LedgerConfig) *Client {
	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 1.0
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	settings := gobreaker.Settings{
		Name:     "external-ledger",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		baseURL: cfg.BaseURL,
		pageCap: config.MaxPageSize,
		limiter: rate.NewLimiter(rate.Limit(rps), 2),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// BreakerState reports the circuit breaker state for health endpoints.
func (c *Client) BreakerState() string { return c.breaker.State().String() }

// FetchBalance reads an account snapshot. An empty username asks for the
// whole-tenant snapshot; a set username narrows to one account.
func (c *Client) FetchBalance(ctx context.Context, creds domain.CredentialBundle, username string) ([]domain.AccountBalance, error) {
	params := url.Values{}
	params.Set("opcode", creds.Opcode)
	params.Set("secret", creds.Secret)
	if username != "" {
		params.Set("username", username)
	}

	body, err := c.get(ctx, creds, "/api/account-snapshot", params)
	if err != nil {
		return nil, err
	}

	balances, err := parseBalanceResponse(body, username)
	if err != nil {
		return nil, domain.NewExternalCallError("account-snapshot", err)
	}
	return balances, nil
}

// FetchHistoryPage reads records with external id strictly greater than
// afterID, up to pageSize, in no guaranteed order.
func (c *Client) FetchHistoryPage(ctx context.Context, creds domain.CredentialBundle, afterID int64, pageSize int) ([]domain.LedgerRecord, error) {
	if pageSize <= 0 || pageSize > c.pageCap {
		pageSize = c.pageCap
	}

	params := url.Values{}
	params.Set("opcode", creds.Opcode)
	params.Set("secret", creds.Secret)
	params.Set("cursor", strconv.FormatInt(afterID, 10))
	params.Set("pageSize", strconv.Itoa(pageSize))

	body, err := c.get(ctx, creds, "/api/history", params)
	if err != nil {
		return nil, err
	}

	records, err := parseHistoryResponse(body)
	if err != nil {
		return nil, domain.NewExternalCallError("history", err)
	}
	return records, nil
}

func (c *Client) get(ctx context.Context, creds domain.CredentialBundle, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, domain.NewExternalCallError(path, err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.baseURL+path+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+creds.Token)
		req.Header.Set("Accept", "application/json, text/plain")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200))
		}
		return body, nil
	})
	if err != nil {
		return nil, domain.NewExternalCallError(path, err)
	}
	return result.([]byte), nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// balanceEnvelope is the structured shape of a snapshot response. The
// service sometimes answers with free text instead; parsing falls back to
// token extraction in that case.
type balanceEnvelope struct {
	Error    string                  `json:"error,omitempty"`
	Balance  json.RawMessage         `json:"balance,omitempty"`
	Accounts []domain.AccountBalance `json:"accounts,omitempty"`
}

type historyEnvelope struct {
	Error   string          `json:"error,omitempty"`
	Records []historyRecord `json:"records"`
}

type historyRecord struct {
	ExternalID   json.RawMessage `json:"id"`
	Username     string          `json:"username"`
	Stake        float64         `json:"stake"`
	Payout       float64         `json:"payout"`
	BalanceAfter float64         `json:"balance_after"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

func parseHistoryResponse(body []byte) ([]domain.LedgerRecord, error) {
	var env historyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("unparseable history payload: %w", err)
	}
	if env.Error != "" {
		return nil, fmt.Errorf("ledger error: %s", env.Error)
	}

	records := make([]domain.LedgerRecord, 0, len(env.Records))
	for _, hr := range env.Records {
		// External ids arrive as strings or numbers depending on the
		// upstream serializer; records without a usable one are surfaced
		// with id 0 and left for the reconciler to skip and report.
		id := rawInt64(hr.ExternalID)
		records = append(records, domain.LedgerRecord{
			ExternalID:   id,
			Username:     hr.Username,
			Stake:        hr.Stake,
			Payout:       hr.Payout,
			BalanceAfter: hr.BalanceAfter,
			OccurredAt:   hr.OccurredAt,
		})
	}
	return records, nil
}
