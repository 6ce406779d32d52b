package ledgerapi

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pulsebet/ledgersync/internal/domain"
)

// The free-text fallback answer carries the value as a "balance=<number>"
// token somewhere in the payload.
var balanceTokenRe = regexp.MustCompile(`balance=(-?\d+(?:\.\d+)?)`)

// parseBalanceResponse normalizes both snapshot response shapes into account
// balances. A payload that is neither structured JSON nor carries the
// balance token is a parse failure, never a legitimate zero.
func parseBalanceResponse(body []byte, username string) ([]domain.AccountBalance, error) {
	var env balanceEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Error != "" {
			return nil, fmt.Errorf("ledger error: %s", env.Error)
		}
		if len(env.Accounts) > 0 {
			return env.Accounts, nil
		}
		if len(env.Balance) > 0 {
			v, ok := rawFloat64(env.Balance)
			if !ok {
				return nil, fmt.Errorf("non-numeric balance %s", env.Balance)
			}
			return []domain.AccountBalance{{Username: username, Balance: v}}, nil
		}
		// Valid JSON with neither field falls through to token extraction;
		// some upstream versions wrap the free-text answer in a JSON string.
	}

	if m := balanceTokenRe.FindSubmatch(body); m != nil {
		v, err := strconv.ParseFloat(string(m[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("bad balance token %q", m[1])
		}
		return []domain.AccountBalance{{Username: username, Balance: v}}, nil
	}

	return nil, fmt.Errorf("unparseable snapshot payload: %s", truncate(body, 120))
}

// rawFloat64 reads a JSON number that may arrive quoted.
func rawFloat64(raw json.RawMessage) (float64, bool) {
	s := strings.Trim(string(raw), `" `)
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

// rawInt64 reads a JSON integer that may arrive quoted; anything else is 0.
func rawInt64(raw json.RawMessage) int64 {
	s := strings.Trim(string(raw), `" `)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
