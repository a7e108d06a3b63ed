package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// ExecuteBody is the request body of a contract execution.
type ExecuteBody struct {
	Caller    string `json:"caller"`
	InputData string `json:"inputData"`
	Value     int64  `json:"value"`
}

// Receipt is the best-effort on-chain evidence of an execution.
type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber int64  `json:"blockNumber"`
	GasUsed     int64  `json:"gasUsed"`
}

// Execute submits a contract call. It is the only write the gateway performs.
func (c *Client) Execute(ctx context.Context, contractAddress string, body ExecuteBody) (*Response, error) {
	path := strings.ReplaceAll(c.cfg.ExecutePath, "{address}", strings.ToLower(contractAddress))
	return c.Call(ctx, path, http.MethodPost, body, true)
}

// Blocks returns the block listing. Results are cached for BlockCacheTTL.
func (c *Client) Blocks(ctx context.Context) (*Response, error) {
	c.blockMu.Lock()
	if c.blockCache != nil && c.now().Sub(c.blockFetched) < c.cfg.BlockCacheTTL {
		resp := c.blockCache
		c.blockMu.Unlock()
		return resp, nil
	}
	c.blockMu.Unlock()

	resp, err := c.Call(ctx, "/blockchain/chain", http.MethodGet, nil, false)
	if err != nil {
		return nil, err
	}

	c.blockMu.Lock()
	c.blockCache = resp
	c.blockFetched = c.now()
	c.blockMu.Unlock()
	return resp, nil
}

// Info returns chain metadata.
func (c *Client) Info(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "/blockchain/info", http.MethodGet, nil, false)
}

// Accounts lists the accounts known to the chain API.
func (c *Client) Accounts(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "/accounts", http.MethodGet, nil, true)
}

func (c *Client) DonationStats(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "/donation_stats", http.MethodGet, nil, false)
}

func (c *Client) AllDonations(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "/all_donations", http.MethodGet, nil, false)
}

// ReceiptFrom pulls a receipt out of an execute response. Fields are looked
// up at the top level first, then under "data" and "receipt". The bool is
// false when no transaction hash was found.
func ReceiptFrom(resp *Response) (Receipt, bool) {
	if resp == nil || resp.Body == nil {
		return Receipt{}, false
	}
	sources := []map[string]any{resp.Body}
	for _, key := range []string{"data", "receipt"} {
		if m, ok := resp.Body[key].(map[string]any); ok {
			sources = append(sources, m)
		}
	}

	var r Receipt
	for _, src := range sources {
		if r.TxHash == "" {
			for _, key := range []string{"txHash", "transactionHash", "hash"} {
				if s, ok := src[key].(string); ok && s != "" {
					r.TxHash = s
					break
				}
			}
		}
		if r.BlockNumber == 0 {
			if n, ok := intFrom(src["blockNumber"]); ok {
				r.BlockNumber = n
			}
		}
		if r.GasUsed == 0 {
			if n, ok := intFrom(src["gasUsed"]); ok {
				r.GasUsed = n
			}
		}
	}
	return r, r.TxHash != ""
}

func intFrom(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		s := strings.TrimSpace(n)
		if strings.HasPrefix(s, "0x") {
			i, err := strconv.ParseInt(s[2:], 16, 64)
			return i, err == nil
		}
		i, err := strconv.ParseInt(s, 10, 64)
		return i, err == nil
	}
	return 0, false
}
