package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// queryTimeout bounds every read-only LCD call.
	queryTimeout = 10 * time.Second

	// broadcastTimeout bounds a transaction broadcast.
	broadcastTimeout = 30 * time.Second
)

// Client is a thin REST client for the chain's LCD endpoint and the mining
// contract's smart queries.
type Client struct {
	lcd      string
	contract string
	hc       *http.Client
}

// NewClient creates a client for the given LCD base URL and mining contract
// address.
func NewClient(lcdURL, contract string) *Client {
	return &Client{
		lcd:      strings.TrimRight(lcdURL, "/"),
		contract: contract,
		hc:       &http.Client{Timeout: broadcastTimeout},
	}
}

// Contract returns the mining contract address the client queries.
func (c *Client) Contract() string { return c.contract }

// epochStateQuery is the contract smart-query requesting the current epoch.
var epochStateQuery = []byte(`{"epoch_state":{}}`)

type epochStateResponse struct {
	Data struct {
		EpochID        uint64 `json:"epoch_id"`
		Phase          string `json:"phase"`
		StartHeight    uint64 `json:"start_height"`
		EndHeight      uint64 `json:"end_height"`
		PhaseEndHeight uint64 `json:"phase_end_height"`
		Difficulty     uint32 `json:"difficulty"`
		Challenge      string `json:"challenge"`
	} `json:"data"`
}

// EpochState queries the contract for the current epoch, phase and
// challenge.
func (c *Client) EpochState(ctx context.Context) (*EpochState, error) {
	path := fmt.Sprintf("/cosmwasm/wasm/v1/contract/%s/smart/%s",
		c.contract, base64.StdEncoding.EncodeToString(epochStateQuery))
	var resp epochStateResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	phase, err := ParsePhase(resp.Data.Phase)
	if err != nil {
		return nil, err
	}
	st := &EpochState{
		EpochID:        resp.Data.EpochID,
		Phase:          phase,
		StartHeight:    resp.Data.StartHeight,
		EndHeight:      resp.Data.EndHeight,
		PhaseEndHeight: resp.Data.PhaseEndHeight,
		Difficulty:     resp.Data.Difficulty,
	}
	challenge, err := base64.StdEncoding.DecodeString(resp.Data.Challenge)
	if err != nil || len(challenge) != 32 {
		return nil, fmt.Errorf("contract returned malformed challenge %q", resp.Data.Challenge)
	}
	copy(st.Challenge[:], challenge)
	return st, nil
}

// LatestHeight returns the current block height.
func (c *Client) LatestHeight(ctx context.Context) (uint64, error) {
	var resp struct {
		Block struct {
			Header struct {
				Height string `json:"height"`
			} `json:"header"`
		} `json:"block"`
	}
	if err := c.get(ctx, "/cosmos/base/tendermint/v1beta1/blocks/latest", &resp); err != nil {
		return 0, err
	}
	return strconv.ParseUint(resp.Block.Header.Height, 10, 64)
}

// Account returns the account number and sequence for an address. The chain
// wraps accounts in an EthAccount; only the embedded base account matters.
func (c *Client) Account(ctx context.Context, addr string) (number, sequence uint64, err error) {
	var resp struct {
		Account struct {
			BaseAccount struct {
				AccountNumber string `json:"account_number"`
				Sequence      string `json:"sequence"`
			} `json:"base_account"`
			// Plain BaseAccount responses carry the fields at the top level.
			AccountNumber string `json:"account_number"`
			Sequence      string `json:"sequence"`
		} `json:"account"`
	}
	if err := c.get(ctx, "/cosmos/auth/v1beta1/accounts/"+url.PathEscape(addr), &resp); err != nil {
		return 0, 0, err
	}
	numStr, seqStr := resp.Account.BaseAccount.AccountNumber, resp.Account.BaseAccount.Sequence
	if numStr == "" {
		numStr, seqStr = resp.Account.AccountNumber, resp.Account.Sequence
	}
	if number, err = strconv.ParseUint(numStr, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed account number %q: %w", numStr, err)
	}
	if sequence, err = strconv.ParseUint(seqStr, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed sequence %q: %w", seqStr, err)
	}
	return number, sequence, nil
}

// BroadcastTx submits a signed transaction in sync mode and returns the
// check-tx result.
func (c *Client) BroadcastTx(ctx context.Context, txBytes []byte) (*TxResult, error) {
	body, err := json.Marshal(map[string]string{
		"tx_bytes": base64.StdEncoding.EncodeToString(txBytes),
		"mode":     "BROADCAST_MODE_SYNC",
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.lcd+"/cosmos/tx/v1beta1/txs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	var resp struct {
		TxResponse struct {
			TxHash string `json:"txhash"`
			Code   uint32 `json:"code"`
			RawLog string `json:"raw_log"`
		} `json:"tx_response"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &TxResult{Hash: resp.TxResponse.TxHash, Code: resp.TxResponse.Code, RawLog: resp.TxResponse.RawLog}, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.lcd+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	blob, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(blob)))
	}
	return json.Unmarshal(blob, out)
}
