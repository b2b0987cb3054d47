package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Sidecar signs through the legacy HTTP signing bridge. It exists for
// debugging signature mismatches against the native signer; the native
// signer is the design of record.
type Sidecar struct {
	url    string
	hc     *http.Client
	addr   common.Address
	bech32 string
}

// NewSidecar connects to a signing bridge and fetches the address of the key
// it holds.
func NewSidecar(url string) (*Sidecar, error) {
	s := &Sidecar{
		url: strings.TrimRight(url, "/"),
		hc:  &http.Client{Timeout: 10 * time.Second},
	}
	resp, err := s.hc.Get(s.url + "/address")
	if err != nil {
		return nil, fmt.Errorf("querying sidecar address: %w", err)
	}
	defer resp.Body.Close()
	var out struct {
		Address    string `json:"address"`
		EthAddress string `json:"eth_address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding sidecar address: %w", err)
	}
	if !common.IsHexAddress(out.EthAddress) {
		return nil, fmt.Errorf("sidecar returned malformed eth address %q", out.EthAddress)
	}
	s.addr = common.HexToAddress(out.EthAddress)
	s.bech32 = out.Address
	return s, nil
}

// Address implements Signer.
func (s *Sidecar) Address() string { return s.bech32 }

// AddressBytes implements Signer.
func (s *Sidecar) AddressBytes() common.Address { return s.addr }

type sidecarSignRequest struct {
	ChainID       string          `json:"chain_id"`
	EthChainID    int64           `json:"eth_chain_id"`
	AccountNumber uint64          `json:"account_number,string"`
	Sequence      uint64          `json:"sequence,string"`
	Contract      string          `json:"contract"`
	Msg           json.RawMessage `json:"msg"`
	Funds         string          `json:"funds"`
	GasLimit      uint64          `json:"gas_limit,string"`
	GasPrice      string          `json:"gas_price"`
	Memo          string          `json:"memo"`
	TimeoutHeight uint64          `json:"timeout_height,string"`
}

// SignTx implements Signer by delegating to the bridge's /sign endpoint.
func (s *Sidecar) SignTx(ctx context.Context, in *TxInput) ([]byte, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	funds := in.Funds
	if funds == "" {
		funds = "0"
	}
	body, err := json.Marshal(&sidecarSignRequest{
		ChainID:       in.ChainID,
		EthChainID:    in.EthChainID,
		AccountNumber: in.AccountNumber,
		Sequence:      in.Sequence,
		Contract:      in.Contract,
		Msg:           in.ExecMsg,
		Funds:         funds,
		GasLimit:      in.GasLimit,
		GasPrice:      in.GasPrice.String(),
		Memo:          in.Memo,
		TimeoutHeight: in.TimeoutHeight,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	blob, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sidecar sign failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(blob)))
	}
	var out struct {
		TxBytes string `json:"tx_bytes"`
	}
	if err := json.Unmarshal(blob, &out); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(out.TxBytes)
}
