package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Client is the boundary to the external BUL ledger node. The service never
// signs transactions: it prepares unsigned ones for the caller and submits
// caller-signed ones.
type Client interface {
	PrepareEscrow(ctx context.Context, terms EscrowTerms) (*PreparedEscrow, error)
	PrepareRelayPayment(ctx context.Context, from, to string, amountBULs int64) (*UnsignedTransaction, error)
	PrepareSend(ctx context.Context, from, to string, amountBULs int64) (*UnsignedTransaction, error)
	PrepareAccount(ctx context.Context, from, newPubKey string, startingBalanceBULs int64) (*UnsignedTransaction, error)
	PrepareTrust(ctx context.Context, from string, limitBULs int64) (*UnsignedTransaction, error)
	SubmitTransaction(ctx context.Context, signedTx string) (*Receipt, error)
	GetAccount(ctx context.Context, identity string) (*AccountInfo, error)
	FundFromIssuer(ctx context.Context, identity string, amountBULs int64) (*Receipt, error)
}

// EscrowTerms is the request to set up a new escrow account on the ledger.
type EscrowTerms struct {
	EscrowPubKey    string `json:"escrow_pubkey"`
	LauncherPubKey  string `json:"launcher_pubkey"`
	CourierPubKey   string `json:"courier_pubkey"`
	RecipientPubKey string `json:"recipient_pubkey"`
	PaymentBULs     int64  `json:"payment_buls"`
	CollateralBULs  int64  `json:"collateral_buls"`
	Deadline        int64  `json:"deadline_timestamp"`
}

// PreparedEscrow carries the unsigned transaction set produced for a new
// escrow. All four must be signed by the relevant parties out of band.
type PreparedEscrow struct {
	EscrowPubKey          string `json:"escrow_pubkey"`
	SetOptionsTransaction string `json:"set_options_transaction"`
	RefundTransaction     string `json:"refund_transaction"`
	MergeTransaction      string `json:"merge_transaction"`
	PaymentTransaction    string `json:"payment_transaction"`
}

// UnsignedTransaction is an envelope prepared by the node for caller signing.
type UnsignedTransaction struct {
	Envelope string `json:"transaction"`
}

// Receipt acknowledges a submitted transaction.
type Receipt struct {
	Hash   string `json:"hash"`
	Ledger uint64 `json:"ledger"`
}

// AccountInfo mirrors the node's view of a funded account.
type AccountInfo struct {
	PubKey     string `json:"pubkey"`
	BULBalance int64  `json:"bul_balance"`
	Sequence   uint64 `json:"sequence"`
}

// RPC error codes surfaced by the ledger node.
const (
	CodeAccountNotFound   = -32004
	CodeInsufficientFunds = -32005
	CodeNotFunded         = -32006
)

// ErrAccountNotFound matches ledger errors reporting an unknown account.
var ErrAccountNotFound = errors.New("ledger: account not found")

// Error is a typed ledger-side failure. The message is passed through to the
// caller verbatim and never retried automatically.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ledger: %s (code %d)", e.Message, e.Code)
}

// Is lets callers match sentinel categories with errors.Is.
func (e *Error) Is(target error) bool {
	return target == ErrAccountNotFound && e.Code == CodeAccountNotFound
}

// RPCClient implements Client against the ledger node's JSON-RPC server.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCClient(baseURL, authToken string, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *RPCClient) PrepareEscrow(ctx context.Context, terms EscrowTerms) (*PreparedEscrow, error) {
	var result PreparedEscrow
	if err := c.call(ctx, "escrow_prepare", []interface{}{terms}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCClient) PrepareRelayPayment(ctx context.Context, from, to string, amountBULs int64) (*UnsignedTransaction, error) {
	params := map[string]interface{}{"from_pubkey": from, "to_pubkey": to, "amount_buls": amountBULs}
	var result UnsignedTransaction
	if err := c.call(ctx, "relay_payment_prepare", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCClient) PrepareSend(ctx context.Context, from, to string, amountBULs int64) (*UnsignedTransaction, error) {
	params := map[string]interface{}{"from_pubkey": from, "to_pubkey": to, "amount_buls": amountBULs}
	var result UnsignedTransaction
	if err := c.call(ctx, "send_prepare", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCClient) PrepareAccount(ctx context.Context, from, newPubKey string, startingBalanceBULs int64) (*UnsignedTransaction, error) {
	params := map[string]interface{}{"from_pubkey": from, "new_pubkey": newPubKey, "starting_balance": startingBalanceBULs}
	var result UnsignedTransaction
	if err := c.call(ctx, "account_prepare", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCClient) PrepareTrust(ctx context.Context, from string, limitBULs int64) (*UnsignedTransaction, error) {
	params := map[string]interface{}{"from_pubkey": from}
	if limitBULs > 0 {
		params["limit_buls"] = limitBULs
	}
	var result UnsignedTransaction
	if err := c.call(ctx, "trust_prepare", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCClient) SubmitTransaction(ctx context.Context, signedTx string) (*Receipt, error) {
	var result Receipt
	if err := c.call(ctx, "tx_submit", []interface{}{map[string]string{"transaction": signedTx}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCClient) GetAccount(ctx context.Context, identity string) (*AccountInfo, error) {
	var result AccountInfo
	if err := c.call(ctx, "account_get", []interface{}{map[string]string{"queried_pubkey": identity}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FundFromIssuer asks the node's issuer to seed an account with BULs. Only
// exposed when the service runs in sandbox mode.
func (c *RPCClient) FundFromIssuer(ctx context.Context, identity string, amountBULs int64) (*Receipt, error) {
	params := map[string]interface{}{"funded_pubkey": identity, "funded_buls": amountBULs}
	var result Receipt
	if err := c.call(ctx, "issuer_fund", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ledger rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ledger rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return &Error{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("ledger rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
