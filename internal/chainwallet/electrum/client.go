// Package electrum is a minimal Electrum protocol client: JSON-RPC
// framed newline-delimited over a TLS (or plain) TCP socket. Every
// blocking call takes a context.Context; Ping doubles as a liveness
// check and IsClosed lets a caller holding a long-lived client notice a
// dropped connection without inspecting error strings.
package electrum

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Client is a connection to one Electrum server.
type Client struct {
	conn     net.Conn
	mu       sync.Mutex
	id       atomic.Uint64
	host     string
	port     string
	useTLS   bool
	respChan map[uint64]chan *rpcResponse
	respMu   sync.Mutex
	closed   bool
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Balance is the response shape of blockchain.scripthash.get_balance.
type Balance struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
}

// UTXO is one unspent output of a scripthash.
type UTXO struct {
	TxHash string `json:"tx_hash"`
	TxPos  int    `json:"tx_pos"`
	Height int64  `json:"height"`
	Value  int64  `json:"value"`
}

// HistoryEntry is one entry of a scripthash's confirmed+mempool history.
type HistoryEntry struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
	Fee    int64  `json:"fee,omitempty"`
}

// Dial connects to the given Electrum server ("ssl://host:port" or
// "tcp://host:port", defaulting to TLS) and negotiates the protocol
// version.
func Dial(ctx context.Context, addr string) (*Client, error) {
	c := &Client{respChan: make(map[uint64]chan *rpcResponse)}

	if err := c.parseAddr(addr); err != nil {
		return nil, err
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	go c.readResponses()

	if _, err := c.call(ctx, "server.version", "walletcoordinatord", "1.4"); err != nil {
		c.Close()
		return nil, fmt.Errorf("version negotiation failed: %w", err)
	}
	return c, nil
}

func (c *Client) parseAddr(addr string) error {
	c.useTLS = true
	switch {
	case strings.HasPrefix(addr, "ssl://"):
		addr = strings.TrimPrefix(addr, "ssl://")
	case strings.HasPrefix(addr, "tcp://"):
		c.useTLS = false
		addr = strings.TrimPrefix(addr, "tcp://")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid electrum address %q: %w", addr, err)
	}
	c.host, c.port = host, port
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.host, c.port)
	dialer := &net.Dialer{Timeout: 30 * time.Second}

	var conn net.Conn
	var err error
	if c.useTLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: c.host,
		})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("connect to electrum server: %w", err)
	}

	c.conn = conn
	return nil
}

func (c *Client) readResponses() {
	decoder := json.NewDecoder(c.conn)
	for {
		var resp rpcResponse
		if err := decoder.Decode(&resp); err != nil {
			c.mu.Lock()
			closed := c.closed
			if !closed {
				c.closed = true
				c.conn.Close()
			}
			c.mu.Unlock()
			if !closed {
				c.respMu.Lock()
				for _, ch := range c.respChan {
					close(ch)
				}
				c.respChan = make(map[uint64]chan *rpcResponse)
				c.respMu.Unlock()
			}
			return
		}

		c.respMu.Lock()
		if ch, ok := c.respChan[resp.ID]; ok {
			ch <- &resp
			delete(c.respChan, resp.ID)
		}
		c.respMu.Unlock()
	}
}

func (c *Client) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("electrum client is closed")
	}

	id := c.id.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	respCh := make(chan *rpcResponse, 1)
	c.respMu.Lock()
	c.respChan[id] = respCh
	c.respMu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')

	c.mu.Lock()
	_, err = c.conn.Write(data)
	c.mu.Unlock()
	if err != nil {
		c.respMu.Lock()
		delete(c.respChan, id)
		c.respMu.Unlock()
		return nil, fmt.Errorf("write electrum request: %w", err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("electrum connection closed")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("electrum error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.respMu.Lock()
		delete(c.respChan, id)
		c.respMu.Unlock()
		return nil, ctx.Err()
	}
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// IsClosed reports whether the client has been closed, either explicitly
// or because the connection dropped. A closed client is never redialed;
// every later call on it fails.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// GetBalance returns the confirmed/unconfirmed balance for a scripthash.
func (c *Client) GetBalance(ctx context.Context, scripthash string) (*Balance, error) {
	result, err := c.call(ctx, "blockchain.scripthash.get_balance", scripthash)
	if err != nil {
		return nil, err
	}
	var balance Balance
	if err := json.Unmarshal(result, &balance); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &balance, nil
}

// ListUnspent returns the unspent outputs of a scripthash.
func (c *Client) ListUnspent(ctx context.Context, scripthash string) ([]UTXO, error) {
	result, err := c.call(ctx, "blockchain.scripthash.listunspent", scripthash)
	if err != nil {
		return nil, err
	}
	var utxos []UTXO
	if err := json.Unmarshal(result, &utxos); err != nil {
		return nil, fmt.Errorf("parse utxos: %w", err)
	}
	return utxos, nil
}

// GetHistory returns the transaction history of a scripthash.
func (c *Client) GetHistory(ctx context.Context, scripthash string) ([]HistoryEntry, error) {
	result, err := c.call(ctx, "blockchain.scripthash.get_history", scripthash)
	if err != nil {
		return nil, err
	}
	var history []HistoryEntry
	if err := json.Unmarshal(result, &history); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}
	return history, nil
}

// BroadcastTransaction submits a raw signed transaction and returns its
// txid.
func (c *Client) BroadcastTransaction(ctx context.Context, rawtxHex string) (string, error) {
	result, err := c.call(ctx, "blockchain.transaction.broadcast", rawtxHex)
	if err != nil {
		return "", err
	}
	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return "", fmt.Errorf("parse broadcast result: %w", err)
	}
	return txid, nil
}

// EstimateFee returns the estimated fee rate, in BTC/kvB, to confirm
// within the given number of blocks.
func (c *Client) EstimateFee(ctx context.Context, blocks int) (float64, error) {
	result, err := c.call(ctx, "blockchain.estimatefee", blocks)
	if err != nil {
		return 0, err
	}
	var fee float64
	if err := json.Unmarshal(result, &fee); err != nil {
		return 0, fmt.Errorf("parse fee estimate: %w", err)
	}
	return fee, nil
}

// GetTransaction returns the raw hex of a confirmed or mempool
// transaction, needed to build the NonWitnessUtxo a legacy P2SH PSBT
// input must carry.
func (c *Client) GetTransaction(ctx context.Context, txid string) (string, error) {
	result, err := c.call(ctx, "blockchain.transaction.get", txid)
	if err != nil {
		return "", err
	}
	var rawHex string
	if err := json.Unmarshal(result, &rawHex); err != nil {
		return "", fmt.Errorf("parse transaction hex: %w", err)
	}
	return rawHex, nil
}

// Ping keeps the connection alive and doubles as a liveness check.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "server.ping")
	return err
}

// ScriptHash converts a scriptPubKey into the scripthash identifier the
// Electrum protocol indexes balances and history by: SHA256, then
// byte-reversed to little-endian, hex-encoded.
func ScriptHash(scriptPubKey []byte) string {
	hash := sha256.Sum256(scriptPubKey)
	for i, j := 0, len(hash)-1; i < j; i, j = i+1, j-1 {
		hash[i], hash[j] = hash[j], hash[i]
	}
	return hex.EncodeToString(hash[:])
}
