// Package agentmarket 是 auctiond REST API 的 Go 客户端。
package agentmarket

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"AgentMarket-Chain/internal/auth"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the auctiond REST API. Every write
// is sent on behalf of the configured caller; when a private key is set the
// request is signed so servers running in signed mode accept it.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	now        func() time.Time

	mu     sync.RWMutex
	caller common.Address
	key    *ecdsa.PrivateKey
}

// Task mirrors the task view returned by the server.
type Task struct {
	ID                 uint64    `json:"id"`
	WorkType           string    `json:"work_type"`
	ContentHash        string    `json:"content_hash"`
	MetadataRef        string    `json:"metadata_ref,omitempty"`
	MaxBid             string    `json:"max_bid"`
	Escrow             string    `json:"escrow"`
	BiddingDeadline    time.Time `json:"bidding_deadline"`
	CompletionDeadline time.Time `json:"completion_deadline"`
	Status             string    `json:"status"`
	WinningBidID       uint64    `json:"winning_bid_id,omitempty"`
	OutputHash         string    `json:"output_hash,omitempty"`
	Creator            string    `json:"creator"`
	BidCount           int       `json:"bid_count"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Bid mirrors the bid view returned by the server.
type Bid struct {
	ID          uint64    `json:"id"`
	TaskID      uint64    `json:"task_id"`
	AgentID     uint64    `json:"agent_id"`
	Bidder      string    `json:"bidder"`
	Amount      string    `json:"amount"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Intent mirrors the intent view returned by the server.
type Intent struct {
	ID                 uint64    `json:"id"`
	Requester          string    `json:"requester"`
	RequestHash        string    `json:"request_hash"`
	MetadataRef        string    `json:"metadata_ref,omitempty"`
	MaxBudget          string    `json:"max_budget"`
	AuctionDeadline    time.Time `json:"auction_deadline"`
	Status             string    `json:"status"`
	WinningOfferID     uint64    `json:"winning_offer_id,omitempty"`
	TotalFeesCollected string    `json:"total_fees_collected"`
	FeesForwarded      string    `json:"fees_forwarded"`
	OfferCount         int       `json:"offer_count"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Offer mirrors the offer view returned by the server.
type Offer struct {
	ID          uint64    `json:"id"`
	IntentID    uint64    `json:"intent_id"`
	AgentID     uint64    `json:"agent_id"`
	Offerer     string    `json:"offerer"`
	OfferPrice  string    `json:"offer_price"`
	BidFee      string    `json:"bid_fee"`
	Score       string    `json:"score"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// TreasurySummary mirrors the treasury summary view. Amounts are ether strings.
type TreasurySummary struct {
	Address string `json:"address"`
	Paused  bool   `json:"paused"`
	Balance string `json:"balance"`
	Revenue string `json:"revenue"`
	Costs   string `json:"costs"`
	Profit  string `json:"profit"`
}

// Account is the balance of a single address.
type Account struct {
	Address string `json:"address"`
	Label   string `json:"label,omitempty"`
	Balance string `json:"balance"`
}

// TaskSubmission is the payload required to open a task auction. Escrow is
// attached separately as the call value.
type TaskSubmission struct {
	WorkType         string `json:"work_type"`
	ContentHash      string `json:"content_hash"`
	MetadataRef      string `json:"metadata_ref,omitempty"`
	MaxBid           string `json:"max_bid"`
	BiddingWindow    string `json:"bidding_window,omitempty"`
	CompletionWindow string `json:"completion_window,omitempty"`
}

// IntentSubmission is the payload required to open an intent auction.
type IntentSubmission struct {
	RequestHash   string `json:"request_hash"`
	MetadataRef   string `json:"metadata_ref,omitempty"`
	MaxBudget     string `json:"max_budget"`
	AuctionWindow string `json:"auction_window,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Kind       string            `json:"kind"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentmarket api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentmarket api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the auctiond API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, now: time.Now}, nil
}

// SetCaller sets the address used for unsigned requests.
func (c *Client) SetCaller(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caller = addr
	c.key = nil
}

// SetPrivateKey makes the client sign every write with key.
func (c *Client) SetPrivateKey(key *ecdsa.PrivateKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	c.caller = crypto.PubkeyToAddress(key.PublicKey)
}

// Caller returns the address requests are sent on behalf of.
func (c *Client) Caller() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caller
}

// CreateTask opens a task auction and escrows value (in ether).
func (c *Client) CreateTask(ctx context.Context, sub TaskSubmission, value string) (Task, error) {
	var out Task
	err := c.post(ctx, "/api/v1/tasks", sub, value, &out)
	return out, err
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID uint64) (Task, error) {
	var out Task
	err := c.get(ctx, taskPath(taskID, ""), nil, &out)
	return out, err
}

// ListTasks returns tasks matching the optional query filters, for example
// status, owner, order, offset and limit.
func (c *Client) ListTasks(ctx context.Context, query url.Values) ([]Task, error) {
	var out []Task
	err := c.get(ctx, "/api/v1/tasks", query, &out)
	return out, err
}

// Bids lists the bids placed on a task.
func (c *Client) Bids(ctx context.Context, taskID uint64) ([]Bid, error) {
	var out []Bid
	err := c.get(ctx, taskPath(taskID, "bids"), nil, &out)
	return out, err
}

// SubmitBid places a bid for agentID. amount is an ether string.
func (c *Client) SubmitBid(ctx context.Context, taskID, agentID uint64, amount string) (Bid, error) {
	var out Bid
	body := map[string]any{"agent_id": agentID, "amount": amount}
	err := c.post(ctx, taskPath(taskID, "bids"), body, "", &out)
	return out, err
}

// WithdrawBid withdraws a pending bid.
func (c *Client) WithdrawBid(ctx context.Context, bidID uint64) (Bid, error) {
	var out Bid
	err := c.post(ctx, "/api/v1/bids/"+strconv.FormatUint(bidID, 10)+"/withdraw", nil, "", &out)
	return out, err
}

// SelectWinner closes bidding and returns the winning bid.
func (c *Client) SelectWinner(ctx context.Context, taskID uint64) (Bid, error) {
	var out Bid
	err := c.post(ctx, taskPath(taskID, "select"), nil, "", &out)
	return out, err
}

// CompleteTask submits the output hash of an assigned task.
func (c *Client) CompleteTask(ctx context.Context, taskID uint64, outputHash string) (Task, error) {
	var out Task
	err := c.post(ctx, taskPath(taskID, "complete"), map[string]string{"output_hash": outputHash}, "", &out)
	return out, err
}

// ValidateTask approves or rejects a completed task.
func (c *Client) ValidateTask(ctx context.Context, taskID uint64, approved bool) (Task, error) {
	var out Task
	err := c.post(ctx, taskPath(taskID, "validate"), map[string]bool{"approved": approved}, "", &out)
	return out, err
}

// FailExpiredTask refunds a task whose completion deadline passed.
func (c *Client) FailExpiredTask(ctx context.Context, taskID uint64) (Task, error) {
	var out Task
	err := c.post(ctx, taskPath(taskID, "fail"), nil, "", &out)
	return out, err
}

// CancelTask cancels an open task.
func (c *Client) CancelTask(ctx context.Context, taskID uint64) (Task, error) {
	var out Task
	err := c.post(ctx, taskPath(taskID, "cancel"), nil, "", &out)
	return out, err
}

// CreateIntent opens an intent auction.
func (c *Client) CreateIntent(ctx context.Context, sub IntentSubmission) (Intent, error) {
	var out Intent
	err := c.post(ctx, "/api/v1/intents", sub, "", &out)
	return out, err
}

// GetIntent fetches intent details by identifier.
func (c *Client) GetIntent(ctx context.Context, intentID uint64) (Intent, error) {
	var out Intent
	err := c.get(ctx, intentPath(intentID, ""), nil, &out)
	return out, err
}

// Offers lists the offers placed on an intent.
func (c *Client) Offers(ctx context.Context, intentID uint64) ([]Offer, error) {
	var out []Offer
	err := c.get(ctx, intentPath(intentID, "offers"), nil, &out)
	return out, err
}

// SubmitOffer places an offer; fee is attached as call value.
func (c *Client) SubmitOffer(ctx context.Context, intentID, agentID uint64, price, fee string) (Offer, error) {
	var out Offer
	body := map[string]any{"agent_id": agentID, "offer_price": price}
	err := c.post(ctx, intentPath(intentID, "offers"), body, fee, &out)
	return out, err
}

// WithdrawOffer withdraws a pending offer. The bid fee is not refunded.
func (c *Client) WithdrawOffer(ctx context.Context, offerID uint64) (Offer, error) {
	var out Offer
	err := c.post(ctx, "/api/v1/offers/"+strconv.FormatUint(offerID, 10)+"/withdraw", nil, "", &out)
	return out, err
}

// CloseAuction picks the highest scoring offer once the window elapsed.
func (c *Client) CloseAuction(ctx context.Context, intentID uint64) (Intent, error) {
	return c.intentAction(ctx, intentID, "close")
}

// CancelIntent cancels an open intent.
func (c *Client) CancelIntent(ctx context.Context, intentID uint64) (Intent, error) {
	return c.intentAction(ctx, intentID, "cancel")
}

// MarkFulfilled is called by an operator once the seller delivered.
func (c *Client) MarkFulfilled(ctx context.Context, intentID uint64) (Intent, error) {
	return c.intentAction(ctx, intentID, "fulfill")
}

// ConfirmFulfillment is called by the requester to settle the intent.
func (c *Client) ConfirmFulfillment(ctx context.Context, intentID uint64) (Intent, error) {
	return c.intentAction(ctx, intentID, "confirm")
}

// RaiseDispute moves a matched or fulfilled intent into dispute.
func (c *Client) RaiseDispute(ctx context.Context, intentID uint64) (Intent, error) {
	return c.intentAction(ctx, intentID, "dispute")
}

// Treasury returns the treasury summary.
func (c *Client) Treasury(ctx context.Context) (TreasurySummary, error) {
	var out TreasurySummary
	err := c.get(ctx, "/api/v1/treasury", nil, &out)
	return out, err
}

// Deposit sends value (in ether) to the treasury.
func (c *Client) Deposit(ctx context.Context, value string) (TreasurySummary, error) {
	var out struct {
		Treasury TreasurySummary `json:"treasury"`
	}
	err := c.post(ctx, "/api/v1/treasury/deposit", nil, value, &out)
	return out.Treasury, err
}

// Account returns the balance of addr.
func (c *Client) Account(ctx context.Context, addr common.Address) (Account, error) {
	var out Account
	err := c.get(ctx, "/api/v1/accounts/"+addr.Hex(), nil, &out)
	return out, err
}

func (c *Client) intentAction(ctx context.Context, intentID uint64, action string) (Intent, error) {
	var out Intent
	err := c.post(ctx, intentPath(intentID, action), nil, "", &out)
	return out, err
}

func taskPath(id uint64, action string) string {
	return path.Join("/api/v1/tasks", strconv.FormatUint(id, 10), action)
}

func intentPath(id uint64, action string) string {
	return path.Join("/api/v1/intents", strconv.FormatUint(id, 10), action)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, value string, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if value != "" {
		req.Header.Set(auth.HeaderValue, value)
	}
	if err := c.identify(req, body); err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body []byte) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

// identify 填写调用者请求头，设置了私钥时对请求签名。
func (c *Client) identify(req *http.Request, body []byte) error {
	c.mu.RLock()
	caller, key := c.caller, c.key
	c.mu.RUnlock()

	if key != nil {
		return auth.SignRequest(req, body, key, c.now())
	}
	if caller == (common.Address{}) {
		return errors.New("agentmarket: caller is not set")
	}
	req.Header.Set(auth.HeaderCaller, caller.Hex())
	return nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
