package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"copy-trader-go/store"
)

// 网关路径。OrderRequest 用 _ReqData 富信封，OrderStatus / TradeInformation
// 用扁平 head/body 信封，余额和持仓走 Bearer 鉴权的 REST 路径。
const (
	pathOrderRequest = "/OrderRequest"
	pathOrderStatus  = "/OrderStatus"
	pathTradeInfo    = "/TradeInformation"
	pathBalance      = "/account/balance"
	pathPositions    = "/account/positions"
	pathPing         = "/ping"
)

// Client 是券商 HTTP 网关的生产实现。不在内部重试下单（重试归派发器），
// 401 时作废会话并重新登录一次。
type Client struct {
	baseURL         string
	subscriptionKey string
	appSource       int
	vault           *Vault
	httpClient      *http.Client
	limiter         RateLimiter

	// now 可替换以便测试固定 OrderDateTime
	now func() time.Time
}

// ClientOption mutates the client at construction.
type ClientOption func(*Client)

// WithHTTPClient injects the HTTP client (tests pass httptest's).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimiter injects the request rate limiter.
func WithRateLimiter(l RateLimiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

// NewClient builds the broker client. The HTTP transport keeps a single
// keep-alive pool; the in-flight ceiling is the dispatcher's semaphore,
// not the pool size.
func NewClient(baseURL, subscriptionKey string, appSource int, vault *Vault, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:         baseURL,
		subscriptionKey: subscriptionKey,
		appSource:       appSource,
		vault:           vault,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
		limiter: noopLimiter{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PlaceOrder submits one order. The spec's RemoteOrderID carries the
// caller's idempotency token so duplicate submissions are recognized
// upstream.
func (c *Client) PlaceOrder(ctx context.Context, spec OrderSpec) (PlaceResult, error) {
	return c.orderRequest(ctx, spec, "P", "")
}

// ModifyOrder re-submits the order with OrderFor=M against the exchange
// order id.
func (c *Client) ModifyOrder(ctx context.Context, spec OrderSpec, exchOrderID string) (PlaceResult, error) {
	return c.orderRequest(ctx, spec, "M", exchOrderID)
}

// CancelOrder submits OrderFor=C against the exchange order id.
func (c *Client) CancelOrder(ctx context.Context, spec OrderSpec, exchOrderID string) (PlaceResult, error) {
	return c.orderRequest(ctx, spec, "C", exchOrderID)
}

func (c *Client) orderRequest(ctx context.Context, spec OrderSpec, orderFor, exchOrderID string) (PlaceResult, error) {
	sess, err := c.vault.Acquire(ctx, spec.Account)
	if err != nil {
		return PlaceResult{}, err
	}
	defer sess.Release()
	creds := sess.Creds()

	env := placeEnvelope{AppSource: c.appSource}
	env.ReqData.Head = orderHead{
		RequestCode: reqCodePlace,
		Key:         creds.APIKey,
		AppVer:      creds.AppVer,
		AppName:     creds.AppName,
		OSName:      "Web",
		UserID:      creds.UserID,
		Password:    creds.Password,
	}
	env.ReqData.Body = placeBody{
		ClientCode:         creds.ClientCode,
		OrderFor:           orderFor,
		Exchange:           exchangeLetter(spec.Exchange),
		ExchangeType:       spec.Segment,
		Price:              spec.Price,
		OrderID:            0,
		OrderType:          string(spec.Side),
		Qty:                spec.Quantity,
		OrderDateTime:      bracketTime(c.now()),
		ScripCode:          spec.ScripCode,
		AtMarket:           spec.Type == store.TypeMarket || spec.Type == store.TypeStopMarket,
		RemoteOrderID:      spec.IdempotencyToken,
		ExchOrderID:        exchOrderID,
		DisQty:             0,
		IsStopLossOrder:    spec.Type == store.TypeStop || spec.Type == store.TypeStopMarket,
		StopLossPrice:      spec.TriggerPrice,
		IsVTD:              spec.Validity == "GTD",
		IOCOrder:           spec.Validity == "IOC",
		IsIntraday:         spec.Product == "MIS",
		PublicIP:           creds.PublicIP,
		AHPlaced:           "N",
		ValidTillDate:      bracketTime(c.now().Add(24 * time.Hour)),
		IOrderValidity:     orderValidity(spec.Validity),
		OrderRequesterCode: creds.ClientCode,
		TradedQty:          0,
	}
	if exchOrderID == "" {
		env.ReqData.Body.ExchOrderID = "0"
	}

	var out placeResponse
	if err := c.post(ctx, spec.Account, pathOrderRequest, env, &out); err != nil {
		return PlaceResult{}, err
	}
	res := PlaceResult{
		BrokerOrderID:   out.Body.BrokerOrderID.String(),
		ExchangeOrderID: out.Body.ExchOrderID.String(),
		Message:         out.Body.Message,
	}
	// body.Status: 0=成功, 1=无效会话, 2=拒绝, 9=网关异常
	switch out.Body.Status {
	case 0:
		res.Status = store.StatusSubmitted
	case 1:
		c.vault.Invalidate(spec.Account)
		return res, &APIError{Kind: ErrAuth, HTTPStatus: http.StatusOK, BrokerStatus: out.Body.Status, Message: out.Body.Message}
	case 9:
		return res, &APIError{Kind: ErrTransient, HTTPStatus: http.StatusOK, BrokerStatus: out.Body.Status, Message: out.Body.Message}
	default:
		res.Status = store.StatusRejected
		return res, &APIError{Kind: ErrPermanent, HTTPStatus: http.StatusOK, BrokerStatus: out.Body.Status, Message: out.Body.Message}
	}
	return res, nil
}

// OrderStatus queries one order by its idempotency token.
func (c *Client) OrderStatus(ctx context.Context, account, exchange, segment string, scripCode int64, token string) (StatusResult, error) {
	sess, err := c.vault.Acquire(ctx, account)
	if err != nil {
		return StatusResult{}, err
	}
	defer sess.Release()
	creds := sess.Creds()

	env := statusEnvelope{Head: c.queryHead(creds, reqCodeStatus)}
	env.Body.ClientCode = creds.ClientCode
	env.Body.OrdStatusReqList = []ordStatusReq{{
		Exch:          exchangeLetter(exchange),
		ExchType:      segment,
		ScripCode:     scripCode,
		RemoteOrderID: token,
	}}

	var out statusResponse
	if err := c.post(ctx, account, pathOrderStatus, env, &out); err != nil {
		return StatusResult{}, err
	}
	if out.Body.Status != 0 {
		return StatusResult{}, &APIError{Kind: ErrPermanent, HTTPStatus: http.StatusOK, BrokerStatus: out.Body.Status, Message: out.Body.Message}
	}
	if len(out.Body.OrdStatusResLst) == 0 {
		return StatusResult{Status: store.StatusUnknown, Message: "order not found at broker"}, nil
	}
	r := out.Body.OrdStatusResLst[0]
	return StatusResult{
		Status:          mapBrokerStatus(r.Status, r.TradedQty, r.PendingQty),
		OrderQty:        r.OrderQty,
		TradedQty:       r.TradedQty,
		PendingQty:      r.PendingQty,
		OrderRate:       r.OrderRate,
		ExchangeOrderID: r.ExchOrderID.String(),
		Message:         r.Status,
	}, nil
}

// TradeInformation fetches fill details for executed orders; the
// reconciler uses it to recover the average fill price.
func (c *Client) TradeInformation(ctx context.Context, account string, queries []TradeQuery) ([]TradeDetail, error) {
	sess, err := c.vault.Acquire(ctx, account)
	if err != nil {
		return nil, err
	}
	defer sess.Release()
	creds := sess.Creds()

	env := tradeInfoEnvelope{Head: c.queryHead(creds, reqCodeTradeInfo)}
	env.Body.ClientCode = creds.ClientCode
	for _, q := range queries {
		env.Body.TradeInformationList = append(env.Body.TradeInformationList, tradeInfoReq{
			Exch:        exchangeLetter(q.Exchange),
			ExchType:    q.Segment,
			ScripCode:   q.ScripCode,
			ExchOrderID: q.ExchangeOrderID,
		})
	}

	var out tradeInfoResponse
	if err := c.post(ctx, account, pathTradeInfo, env, &out); err != nil {
		return nil, err
	}
	if out.Body.Status != 0 {
		return nil, &APIError{Kind: ErrPermanent, HTTPStatus: http.StatusOK, BrokerStatus: out.Body.Status, Message: out.Body.Message}
	}
	return out.Body.TradeDetail, nil
}

// Positions returns the open position snapshot for the account.
func (c *Client) Positions(ctx context.Context, account string) ([]Position, error) {
	var out struct {
		Success bool       `json:"success"`
		Data    []Position `json:"data"`
		Message string     `json:"message"`
	}
	if err := c.get(ctx, account, pathPositions, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &APIError{Kind: ErrPermanent, HTTPStatus: http.StatusOK, Message: out.Message}
	}
	return out.Data, nil
}

// Balance returns the margin snapshot for the account.
func (c *Client) Balance(ctx context.Context, account string) (Balance, error) {
	var out struct {
		Success bool    `json:"success"`
		Data    Balance `json:"data"`
		Message string  `json:"message"`
	}
	if err := c.get(ctx, account, pathBalance, &out); err != nil {
		return Balance{}, err
	}
	if !out.Success {
		return Balance{}, &APIError{Kind: ErrPermanent, HTTPStatus: http.StatusOK, Message: out.Message}
	}
	return out.Data, nil
}

// Ping measures one gateway round trip.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathPing, nil)
	if err != nil {
		return 0, fmt.Errorf("build ping request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.subscriptionKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, classifyNetErr(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return time.Since(start), nil
}

func (c *Client) queryHead(creds Credentials, code string) queryHead {
	return queryHead{
		AppName:     creds.AppName,
		AppVer:      creds.AppVer,
		Key:         creds.APIKey,
		OSName:      "Web",
		RequestCode: code,
		UserID:      creds.UserID,
		Password:    creds.Password,
	}
}

// post 发送信封请求；401 时作废会话重登一次后重发（仅一次）。
func (c *Client) post(ctx context.Context, account, path string, payload, out interface{}) error {
	err := c.doPost(ctx, path, payload, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatus == http.StatusUnauthorized {
		c.vault.Invalidate(account)
		sess, aerr := c.vault.Acquire(ctx, account)
		if aerr != nil {
			return aerr
		}
		sess.Release()
		return c.doPost(ctx, path, payload, out)
	}
	return err
}

func (c *Client) doPost(ctx context.Context, path string, payload, out interface{}) error {
	c.limiter.Wait()
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", c.subscriptionKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			Kind:       classifyHTTP(resp.StatusCode),
			HTTPStatus: resp.StatusCode,
			Message:    string(body),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Kind: ErrTransient, HTTPStatus: resp.StatusCode, Message: fmt.Sprintf("decode %s response: %v", path, err)}
	}
	return nil
}

// get 发送带会话的查询；401 时 doGet 已作废会话，重发时重新登录（仅一次）。
func (c *Client) get(ctx context.Context, account, path string, out interface{}) error {
	err := c.doGet(ctx, account, path, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatus == http.StatusUnauthorized {
		return c.doGet(ctx, account, path, out)
	}
	return err
}

func (c *Client) doGet(ctx context.Context, account, path string, out interface{}) error {
	sess, err := c.vault.Acquire(ctx, account)
	if err != nil {
		return err
	}
	defer sess.Release()

	c.limiter.Wait()
	q := url.Values{}
	q.Set("accountId", account)
	q.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	req.Header.Set("Ocp-Apim-Subscription-Key", c.subscriptionKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.vault.Invalidate(account)
		return &APIError{Kind: ErrAuth, HTTPStatus: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Kind: classifyHTTP(resp.StatusCode), HTTPStatus: resp.StatusCode, Message: string(body)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// classifyNetErr 把网络层错误归类：超时算 ErrTimeout，其余算瞬时。
func classifyNetErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// orderValidity maps validity text to the gateway's iOrderValidity integer.
func orderValidity(v string) int {
	switch v {
	case "GTD":
		return 1
	case "GTC":
		return 2
	case "IOC":
		return 3
	default:
		return 0 // Day
	}
}
