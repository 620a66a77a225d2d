package broker

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"copy-trader-go/store"
)

// Credentials 解封后的券商凭据，只在内存中存在。
type Credentials struct {
	ClientCode string `json:"clientCode"`
	UserID     string `json:"userId"`
	Password   string `json:"password"`
	APIKey     string `json:"apiKey"`
	APISecret  string `json:"apiSecret"`
	AppName    string `json:"appName"`
	AppVer     string `json:"appVer"`
	PublicIP   string `json:"publicIp"`
}

// Session 是一次已认证的券商会话；引用计数保证刷新期间旧句柄仍然可用。
type Session struct {
	Account string
	Token   string
	Expiry  time.Time

	creds Credentials
	refs  int64
}

// Creds returns the in-memory credentials bound to this session.
func (s *Session) Creds() Credentials { return s.creds }

// Release drops the caller's reference.
func (s *Session) Release() { atomic.AddInt64(&s.refs, -1) }

// CredentialSource 提供账户的密封凭据（生产实现是 store.Store）。
type CredentialSource interface {
	GetCredentials(ctx context.Context, account string) (store.SealedCredentials, error)
}

// Vault 按账户缓存券商会话；同一账户的并发登录合并为一次（singleflight），
// 距过期小于 guard 时提前刷新。
type Vault struct {
	source   CredentialSource
	key      []byte
	loginURL string
	client   *http.Client
	guard    time.Duration

	group    singleflight.Group
	mu       sync.Mutex
	sessions map[string]*Session

	// 测试钩子：替换真实登录调用
	loginFn func(ctx context.Context, creds Credentials) (string, time.Time, error)
}

// NewVault creates the credential vault. keyHex must decode to a 32-byte
// AES-256 key. guard <= 0 falls back to 5 minutes.
func NewVault(source CredentialSource, keyHex, loginURL string, client *http.Client, guard time.Duration) (*Vault, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode credential key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("credential key must be 32 bytes, got %d", len(key))
	}
	if guard <= 0 {
		guard = 5 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	v := &Vault{
		source:   source,
		key:      key,
		loginURL: loginURL,
		client:   client,
		guard:    guard,
		sessions: make(map[string]*Session),
	}
	v.loginFn = v.login
	return v, nil
}

// Acquire returns an authenticated session for the account, logging in or
// refreshing as needed. The caller must Release the handle.
func (v *Vault) Acquire(ctx context.Context, account string) (*Session, error) {
	v.mu.Lock()
	if s, ok := v.sessions[account]; ok && time.Until(s.Expiry) > v.guard {
		atomic.AddInt64(&s.refs, 1)
		v.mu.Unlock()
		return s, nil
	}
	v.mu.Unlock()

	res, err, _ := v.group.Do(account, func() (interface{}, error) {
		// 双检：等待者进入时可能已有别的调用完成刷新
		v.mu.Lock()
		if s, ok := v.sessions[account]; ok && time.Until(s.Expiry) > v.guard {
			v.mu.Unlock()
			return s, nil
		}
		v.mu.Unlock()

		sealed, err := v.source.GetCredentials(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		creds, err := Unseal(v.key, sealed.Sealed)
		if err != nil {
			return nil, fmt.Errorf("%w: unseal: %v", ErrInvalidCredentials, err)
		}
		if creds.ClientCode == "" {
			creds.ClientCode = sealed.ClientCode
		}
		token, expiry, err := v.loginFn(ctx, creds)
		if err != nil {
			return nil, err
		}
		s := &Session{Account: account, Token: token, Expiry: expiry, creds: creds}
		v.mu.Lock()
		v.sessions[account] = s
		v.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	s := res.(*Session)
	atomic.AddInt64(&s.refs, 1)
	return s, nil
}

// Invalidate drops the cached session so the next Acquire re-authenticates.
// Called by the REST client on HTTP 401.
func (v *Vault) Invalidate(account string) {
	v.mu.Lock()
	delete(v.sessions, account)
	v.mu.Unlock()
}

type loginRequest struct {
	UserID    string `json:"userId"`
	Password  string `json:"password"`
	APIKey    string `json:"apiKey"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

type loginResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Token string `json:"token"`
	} `json:"data"`
	Message string `json:"message"`
}

func (v *Vault) login(ctx context.Context, creds Credentials) (string, time.Time, error) {
	now := time.Now().UTC()
	req := loginRequest{
		UserID:    creds.UserID,
		Password:  creds.Password,
		APIKey:    creds.APIKey,
		Timestamp: now.UnixMilli(),
	}
	req.Signature = signLogin(req, creds.APISecret)

	raw, err := json.Marshal(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshal login: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.loginURL, bytes.NewReader(raw))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build login request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrAuthTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", time.Time{}, ErrInvalidCredentials
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", time.Time{}, fmt.Errorf("%w: http %d", ErrAuthTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", time.Time{}, fmt.Errorf("%w: http %d", ErrInvalidCredentials, resp.StatusCode)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: decode login: %v", ErrAuthTransient, err)
	}
	if !lr.Success || lr.Data.Token == "" {
		return "", time.Time{}, fmt.Errorf("%w: %s", ErrInvalidCredentials, lr.Message)
	}
	// 券商会话约 8 小时过期，留半小时余量
	return lr.Data.Token, now.Add(7*time.Hour + 30*time.Minute), nil
}

// signLogin 对排序后的 k=v 串做 HMAC-SHA256。
func signLogin(req loginRequest, secret string) string {
	params := map[string]string{
		"userId":    req.UserID,
		"password":  req.Password,
		"apiKey":    req.APIKey,
		"timestamp": fmt.Sprintf("%d", req.Timestamp),
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte('&')
		}
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(params[k])
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(buf.Bytes())
	return hex.EncodeToString(mac.Sum(nil))
}

// Seal encrypts credentials with AES-256-GCM; the nonce is prepended to the
// ciphertext.
func Seal(key []byte, creds Credentials) ([]byte, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, raw, nil), nil
}

// Unseal decrypts a blob produced by Seal.
func Unseal(key, sealed []byte) (Credentials, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return Credentials{}, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Credentials{}, fmt.Errorf("new gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return Credentials{}, fmt.Errorf("sealed blob too short")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	raw, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("open sealed blob: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return creds, nil
}
