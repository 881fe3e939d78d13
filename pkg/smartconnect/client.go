// Package smartconnect is a small client for the Angel One SmartAPI: password
// + TOTP login, token refresh, historical candles and the binary market feed.
//
// Usage example:
//
//	sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: "your_api_key"})
//	if err := sc.LoginTOTP(ctx, "CLIENTID", "PIN", "TOTPSECRET"); err != nil {
//	    log.Fatal(err)
//	}
//	rows, err := sc.GetCandleData(ctx, smartconnect.CandleParams{
//	    Exchange: "NSE", SymbolToken: "3045", Interval: "FIFTEEN_MINUTE",
//	    From: from, To: to,
//	})
package smartconnect

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
)

// ---- Config & client ----

type Config struct {
	APIKey       string
	AccessToken  string
	RefreshToken string
	FeedToken    string
	UserID       string

	RootURL        string        // default: https://apiconnect.angelone.in
	Timeout        time.Duration // default: 7s
	ProxyURL       string        // optional HTTP proxy URL
	DisableSSL     bool          // if true, InsecureSkipVerify
	UserType       string        // default: USER
	SourceID       string        // default: WEB
	ClientPublicIP string        // default 106.193.147.98
	ClientLocalIP  string        // default resolved, else 127.0.0.1
	ClientMAC      string        // default from interface MAC
}

type SmartConnect struct {
	mu           sync.RWMutex
	apiKey       string
	accessToken  string
	refreshToken string
	feedToken    string
	userID       string

	rootURL    string
	httpClient *http.Client

	userType       string
	sourceID       string
	clientPublicIP string
	clientLocalIP  string
	clientMAC      string

	// Optional callback for 403 TokenException
	SessionExpiryHook func()
}

const (
	defaultRoot      = "https://apiconnect.angelone.in"
	defaultPublicIP  = "106.193.147.98"
	contentTypeJSON  = "application/json"
	angelTimeLayout  = "2006-01-02 15:04"
	tokenExceptionET = "TokenException"
)

var routes = map[string]string{
	"api.login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":       "/rest/secure/angelbroking/user/v1/logout",
	"api.token":        "/rest/auth/angelbroking/jwt/v1/generateTokens",
	"api.user.profile": "/rest/secure/angelbroking/user/v1/getProfile",
	"api.candle.data":  "/rest/secure/angelbroking/historical/v1/getCandleData",
}

// ErrLogin is returned when the broker answers a login with status=false.
var ErrLogin = errors.New("smartconnect: login failed")

// APIError is an error envelope returned by the broker.
type APIError struct {
	Status    int
	ErrorType string
	ErrorCode string
	Message   string
}

func (e *APIError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("smartconnect: %s: %s (http %d)", e.ErrorType, e.Message, e.Status)
	}
	return fmt.Sprintf("smartconnect: %s %s (http %d)", e.ErrorCode, e.Message, e.Status)
}

// envelope is the common SmartAPI response wrapper.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

// GetLocalIP finds the first non-loopback IPv4 address.
func GetLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	for _, address := range addrs {
		if ipNet, ok := address.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no local IP found")
}

// NewSmartConnect initializes the client. It never performs network calls.
func NewSmartConnect(cfg Config) *SmartConnect {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.UserType == "" {
		cfg.UserType = "USER"
	}
	if cfg.SourceID == "" {
		cfg.SourceID = "WEB"
	}
	if cfg.ClientLocalIP == "" {
		ip, err := GetLocalIP()
		if err != nil {
			slog.Debug("smartconnect: local IP lookup failed", "error", err)
		}
		cfg.ClientLocalIP = firstNonEmpty(ip, "127.0.0.1")
	}
	cfg.ClientPublicIP = firstNonEmpty(cfg.ClientPublicIP, defaultPublicIP)
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = macAddress()
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.DisableSSL,
		},
	}
	if cfg.ProxyURL != "" {
		if purl, err := url.Parse(cfg.ProxyURL); err == nil {
			tr.Proxy = http.ProxyURL(purl)
		}
	}

	return &SmartConnect{
		apiKey:         cfg.APIKey,
		accessToken:    cfg.AccessToken,
		refreshToken:   cfg.RefreshToken,
		feedToken:      cfg.FeedToken,
		userID:         cfg.UserID,
		rootURL:        strings.TrimRight(cfg.RootURL, "/"),
		httpClient:     &http.Client{Transport: tr, Timeout: cfg.Timeout},
		userType:       cfg.UserType,
		sourceID:       cfg.SourceID,
		clientPublicIP: cfg.ClientPublicIP,
		clientLocalIP:  cfg.ClientLocalIP,
		clientMAC:      cfg.ClientMAC,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func macAddress() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}

// ---- Helpers ----

func (sc *SmartConnect) requestHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", contentTypeJSON)
	h.Set("Accept", contentTypeJSON)
	h.Set("X-ClientLocalIP", sc.clientLocalIP)
	h.Set("X-ClientPublicIP", sc.clientPublicIP)
	h.Set("X-MACAddress", sc.clientMAC)
	h.Set("X-PrivateKey", sc.apiKey)
	h.Set("X-UserType", sc.userType)
	h.Set("X-SourceID", sc.sourceID)
	if tok := sc.AccessToken(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h
}

// doRequest sends params as a query (GET) or JSON body (POST) and decodes the
// response envelope. status=false and error_type responses become *APIError.
func (sc *SmartConnect) doRequest(ctx context.Context, method, route string, params map[string]any) (*envelope, error) {
	uri, ok := routes[route]
	if !ok {
		return nil, fmt.Errorf("smartconnect: unknown route %s", route)
	}
	reqURL := sc.rootURL + uri

	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			q := url.Values{}
			for k, v := range params {
				q.Set(k, fmt.Sprint(v))
			}
			reqURL += "?" + q.Encode()
		}
	} else {
		if params == nil {
			params = map[string]any{}
		}
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("smartconnect: encode %s: %w", route, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	req.Header = sc.requestHeaders()

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("smartconnect: %s %s: %w", method, route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("smartconnect: read %s: %w", route, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("smartconnect: couldn't parse %s response (http %d): %w", route, resp.StatusCode, err)
	}
	if env.ErrorType != "" {
		if env.ErrorType == tokenExceptionET && resp.StatusCode == http.StatusForbidden && sc.SessionExpiryHook != nil {
			sc.SessionExpiryHook()
		}
		return &env, &APIError{Status: resp.StatusCode, ErrorType: env.ErrorType, Message: env.Message}
	}
	if !env.Status {
		return &env, &APIError{Status: resp.StatusCode, ErrorCode: env.ErrorCode, Message: env.Message}
	}
	return &env, nil
}

// ---- Setters/Getters ----

func (sc *SmartConnect) SetAccessToken(t string) {
	sc.mu.Lock()
	sc.accessToken = t
	sc.mu.Unlock()
}

func (sc *SmartConnect) AccessToken() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.accessToken
}

func (sc *SmartConnect) FeedToken() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.feedToken
}

func (sc *SmartConnect) UserID() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.userID
}

func (sc *SmartConnect) APIKey() string { return sc.apiKey }

// ---- Session ----

type sessionTokens struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

// GenerateSession logs in with a client code, PIN and a current TOTP code and
// stores the returned tokens.
func (sc *SmartConnect) GenerateSession(ctx context.Context, clientCode, password, otpCode string) error {
	env, err := sc.doRequest(ctx, http.MethodPost, "api.login", map[string]any{
		"clientcode": clientCode,
		"password":   password,
		"totp":       otpCode,
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("%w: %s", ErrLogin, apiErr.Message)
		}
		return err
	}

	var toks sessionTokens
	if err := json.Unmarshal(env.Data, &toks); err != nil || toks.JWTToken == "" {
		return fmt.Errorf("%w: unexpected login response format", ErrLogin)
	}

	sc.mu.Lock()
	sc.accessToken = toks.JWTToken
	sc.refreshToken = toks.RefreshToken
	sc.feedToken = toks.FeedToken
	sc.userID = clientCode
	sc.mu.Unlock()
	return nil
}

// LoginTOTP derives the current TOTP code from secret and logs in.
func (sc *SmartConnect) LoginTOTP(ctx context.Context, clientCode, password, secret string) error {
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		return fmt.Errorf("smartconnect: generate totp: %w", err)
	}
	return sc.GenerateSession(ctx, clientCode, password, code)
}

// RenewAccessToken exchanges the refresh token for a new JWT and feed token.
func (sc *SmartConnect) RenewAccessToken(ctx context.Context) error {
	sc.mu.RLock()
	refresh := sc.refreshToken
	sc.mu.RUnlock()

	env, err := sc.doRequest(ctx, http.MethodPost, "api.token", map[string]any{"refreshToken": refresh})
	if err != nil {
		return err
	}
	var toks sessionTokens
	if err := json.Unmarshal(env.Data, &toks); err != nil {
		return fmt.Errorf("smartconnect: token response: %w", err)
	}

	sc.mu.Lock()
	if toks.JWTToken != "" {
		sc.accessToken = toks.JWTToken
	}
	if toks.RefreshToken != "" {
		sc.refreshToken = toks.RefreshToken
	}
	if toks.FeedToken != "" {
		sc.feedToken = toks.FeedToken
	}
	sc.mu.Unlock()
	return nil
}

// TerminateSession logs the client out.
func (sc *SmartConnect) TerminateSession(ctx context.Context) error {
	_, err := sc.doRequest(ctx, http.MethodPost, "api.logout", map[string]any{"clientcode": sc.UserID()})
	return err
}

// ---- Market data ----

// CandleParams selects one historical candle request. From and To are
// rendered in IST minute precision as the API expects.
type CandleParams struct {
	Exchange    string
	SymbolToken string
	Interval    string
	From        time.Time
	To          time.Time
}

var ist = time.FixedZone("IST", 5*3600+30*60)

// GetCandleData returns raw candle rows: [timestamp, open, high, low, close, volume].
func (sc *SmartConnect) GetCandleData(ctx context.Context, p CandleParams) ([][]any, error) {
	env, err := sc.doRequest(ctx, http.MethodPost, "api.candle.data", map[string]any{
		"exchange":    p.Exchange,
		"symboltoken": p.SymbolToken,
		"interval":    p.Interval,
		"fromdate":    p.From.In(ist).Format(angelTimeLayout),
		"todate":      p.To.In(ist).Format(angelTimeLayout),
	})
	if err != nil {
		return nil, err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, nil
	}
	var rows [][]any
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("smartconnect: candle rows: %w", err)
	}
	return rows, nil
}
