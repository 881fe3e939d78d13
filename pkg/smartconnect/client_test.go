package smartconnect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *SmartConnect {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewSmartConnect(Config{
		APIKey:         "key",
		RootURL:        srv.URL,
		ClientLocalIP:  "10.0.0.1",
		ClientPublicIP: "1.2.3.4",
		ClientMAC:      "aa:bb:cc:dd:ee:ff",
	})
}

func TestGenerateSession_StoresTokens(t *testing.T) {
	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, routes["api.login"], r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-PrivateKey"))
		assert.Equal(t, "1.2.3.4", r.Header.Get("X-ClientPublicIP"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "C1", body["clientcode"])
		assert.Equal(t, "123456", body["totp"])

		w.Write([]byte(`{"status":true,"message":"SUCCESS","data":{"jwtToken":"jwt","refreshToken":"rt","feedToken":"ft"}}`))
	})

	require.NoError(t, sc.GenerateSession(context.Background(), "C1", "pin", "123456"))
	assert.Equal(t, "jwt", sc.AccessToken())
	assert.Equal(t, "ft", sc.FeedToken())
	assert.Equal(t, "C1", sc.UserID())
}

func TestGenerateSession_Failure(t *testing.T) {
	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":false,"message":"Invalid totp","errorcode":"AB1050","data":null}`))
	})

	err := sc.GenerateSession(context.Background(), "C1", "pin", "000000")
	assert.ErrorIs(t, err, ErrLogin)
	assert.ErrorContains(t, err, "Invalid totp")
	assert.Empty(t, sc.AccessToken())
}

func TestLoginTOTP_SendsCurrentCode(t *testing.T) {
	const secret = "JBSWY3DPEHPK3PXP"
	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, totp.Validate(body["totp"], secret))
		w.Write([]byte(`{"status":true,"data":{"jwtToken":"jwt"}}`))
	})
	require.NoError(t, sc.LoginTOTP(context.Background(), "C1", "pin", secret))
}

func TestRenewAccessToken_ReplacesTokens(t *testing.T) {
	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case routes["api.login"]:
			w.Write([]byte(`{"status":true,"data":{"jwtToken":"jwt1","refreshToken":"rt1","feedToken":"ft1"}}`))
		case routes["api.token"]:
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "rt1", body["refreshToken"])
			w.Write([]byte(`{"status":true,"data":{"jwtToken":"jwt2","refreshToken":"rt2","feedToken":"ft2"}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	require.NoError(t, sc.GenerateSession(context.Background(), "C1", "pin", "123456"))
	require.NoError(t, sc.RenewAccessToken(context.Background()))
	assert.Equal(t, "jwt2", sc.AccessToken())
	assert.Equal(t, "ft2", sc.FeedToken())
}

func TestRenewAccessToken_Failure(t *testing.T) {
	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":false,"message":"Invalid Token","errorcode":"AG8001","data":null}`))
	})
	sc.SetAccessToken("old")

	assert.Error(t, sc.RenewAccessToken(context.Background()))
	assert.Equal(t, "old", sc.AccessToken())
}

func TestTokenExceptionCallsHook(t *testing.T) {
	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error_type":"TokenException","message":"expired"}`))
	})
	called := false
	sc.SessionExpiryHook = func() { called = true }

	_, err := sc.GetCandleData(context.Background(), CandleParams{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.True(t, called)
}

func TestGetCandleData(t *testing.T) {
	from := time.Date(2024, 6, 3, 3, 45, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, routes["api.candle.data"], r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "2024-06-03 09:15", body["fromdate"])
		assert.Equal(t, "2024-06-04 09:15", body["todate"])
		assert.Equal(t, "FIFTEEN_MINUTE", body["interval"])
		w.Write([]byte(`{"status":true,"data":[["2024-06-03T09:15:00+05:30",100,102,99.5,101,1200]]}`))
	})
	sc.SetAccessToken("jwt")

	rows, err := sc.GetCandleData(context.Background(), CandleParams{
		Exchange: "NSE", SymbolToken: "3045", Interval: "FIFTEEN_MINUTE", From: from, To: to,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2024-06-03T09:15:00+05:30", rows[0][0])
	assert.Equal(t, 99.5, rows[0][3])
}

func TestGetCandleData_EmptyData(t *testing.T) {
	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":true,"data":null}`))
	})
	rows, err := sc.GetCandleData(context.Background(), CandleParams{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
