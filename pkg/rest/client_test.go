package rest_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/rest"
	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gotest.tools/assert"
	"gotest.tools/assert/cmp"
)

var creds = rest.Credentials{APIKey: "key-1", Secret: "s3cret"}

// venueServer verifies signatures and answers from a handler per test
type venueServer struct {
	mx      sync.Mutex
	nonces  []int64
	handler func(w http.ResponseWriter, r *http.Request, body []byte)
}

func (s *venueServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	n, err := strconv.ParseInt(r.Header.Get(rest.HeaderNonce), 10, 64)
	if err != nil || r.Header.Get(rest.HeaderAPIKey) != creds.APIKey ||
		r.Header.Get(rest.HeaderSignature) != rest.Sign(creds.Secret, n, r.Method, r.URL.RequestURI(), body) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"bad signature"}`))
		return
	}
	s.mx.Lock()
	s.nonces = append(s.nonces, n)
	s.mx.Unlock()
	s.handler(w, r, body)
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, body []byte), opts ...rest.Option) (*rest.Client, *venueServer) {
	t.Helper()
	venue := &venueServer{handler: handler}
	server := httptest.NewServer(venue)
	t.Cleanup(server.Close)
	logger, _ := zap.NewDevelopment()
	return rest.NewClient(logger, server.URL, creds, opts...), venue
}

func TestClient_SignedRequests(t *testing.T) {
	client, venue := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		_, _ = w.Write([]byte(`{"echo":` + strconv.Quote(string(body)) + `}`))
	})

	var out struct {
		Echo string `json:"echo"`
	}
	for i := 0; i < 5; i++ {
		assert.NilError(t, client.Do(context.Background(), http.MethodPost, "/echo", map[string]int{"i": i}, &out))
	}
	assert.Equal(t, out.Echo, `{"i":4}`)

	venue.mx.Lock()
	defer venue.mx.Unlock()
	assert.Equal(t, len(venue.nonces), 5)
	for i := 1; i < len(venue.nonces); i++ {
		assert.Check(t, venue.nonces[i] > venue.nonces[i-1], "nonces increase")
	}
}

func TestClient_ConcurrentNoncesUnique(t *testing.T) {
	client, venue := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.WriteHeader(http.StatusNoContent)
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Check(t, client.Do(context.Background(), http.MethodGet, "/ping", nil, nil))
		}()
	}
	wg.Wait()

	venue.mx.Lock()
	defer venue.mx.Unlock()
	seen := make(map[int64]bool)
	for _, n := range venue.nonces {
		assert.Check(t, !seen[n], "duplicate nonce")
		seen[n] = true
	}
	assert.Equal(t, len(seen), 20)
}

func TestClient_StatusClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   trading.ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"expired key"}`, trading.KindAuthentication},
		{"forbidden", http.StatusForbidden, ``, trading.KindAuthentication},
		{"server error", http.StatusBadGateway, `upstream down`, trading.KindTransport},
		{"bad request", http.StatusBadRequest, `{"message":"price out of range"}`, trading.KindExchange},
		{"insufficient funds", http.StatusBadRequest, `{"message":"Insufficient funds for order"}`, trading.KindInsufficientFunds},
		{"balance code", http.StatusUnprocessableEntity, `{"code":"notEnoughBalance"}`, trading.KindInsufficientFunds},
		{"unknown order", http.StatusNotFound, `{"code":"orderNotFound"}`, trading.KindUnknownOrder},
		{"plain text", http.StatusConflict, `not enough balance`, trading.KindInsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			err := client.Do(context.Background(), http.MethodGet, "/x", nil, nil)
			assert.Check(t, err != nil)
			assert.Equal(t, trading.KindOf(err), tc.kind)
			assert.Check(t, cmp.Contains(err.Error(), strconv.Itoa(tc.status)))
		})
	}
}

func TestClient_BadSignatureRejected(t *testing.T) {
	venue := &venueServer{handler: func(w http.ResponseWriter, r *http.Request, body []byte) {}}
	server := httptest.NewServer(venue)
	defer server.Close()
	logger, _ := zap.NewDevelopment()
	client := rest.NewClient(logger, server.URL, rest.Credentials{APIKey: creds.APIKey, Secret: "wrong"})

	err := client.Do(context.Background(), http.MethodGet, "/x", nil, nil)
	assert.Check(t, trading.IsKind(err, trading.KindAuthentication))
	assert.Check(t, cmp.Contains(err.Error(), "bad signature"))
}

func TestClient_BoundedTimeout(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}, rest.WithTimeout(50*time.Millisecond))

	start := time.Now()
	err := client.Do(context.Background(), http.MethodGet, "/slow", nil, nil)
	assert.Check(t, trading.IsKind(err, trading.KindTransport))
	assert.Check(t, time.Since(start) < 500*time.Millisecond)
}

func TestVenue_PlaceAndCancel(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		switch r.Method {
		case http.MethodPost:
			var req map[string]interface{}
			_ = jsoniter.Unmarshal(body, &req)
			assert.Check(t, cmp.Equal(r.URL.Path, "/orders"))
			assert.Check(t, cmp.Equal(req["clientOrderId"], "order-1"))
			assert.Check(t, cmp.Equal(req["symbol"], "BTCUSD"))
			assert.Check(t, cmp.Equal(req["side"], "buy"))
			assert.Check(t, cmp.Equal(req["type"], "limit"))
			assert.Check(t, cmp.Equal(req["timeInForce"], "GTC"))
			assert.Check(t, cmp.Equal(req["price"], "100.5"))
			_, _ = w.Write([]byte(`{"orderId":"ext-1","clientOrderId":"order-1","status":"new","side":"buy","price":"100.5","volume":"1","timestamp":"2024-03-01T10:00:00Z"}`))
		case http.MethodDelete:
			assert.Check(t, cmp.Equal(r.URL.Path, "/orders/order-1"))
			assert.Check(t, cmp.Equal(r.URL.Query().Get("symbol"), "BTCUSD"))
			_, _ = w.Write([]byte(`{"orderId":"ext-1","status":"cancelled"}`))
		}
	})
	venue := rest.NewVenue(client)
	instrument := trading.NewInstrument("restx", "BTCUSD")
	price := decimal.RequireFromString("100.5")
	signal := trading.TradingSignal{
		OrderID:   "order-1",
		TradeType: trading.TradeTypeBuy,
		Price:     &price,
		Volume:    decimal.NewFromInt(1),
		OrderType: trading.OrderTypeLimit,
	}

	report, err := venue.PlaceOrder(context.Background(), instrument, signal)
	assert.NilError(t, err)
	assert.Equal(t, report.Status, trading.ExecutionStatusNew)
	assert.Equal(t, report.ExternalOrderID, "ext-1")
	assert.Equal(t, report.Instrument, instrument)
	assert.Equal(t, report.Time, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))

	signal.Command = trading.CommandCancel
	report, err = venue.CancelOrder(context.Background(), instrument, signal)
	assert.NilError(t, err)
	assert.Equal(t, report.Status, trading.ExecutionStatusCancelled)
	assert.Equal(t, report.ClientOrderID, "order-1")
	assert.Equal(t, report.TradeType, trading.TradeTypeBuy)
}

func TestVenue_UnexpectedStatus(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		_, _ = w.Write([]byte(`{"orderId":"ext-1","status":"weird"}`))
	})
	_, err := rest.NewVenue(client).PlaceOrder(context.Background(), trading.NewInstrument("restx", "BTCUSD"), trading.TradingSignal{OrderID: "o"})
	assert.Check(t, trading.IsKind(err, trading.KindExchange))
}
