package rest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/nonce"
	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var requestDurations = prometheus.NewSummaryVec(prometheus.SummaryOpts{
	Name:       "rest_request_duration_us",
	Help:       "signed REST call latency",
	Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
}, []string{"host", "method", "result"})

func init() {
	prometheus.MustRegister(requestDurations)
}

const (
	DefaultTimeout = 10 * time.Second

	HeaderAPIKey    = "X-API-KEY"
	HeaderNonce     = "X-NONCE"
	HeaderSignature = "X-SIGNATURE"
)

type Credentials struct {
	APIKey string
	Secret string
}

type Option func(c *Client)

// WithTimeout bounds every call on top of the caller context
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithSequencer shares nonces with other clients using the same credentials
func WithSequencer(sequencer *nonce.Sequencer) Option {
	return func(c *Client) {
		c.sequencer = sequencer
	}
}

// Client signs requests with HMAC-SHA256 over nonce, method, path and body.
// The request is built and signed while the credential nonce is held so
// nonces reach the venue in signing order.
type Client struct {
	logger     *zap.Logger
	baseURL    string
	host       string
	creds      Credentials
	httpClient *http.Client
	sequencer  *nonce.Sequencer
	timeout    time.Duration
}

func NewClient(logger *zap.Logger, baseURL string, creds Credentials, opts ...Option) *Client {
	c := &Client{
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		httpClient: &http.Client{},
		sequencer:  nonce.NewSequencer(),
		timeout:    DefaultTimeout,
	}
	c.host = c.baseURL
	if i := strings.Index(c.host, "://"); i >= 0 {
		c.host = c.host[i+3:]
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sign is the hex HMAC-SHA256 of nonce + method + path + body
func Sign(secret string, n int64, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(n, 10)))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Do sends a signed request and decodes a 2xx body into out when out is not nil
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return errors.WithMessage(err, "fail encode request")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := nonce.WithNonce(c.sequencer, c.creds.APIKey, func(n int64) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderAPIKey, c.creds.APIKey)
		req.Header.Set(HeaderNonce, strconv.FormatInt(n, 10))
		req.Header.Set(HeaderSignature, Sign(c.creds.Secret, n, method, path, payload))
		return req, nil
	})
	if err != nil {
		return errors.WithMessage(err, "fail build request")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(method, "transport", start)
		return trading.WrapError(trading.KindTransport, err, method+" "+path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(method, "transport", start)
		return trading.WrapError(trading.KindTransport, err, "fail read response")
	}

	if err = classify(resp.StatusCode, data); err != nil {
		c.observe(method, trading.KindOf(err).String(), start)
		c.logger.Warn("rest: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Error(err))
		return err
	}
	c.observe(method, "ok", start)

	if out == nil || len(data) == 0 {
		return nil
	}
	if err = json.Unmarshal(data, out); err != nil {
		return trading.WrapError(trading.KindExchange, err, "fail decode response")
	}
	return nil
}

func (c *Client) observe(method, result string, start time.Time) {
	requestDurations.WithLabelValues(c.host, method, result).Observe(float64(time.Since(start) / time.Microsecond))
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// classify maps the HTTP status and the venue error body to an error kind
func classify(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	reason := http.StatusText(status)
	texts := []string{string(body)}
	var parsed errorBody
	if json.Unmarshal(body, &parsed) == nil {
		texts = []string{parsed.Code, parsed.Message, parsed.Error, string(body)}
		for _, text := range texts[:3] {
			if text != "" {
				reason = text
				break
			}
		}
	} else if len(body) > 0 {
		reason = string(body)
	}
	reason = strconv.Itoa(status) + " " + reason

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return trading.NewError(trading.KindAuthentication, reason)
	case status >= 500:
		return trading.NewError(trading.KindTransport, reason)
	}
	// venue reject codes and insufficient funds text refine the 4xx kind
	for _, text := range texts {
		if text == "" {
			continue
		}
		if kind := trading.KindOf(trading.ErrorByReject(text)); kind != trading.KindExchange {
			return trading.NewError(kind, reason)
		}
	}
	return trading.NewError(trading.KindExchange, reason)
}
