package fix

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/stream"
	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var requestDurations = prometheus.NewSummaryVec(prometheus.SummaryOpts{
	Name:       "fix_request_duration_us",
	Help:       "time from request enqueue to counterparty answer",
	Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
}, []string{"session", "request"})

var messageCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "fix_message_count",
	Help: "session messages by direction and MsgType",
}, []string{"session", "direction", "type"})

func init() {
	prometheus.MustRegister(requestDurations, messageCounters)
}

type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

var sessionStateNames = [...]string{
	StateDisconnected:  "disconnected",
	StateConnecting:    "connecting",
	StateConnected:     "connected",
	StateDisconnecting: "disconnecting",
	StateError:         "error",
}

func (s SessionState) String() string {
	if int(s) < len(sessionStateNames) {
		return sessionStateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

const (
	DefaultHeartBtInt     = 30 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	outboxSize            = 256
)

type Config struct {
	BeginString    string
	SenderCompID   string
	TargetCompID   string
	Username       string
	Password       string
	HeartBtInt     time.Duration
	RequestTimeout time.Duration
	// Policy paces reconnects, nil uses the stream default
	Policy backoff.BackOff
}

// ExecutionHandler receives execution reports nobody was waiting for
type ExecutionHandler func(report trading.ExecutionReport)

// Connector is a FIX initiator session. It decorates a raw transport with
// Logon, heartbeats and sequence numbers and runs it under a stream.Subscriber,
// so reconnects follow the subscriber policy. Order requests wait for the
// matching ExecutionReport or reject.
type Connector struct {
	exchange string
	logger   *zap.Logger
	cfg      Config
	inner    stream.Transport
	sub      *stream.Subscriber
	now      func() time.Time

	state    int32
	stopping int32

	// seqMx orders sequence assignment with enqueueing so the wire order matches MsgSeqNum
	seqMx      sync.Mutex
	nextSeq    int
	outbox     chan []byte
	writerStop context.CancelFunc
	writerDone chan struct{}

	pendingMx sync.Mutex
	pending   pendingCalls

	expectedIn    int
	lastReceived  int64
	lastSent      int64
	testRequested int32

	executionsMx sync.RWMutex
	executions   []ExecutionHandler
}

var _ trading.Venue = (*Connector)(nil)
var _ stream.Transport = (*Connector)(nil)

func NewConnector(logger *zap.Logger, exchange string, transport stream.Transport, cfg Config) *Connector {
	if cfg.BeginString == "" {
		cfg.BeginString = DefaultBeginString
	}
	if cfg.HeartBtInt <= 0 {
		cfg.HeartBtInt = DefaultHeartBtInt
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	c := &Connector{
		exchange: exchange,
		logger:   logger.With(zap.String("session", cfg.SenderCompID+"->"+cfg.TargetCompID)),
		cfg:      cfg,
		inner:    transport,
		now:      time.Now,
		pending:  newPendingCalls(),
	}
	// FIX heartbeats replace the subscriber watchdog
	c.sub = stream.NewSubscriber(logger, "fix-"+exchange, c, stream.Options{Heartbeat: 0, Policy: cfg.Policy})
	c.sub.Subscribe(c.handleApplication)
	return c
}

func (c *Connector) State() SessionState {
	return SessionState(atomic.LoadInt32(&c.state))
}

func (c *Connector) setState(state SessionState) {
	prev := SessionState(atomic.SwapInt32(&c.state, int32(state)))
	if prev != state {
		c.logger.Info("fix: session state", zap.Stringer("from", prev), zap.Stringer("to", state))
	}
}

// OnExecution registers a handler for unsolicited execution reports
func (c *Connector) OnExecution(handler ExecutionHandler) {
	c.executionsMx.Lock()
	defer c.executionsMx.Unlock()
	c.executions = append(c.executions, handler)
}

func (c *Connector) Start() {
	atomic.StoreInt32(&c.stopping, 0)
	c.sub.Start()
}

// Stop rejects every pending request and closes the session. New requests
// are refused from the start, the session stays connected until Logout.
func (c *Connector) Stop() {
	atomic.StoreInt32(&c.stopping, 1)
	closed := trading.NewError(trading.KindInvalidState, "connector closed")
	c.failPending(closed)
	c.sub.Stop()
	// requests that passed the state check while the session was going down
	c.failPending(closed)
}

func (c *Connector) Dispose() {
	c.Stop()
	c.sub.Dispose()
}

// Fatal delivers a rejected logon, the session does not retry after it
func (c *Connector) Fatal() <-chan error {
	return c.sub.Fatal()
}

func (c *Connector) EnsureCanHandleRequest() error {
	if atomic.LoadInt32(&c.stopping) == 1 {
		return trading.NewError(trading.KindInvalidState, "fix session is stopping")
	}
	if state := c.State(); state != StateConnected {
		return trading.NewError(trading.KindInvalidState, "fix session is "+state.String())
	}
	return nil
}

func (c *Connector) Connect(ctx context.Context) error {
	if err := c.inner.Connect(ctx); err != nil {
		c.setState(StateError)
		return err
	}

	writerCtx, stop := context.WithCancel(context.Background())
	outbox := make(chan []byte, outboxSize)
	done := make(chan struct{})
	c.seqMx.Lock()
	c.nextSeq = 1
	c.outbox = outbox
	c.writerStop = stop
	c.writerDone = done
	c.seqMx.Unlock()

	c.expectedIn = 1
	now := c.now().UnixNano()
	atomic.StoreInt64(&c.lastReceived, now)
	atomic.StoreInt64(&c.lastSent, now)
	atomic.StoreInt32(&c.testRequested, 0)
	go c.writeLoop(writerCtx, outbox, done)

	heartBtInt := int(c.cfg.HeartBtInt / time.Second)
	if heartBtInt < 1 {
		heartBtInt = 1
	}
	logon := NewMessage(MsgTypeLogon).
		Set(TagEncryptMethod, "0").
		Set(TagHeartBtInt, strconv.Itoa(heartBtInt)).
		Set(TagResetSeqNumFlag, "Y")
	if c.cfg.Username != "" {
		logon.Set(TagUsername, c.cfg.Username)
	}
	if c.cfg.Password != "" {
		logon.Set(TagPassword, c.cfg.Password)
	}
	c.setState(StateConnecting)
	if _, err := c.enqueue(logon, nil); err != nil {
		return err
	}
	return nil
}

// Send stamps and queues an already encoded message
func (c *Connector) Send(ctx context.Context, payload []byte) error {
	msg, err := Decode(payload)
	if err != nil {
		return err
	}
	_, err = c.enqueue(msg, nil)
	return err
}

// Receive handles session level messages and hands every valid message to the subscriber
func (c *Connector) Receive(ctx context.Context) ([]byte, error) {
	for {
		raw, err := c.inner.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.setState(StateError)
				c.failPending(trading.WrapError(trading.KindTransport, err, "fix session failed"))
			}
			return nil, err
		}
		atomic.StoreInt64(&c.lastReceived, c.now().UnixNano())
		atomic.StoreInt32(&c.testRequested, 0)

		msg, err := Decode(raw)
		if err != nil {
			c.logger.Warn("fix: drop malformed message", zap.Error(err), zap.ByteString("raw", raw))
			continue
		}
		messageCounters.WithLabelValues(c.exchange, "in", msg.MsgType()).Inc()
		c.checkSequence(msg)

		if err = c.handleSession(msg); err != nil {
			c.failPending(err)
			return nil, err
		}
		return raw, nil
	}
}

// Close sends Logout for a live session, flushes the outbox and closes the transport
func (c *Connector) Close(ctx context.Context) error {
	if c.State() == StateConnected {
		c.setState(StateDisconnecting)
		if _, err := c.enqueue(NewMessage(MsgTypeLogout), nil); err != nil {
			c.logger.Warn("fix: fail queue logout", zap.Error(err))
		}
	}

	c.seqMx.Lock()
	outbox, stop, done := c.outbox, c.writerStop, c.writerDone
	c.outbox, c.writerStop, c.writerDone = nil, nil, nil
	c.seqMx.Unlock()

	if outbox != nil {
		close(outbox)
		select {
		case <-done:
		case <-ctx.Done():
			c.logger.Warn("fix: outbox not flushed before close")
		}
		stop()
	}

	err := c.inner.Close(ctx)
	if c.State() != StateError {
		c.setState(StateDisconnected)
	}
	return err
}

func (c *Connector) checkSequence(msg *Message) {
	seq, err := msg.Int(TagMsgSeqNum)
	if err != nil {
		c.logger.Warn("fix: message without MsgSeqNum", zap.String("type", msg.MsgType()))
		return
	}
	if seq != c.expectedIn {
		c.logger.Warn("fix: inbound sequence gap", zap.Int("expected", c.expectedIn), zap.Int("received", seq))
	}
	c.expectedIn = seq + 1
}

func (c *Connector) handleSession(msg *Message) error {
	switch msg.MsgType() {
	case MsgTypeLogon:
		c.setState(StateConnected)
	case MsgTypeTestRequest:
		heartbeat := NewMessage(MsgTypeHeartbeat).Set(TagTestReqID, msg.Value(TagTestReqID))
		if _, err := c.enqueue(heartbeat, nil); err != nil {
			c.logger.Warn("fix: fail answer test request", zap.Error(err))
		}
	case MsgTypeLogout:
		text := msg.Value(TagText)
		switch c.State() {
		case StateConnecting:
			c.setState(StateError)
			return trading.NewError(trading.KindAuthentication, "logon rejected: "+text)
		case StateConnected:
			if _, err := c.enqueue(NewMessage(MsgTypeLogout), nil); err != nil {
				c.logger.Warn("fix: fail confirm logout", zap.Error(err))
			}
		}
		c.setState(StateDisconnected)
		return trading.NewError(trading.KindTransport, "logout received: "+text)
	}
	return nil
}

// handleApplication resolves pending requests, it runs on the subscriber receive goroutine
func (c *Connector) handleApplication(ctx context.Context, raw []byte) error {
	msg, err := Decode(raw)
	if err != nil {
		return err
	}

	switch msg.MsgType() {
	case MsgTypeReject, MsgTypeBusinessReject:
		refSeq, err := msg.Int(TagRefSeqNum)
		if err != nil {
			return err
		}
		call := c.takeBySeq(refSeq)
		if call == nil {
			c.logger.Warn("fix: reject for unknown request", zap.Int("refSeqNum", refSeq), zap.String("text", msg.Value(TagText)))
			return nil
		}
		reason := "session reject"
		if msg.MsgType() == MsgTypeBusinessReject {
			reason = "business reject"
		}
		call.Error = trading.NewError(trading.KindExchange, reason+": "+msg.Value(TagText))
		call.done()

	case MsgTypeExecutionReport:
		call := c.takeByClOrdID(msg.Value(TagClOrdID))
		if call == nil {
			report := c.executionReport(msg, trading.NewInstrument(c.exchange, msg.Value(TagSymbol)))
			c.publishExecution(report)
			return nil
		}
		report := c.executionReport(msg, call.instrument)
		if report.Status == trading.ExecutionStatusRejected {
			text := report.Message
			if text == "" {
				text = "order rejected"
			}
			call.Error = trading.ErrorByReject(text)
		} else {
			call.Reply = &report
		}
		call.done()

	case MsgTypeOrderCancelReject:
		call := c.takeByClOrdID(msg.Value(TagClOrdID))
		if call == nil {
			c.logger.Warn("fix: cancel reject for unknown request", zap.String("clOrdID", msg.Value(TagClOrdID)))
			return nil
		}
		kind := trading.KindExchange
		if msg.Value(TagCxlRejReason) == "1" {
			kind = trading.KindUnknownOrder
		}
		call.Error = trading.NewError(kind, "cancel rejected: "+msg.Value(TagText))
		call.done()
	}
	return nil
}

func (c *Connector) publishExecution(report trading.ExecutionReport) {
	c.executionsMx.RLock()
	handlers := c.executions
	c.executionsMx.RUnlock()
	for _, handler := range handlers {
		handler(report)
	}
}

func (c *Connector) executionReport(msg *Message, instrument trading.Instrument) trading.ExecutionReport {
	report := trading.ExecutionReport{
		Instrument:      instrument,
		Time:            c.now(),
		ExternalOrderID: msg.Value(TagOrderID),
		ClientOrderID:   msg.Value(TagClOrdID),
		Status:          trading.ExecutionStatusFromFix(msg.Value(TagOrdStatus)),
		Message:         msg.Value(TagText),
		Price:           firstDecimal(msg, TagLastPx, TagAvgPx, TagPrice),
		Volume:          firstDecimal(msg, TagLastQty, TagOrderQty),
	}
	if orig := msg.Value(TagOrigClOrdID); orig != "" {
		report.ClientOrderID = orig
	}
	if ts, err := time.Parse(timestampLayout, msg.Value(TagTransactTime)); err == nil {
		report.Time = ts
	}
	switch msg.Value(TagSide) {
	case "1":
		report.TradeType = trading.TradeTypeBuy
	case "2":
		report.TradeType = trading.TradeTypeSell
	}
	return report
}

// firstDecimal returns the first non zero value among tags
func firstDecimal(msg *Message, tags ...int) decimal.Decimal {
	for _, tag := range tags {
		val, ok := msg.Get(tag)
		if !ok {
			continue
		}
		d, err := decimal.NewFromString(val)
		if err == nil && !d.IsZero() {
			return d
		}
	}
	return decimal.Zero
}

func (c *Connector) PlaceOrder(ctx context.Context, instrument trading.Instrument, signal trading.TradingSignal) (*trading.ExecutionReport, error) {
	clOrdID := signal.OrderID
	if clOrdID == "" {
		clOrdID = uuid.NewString()
	}
	msg := NewMessage(MsgTypeNewOrderSingle).
		Set(TagClOrdID, clOrdID).
		Set(TagSymbol, instrument.Symbol).
		Set(TagSide, sideCode(signal.TradeType)).
		Set(TagOrderQty, signal.Volume.String()).
		Set(TagOrdType, signal.OrderType.FixCode()).
		Set(TagTimeInForce, signal.TimeInForce.FixCode()).
		Set(TagTransactTime, c.now().UTC().Format(timestampLayout))
	if signal.Price != nil {
		msg.Set(TagPrice, signal.Price.String())
	}
	return c.request(ctx, msg, createCall(c.exchange, requestNewOrder, clOrdID, instrument))
}

func (c *Connector) CancelOrder(ctx context.Context, instrument trading.Instrument, signal trading.TradingSignal) (*trading.ExecutionReport, error) {
	clOrdID := uuid.NewString()
	msg := NewMessage(MsgTypeOrderCancelRequest).
		Set(TagClOrdID, clOrdID).
		Set(TagOrigClOrdID, signal.OrderID).
		Set(TagSymbol, instrument.Symbol).
		Set(TagSide, sideCode(signal.TradeType)).
		Set(TagTransactTime, c.now().UTC().Format(timestampLayout))
	return c.request(ctx, msg, createCall(c.exchange, requestCancel, clOrdID, instrument))
}

func sideCode(tradeType trading.TradeType) string {
	if tradeType == trading.TradeTypeSell {
		return "2"
	}
	return "1"
}

func (c *Connector) request(ctx context.Context, msg *Message, call *requestCall) (*trading.ExecutionReport, error) {
	if err := c.EnsureCanHandleRequest(); err != nil {
		return nil, err
	}

	c.pendingMx.Lock()
	reserved := c.pending.reserve(call)
	c.pendingMx.Unlock()
	if !reserved {
		return nil, trading.NewError(trading.KindInvalidState, "request already pending for "+call.clOrdID)
	}

	_, err := c.enqueue(msg, func(seq int) {
		c.pendingMx.Lock()
		defer c.pendingMx.Unlock()
		c.pending.bind(call, seq)
	})
	if err != nil {
		c.take(call)
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case <-call.Done:
		return call.Reply, call.Error
	case <-timer.C:
		if c.take(call) {
			return nil, trading.NewError(trading.KindTransport, "fix request timeout "+call.clOrdID)
		}
	case <-ctx.Done():
		if c.take(call) {
			return nil, trading.WrapError(trading.KindTransport, ctx.Err(), "fix request aborted")
		}
	}
	// answered while giving up
	<-call.Done
	return call.Reply, call.Error
}

func (c *Connector) take(call *requestCall) bool {
	c.pendingMx.Lock()
	defer c.pendingMx.Unlock()
	return c.pending.take(call)
}

func (c *Connector) takeBySeq(seq int) *requestCall {
	c.pendingMx.Lock()
	defer c.pendingMx.Unlock()
	return c.pending.takeBySeq(seq)
}

func (c *Connector) takeByClOrdID(clOrdID string) *requestCall {
	c.pendingMx.Lock()
	defer c.pendingMx.Unlock()
	return c.pending.takeByClOrdID(clOrdID)
}

func (c *Connector) failPending(err error) {
	c.pendingMx.Lock()
	calls := c.pending.takeAll()
	c.pendingMx.Unlock()
	for _, call := range calls {
		call.Error = err
		call.done()
	}
	if len(calls) > 0 {
		c.logger.Warn("fix: pending requests failed", zap.Int("count", len(calls)), zap.Error(err))
	}
}

// enqueue assigns the next MsgSeqNum and queues the message. register runs
// with the sequence number before the message can reach the wire.
func (c *Connector) enqueue(msg *Message, register func(seq int)) (int, error) {
	c.seqMx.Lock()
	defer c.seqMx.Unlock()
	if c.outbox == nil {
		return 0, trading.NewError(trading.KindInvalidState, "fix session not connected")
	}
	seq := c.nextSeq
	msg.Set(TagSenderCompID, c.cfg.SenderCompID).
		Set(TagTargetCompID, c.cfg.TargetCompID).
		Set(TagMsgSeqNum, strconv.Itoa(seq)).
		Set(TagSendingTime, c.now().UTC().Format(timestampLayout))
	if register != nil {
		register(seq)
	}
	select {
	case c.outbox <- msg.Encode(c.cfg.BeginString):
	default:
		return 0, trading.NewError(trading.KindTransport, "fix outbox full")
	}
	c.nextSeq++
	messageCounters.WithLabelValues(c.exchange, "out", msg.MsgType()).Inc()
	return seq, nil
}

// writeLoop is the only writer of the transport. It drains the outbox until
// Close closes it and keeps the heartbeat schedule.
func (c *Connector) writeLoop(ctx context.Context, outbox chan []byte, done chan struct{}) {
	defer close(done)

	tick := c.cfg.HeartBtInt / 4
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-outbox:
			if !ok {
				return
			}
			sendCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.inner.Send(sendCtx, payload)
			cancel()
			if err != nil {
				c.logger.Error("fix: send failed, dropping connection", zap.Error(err))
				c.dropConnection()
				return
			}
			atomic.StoreInt64(&c.lastSent, c.now().UnixNano())
		case <-ticker.C:
			c.checkLiveness()
		}
	}
}

func (c *Connector) checkLiveness() {
	now := c.now()
	interval := c.cfg.HeartBtInt

	silence := now.Sub(time.Unix(0, atomic.LoadInt64(&c.lastReceived)))
	switch {
	case silence > 2*interval:
		c.logger.Warn("fix: counterparty silent, dropping connection", zap.Duration("silence", silence))
		c.dropConnection()
		return
	case silence > interval+interval/5 && atomic.CompareAndSwapInt32(&c.testRequested, 0, 1):
		testRequest := NewMessage(MsgTypeTestRequest).Set(TagTestReqID, strconv.FormatInt(now.UnixNano(), 10))
		if _, err := c.enqueue(testRequest, nil); err != nil {
			c.logger.Warn("fix: fail send test request", zap.Error(err))
		}
	}

	if now.Sub(time.Unix(0, atomic.LoadInt64(&c.lastSent))) >= interval {
		if _, err := c.enqueue(NewMessage(MsgTypeHeartbeat), nil); err != nil {
			c.logger.Warn("fix: fail send heartbeat", zap.Error(err))
		}
	}
}

// dropConnection closes the raw transport so the pending Receive fails and the subscriber reconnects
func (c *Connector) dropConnection() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.inner.Close(ctx); err != nil {
		c.logger.Debug("fix: close transport", zap.Error(err))
	}
}
