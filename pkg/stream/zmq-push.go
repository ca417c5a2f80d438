package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"github.com/pebbe/zmq4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var pushCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "zmq_push_count",
	Help: "zmq push message counters",
}, []string{"addr", "result"})

func init() {
	prometheus.MustRegister(pushCounters)
}

// Publisher sends payloads to a downstream consumer without waiting for a reply
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// ZmqPusher publishes over a PUSH socket. zmq reconnects the socket on its own,
// the monitor only tracks readiness.
type ZmqPusher struct {
	logger      *zap.Logger
	addr        string
	zmqCtx      *zmq4.Context
	soc         *zmq4.Socket
	sendMx      sync.Mutex
	isReady     uint32
	ready       chan bool
	monitorDone chan struct{}
	closeOnce   sync.Once
}

var _ Publisher = (*ZmqPusher)(nil)

func newPushSocket(zmqCtx *zmq4.Context, monitorAddr, addr, publicKey string) (*zmq4.Socket, error) {
	sock, err := zmqCtx.NewSocket(zmq4.PUSH)
	if err != nil {
		return nil, errors.WithMessage(err, "fail create socket")
	}
	if err = sock.Monitor(monitorAddr, zmq4.EVENT_ALL); err != nil {
		return nil, errors.WithMessage(err, "fail set monitor address")
	}
	if err = sock.SetReconnectIvl(time.Second); err != nil {
		return nil, errors.WithMessage(err, "fail set reconnect interval")
	}
	if err = sock.SetSndhwm(100000); err != nil {
		return nil, errors.WithMessage(err, "fail set send buffer messages count")
	}
	if err = sock.SetLinger(5 * time.Second); err != nil {
		return nil, errors.WithMessage(err, "fail set linger timeout")
	}
	if err = sock.SetConnectTimeout(5 * time.Second); err != nil {
		return nil, errors.WithMessage(err, "fail set connect timeout")
	}
	if err = sock.SetHeartbeatIvl(2 * time.Second); err != nil {
		return nil, errors.WithMessage(err, "fail set heartbeat interval")
	}
	if err = sock.SetHeartbeatTimeout(5 * time.Second); err != nil {
		return nil, errors.WithMessage(err, "fail set heartbeat timeout")
	}
	if err = sock.SetImmediate(true); err != nil {
		return nil, errors.WithMessage(err, "fail set immediate send flag")
	}

	if publicKey != "" {
		// auth zmq using curve algorithm
		var keyPublic, keySecret string
		keyPublic, keySecret, err = zmq4.NewCurveKeypair()
		if err != nil {
			return nil, errors.WithMessage(err, "fail generate curve pair")
		}
		if err = sock.ClientAuthCurve(publicKey, keyPublic, keySecret); err != nil {
			return nil, trading.WrapError(trading.KindAuthentication, err, "fail set auth curve")
		}
	}

	if err = sock.Connect(addr); err != nil {
		return nil, errors.WithMessage(err, "fail connect "+addr)
	}
	return sock, nil
}

// NewZmqPusher creates the socket, connects and starts tracking its status
func NewZmqPusher(logger *zap.Logger, addr, publicKey string) (*ZmqPusher, error) {
	zmqCtx, err := zmq4.NewContext()
	if err != nil {
		return nil, errors.WithMessage(err, "fail create zmq context")
	}
	monitorAddr := generateMonitorAddr()
	sock, err := newPushSocket(zmqCtx, monitorAddr, addr, publicKey)
	if err != nil {
		_ = zmqCtx.Term()
		return nil, errors.WithMessage(err, "fail create push socket")
	}

	online := make(chan bool, 4)
	push := &ZmqPusher{
		logger:      logger,
		addr:        addr,
		zmqCtx:      zmqCtx,
		soc:         sock,
		ready:       make(chan bool, 2),
		monitorDone: make(chan struct{}),
	}
	go runSocketMonitor(zmqCtx, monitorAddr, online, push.monitorDone, logger)
	go func() {
		for {
			select {
			case status := <-online:
				push.setReady(status)
			case <-push.monitorDone:
				return
			}
		}
	}()
	return push, nil
}

// Ready receives readiness changes, older values are dropped when nobody reads
func (p *ZmqPusher) Ready() <-chan bool {
	return p.ready
}

func (p *ZmqPusher) IsReady() bool {
	return atomic.LoadUint32(&p.isReady) == 1
}

func (p *ZmqPusher) setReady(val bool) {
	var state uint32
	if val {
		state = 1
	}
	if atomic.SwapUint32(&p.isReady, state) == state {
		return
	}
	if val {
		p.logger.Info("zmq: push ready", zap.String("addr", p.addr))
	} else {
		p.logger.Warn("zmq: push closed", zap.String("addr", p.addr))
	}
	select {
	case p.ready <- val:
	default:
	}
}

// Publish never blocks on a slow consumer, a full queue is an error
func (p *ZmqPusher) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.sendMx.Lock()
	defer p.sendMx.Unlock()
	if p.soc == nil {
		return trading.NewError(trading.KindInvalidState, "zmq push closed")
	}
	if _, err := p.soc.SendBytes(payload, zmq4.DONTWAIT); err != nil {
		pushCounters.WithLabelValues(p.addr, "failed").Inc()
		p.logger.Error("zmq: fail push", zap.String("addr", p.addr), zap.Error(err))
		return trading.WrapError(trading.KindTransport, err, "fail push via zmq")
	}
	pushCounters.WithLabelValues(p.addr, "sent").Inc()
	return nil
}

func (p *ZmqPusher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.sendMx.Lock()
		sock := p.soc
		p.soc = nil
		p.sendMx.Unlock()

		err = sock.Close()
		select {
		case <-p.monitorDone:
		case <-time.After(zmqMonitorTimeout):
			p.logger.Warn("zmq: monitor did not stop", zap.String("addr", p.addr))
		}
		if termErr := p.zmqCtx.Term(); termErr != nil && err == nil {
			err = termErr
		}
	})
	return err
}

func (p *ZmqPusher) String() string {
	return "PUSH:" + p.addr
}
