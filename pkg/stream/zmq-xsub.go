package stream

import (
	"context"
	"sync"
	"time"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"github.com/pebbe/zmq4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	zmqPollInterval   = 50 * time.Millisecond
	zmqMonitorTimeout = time.Second
)

// ZmqTransport subscribes to topics on an XSUB socket
type ZmqTransport struct {
	addr      string
	publicKey string
	topics    []string
	logger    *zap.Logger

	mx          sync.Mutex
	zmqCtx      *zmq4.Context
	soc         *zmq4.Socket
	poller      *zmq4.Poller
	online      chan bool
	monitorDone chan struct{}
}

func NewZmqTransport(logger *zap.Logger, addr, publicKey string, topics []string) *ZmqTransport {
	return &ZmqTransport{
		addr:      addr,
		publicKey: publicKey,
		topics:    topics,
		logger:    logger,
	}
}

func newXSubSocket(zmqCtx *zmq4.Context, monitorAddr, addr, publicKey string) (_ *zmq4.Socket, err error) {
	sock, err := zmqCtx.NewSocket(zmq4.XSUB)
	if err != nil {
		return nil, errors.WithMessage(err, "fail create socket")
	}
	// an open socket blocks Term of its context
	defer func() {
		if err != nil {
			_ = sock.Close()
		}
	}()

	if err = sock.Monitor(monitorAddr, zmq4.EVENT_ALL); err != nil {
		return nil, errors.WithMessage(err, "fail set monitor address")
	}
	if err = sock.SetLinger(0); err != nil {
		return nil, errors.WithMessage(err, "fail set linger")
	}
	if err = sock.SetReconnectIvl(time.Second); err != nil {
		return nil, errors.WithMessage(err, "fail set reconnect interval")
	}
	if err = sock.SetConnectTimeout(5 * time.Second); err != nil {
		return nil, errors.WithMessage(err, "fail set connect timeout")
	}
	if err = sock.SetHeartbeatIvl(10 * time.Second); err != nil {
		return nil, errors.WithMessage(err, "fail set heartbeat interval")
	}
	if err = sock.SetHeartbeatTimeout(20 * time.Second); err != nil {
		return nil, errors.WithMessage(err, "fail set heartbeat timeout")
	}

	if publicKey != "" {
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

func (t *ZmqTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	zmqCtx, err := zmq4.NewContext()
	if err != nil {
		return errors.WithMessage(err, "fail create zmq context")
	}

	monitorAddr := generateMonitorAddr()
	online := make(chan bool, 4)
	monitorDone := make(chan struct{})

	sock, err := newXSubSocket(zmqCtx, monitorAddr, t.addr, t.publicKey)
	if err != nil {
		_ = zmqCtx.Term()
		return err
	}
	go runSocketMonitor(zmqCtx, monitorAddr, online, monitorDone, t.logger)

	poller := zmq4.NewPoller()
	poller.Add(sock, zmq4.POLLIN)

	t.mx.Lock()
	t.zmqCtx = zmqCtx
	t.soc = sock
	t.poller = poller
	t.online = online
	t.monitorDone = monitorDone
	t.mx.Unlock()

	for _, topic := range t.topics {
		if err = ctx.Err(); err == nil {
			err = t.Send(ctx, append([]byte{1}, topic...))
		}
		if err != nil {
			// the subscriber only closes connections it saw succeed
			_ = t.Close(ctx)
			return errors.WithMessage(err, "fail subscribe "+topic)
		}
		t.logger.Info("zmq: subscribe", zap.String("addr", t.addr), zap.String("topic", topic))
	}
	return nil
}

func (t *ZmqTransport) Send(ctx context.Context, payload []byte) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.soc == nil {
		return trading.NewError(trading.KindInvalidState, "zmq not connected")
	}
	_, err := t.soc.SendBytes(payload, zmq4.DONTWAIT)
	return err
}

// Receive polls in short intervals so cancellation is noticed promptly
func (t *ZmqTransport) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, ok, err := t.poll()
		if err != nil {
			return nil, err
		}
		if ok {
			return msg, nil
		}
	}
}

func (t *ZmqTransport) poll() ([]byte, bool, error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.soc == nil {
		return nil, false, trading.NewError(trading.KindInvalidState, "zmq not connected")
	}
	select {
	case up := <-t.online:
		if !up {
			return nil, false, errors.New("zmq connection lost " + t.addr)
		}
	default:
	}
	polled, err := t.poller.Poll(zmqPollInterval)
	if err != nil {
		return nil, false, errors.WithMessage(err, "zmq poll")
	}
	if len(polled) == 0 {
		return nil, false, nil
	}
	msg, err := t.soc.RecvBytes(zmq4.DONTWAIT)
	if err != nil {
		return nil, false, errors.WithMessage(err, "zmq receive")
	}
	return msg, true, nil
}

func (t *ZmqTransport) Close(ctx context.Context) error {
	t.mx.Lock()
	sock, zmqCtx, monitorDone := t.soc, t.zmqCtx, t.monitorDone
	t.soc, t.zmqCtx, t.poller, t.online, t.monitorDone = nil, nil, nil, nil, nil
	t.mx.Unlock()
	if sock == nil {
		return nil
	}

	err := sock.Close()
	select {
	case <-monitorDone:
	case <-time.After(zmqMonitorTimeout):
		t.logger.Warn("zmq: monitor did not stop", zap.String("addr", t.addr))
	case <-ctx.Done():
	}
	if termErr := zmqCtx.Term(); termErr != nil && err == nil {
		err = termErr
	}
	return err
}
