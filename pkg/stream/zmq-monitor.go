package stream

import (
	"fmt"
	"sync/atomic"

	"github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

// runSocketMonitor reports zmq connection status changes until the monitored socket is closed
func runSocketMonitor(zmqCtx *zmq4.Context, addr string, online chan<- bool, done chan<- struct{}, logger *zap.Logger) {
	defer close(done)

	s, err := zmqCtx.NewSocket(zmq4.PAIR)
	if err != nil {
		logger.Error("zmq-monitor: fail create new socket", zap.Error(err))
		return
	}
	if err = s.SetLinger(0); err != nil {
		logger.Error("zmq-monitor: fail setLinger", zap.Error(err))
	}
	defer func() {
		if err = s.Close(); err != nil {
			logger.Error("zmq-monitor: fail close socket", zap.Error(err))
		}
	}()

	if err = s.Connect(addr); err != nil {
		logger.Error("zmq-monitor: fail connect", zap.Error(err))
		return
	}

	for {
		event, address, _, err := s.RecvEvent(0)
		if err != nil {
			logger.Warn("zmq-monitor: receive event", zap.Error(err))
			return
		}
		switch event {
		case zmq4.EVENT_CONNECTED:
			logger.Info("zmq-monitor: connection established", zap.String("addr", address))
			notify(online, true)
		case zmq4.EVENT_CONNECT_DELAYED:
			logger.Warn("zmq-monitor: trying to connect", zap.String("addr", address))
		case zmq4.EVENT_CONNECT_RETRIED:
			logger.Warn("zmq-monitor: retry connect", zap.String("addr", address))
		case zmq4.EVENT_DISCONNECTED, zmq4.EVENT_CLOSED:
			logger.Warn("zmq-monitor: closed", zap.String("addr", address))
			notify(online, false)
		case zmq4.EVENT_MONITOR_STOPPED:
			logger.Info("zmq-monitor: stop monitor")
			return
		default:
			logger.Debug("zmq-monitor: unprocessed event", zap.String("addr", address), zap.String("event", event.String()))
		}
	}
}

func notify(online chan<- bool, val bool) {
	select {
	case online <- val:
	default:
	}
}

var monitorID int64

func generateMonitorAddr() string {
	nextID := atomic.AddInt64(&monitorID, 1)
	return fmt.Sprintf("inproc://monitor_t.%d", nextID)
}
