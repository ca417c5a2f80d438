package stream

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type configZmq struct {
	Addr   string
	Key    string
	Topics []string
}

// parseDsnZmq reads "zmq://host:port?topic=a&topic=b key=<server curve key>"
func parseDsnZmq(dsn string) (*configZmq, error) {
	configs := strings.Fields(dsn)

	var key string
	var result *configZmq
	for _, conf := range configs {
		if strings.HasPrefix(conf, "key=") {
			key = strings.TrimPrefix(conf, "key=")
		}
	}

	for _, conf := range configs {
		if !strings.HasPrefix(conf, "zmq://") {
			continue
		}
		if result != nil {
			return nil, errors.New("multiple zmq endpoints")
		}
		u, err := url.Parse(conf)
		if err != nil {
			return nil, err
		}
		if u.Hostname() == "" {
			return nil, errors.New("host is empty")
		}
		if u.Port() == "" {
			return nil, errors.New("port is empty")
		}
		port, err := strconv.Atoi(u.Port())
		if err != nil {
			return nil, errors.WithMessage(err, "invalid port value")
		}
		result = &configZmq{
			Addr:   "tcp://" + u.Hostname() + ":" + strconv.Itoa(port),
			Topics: u.Query()["topic"],
		}
	}

	if result == nil {
		return nil, errors.New("empty config")
	}
	result.Key = key
	return result, nil
}

// NewTransport builds a transport from a DSN. Websocket subscribes are sent
// on every connect, zmq subscriptions come from the DSN topics.
func NewTransport(logger *zap.Logger, dsn string, subscribes ...[]byte) (Transport, error) {
	dsn = strings.TrimSpace(dsn)

	if strings.HasPrefix(dsn, "ws://") || strings.HasPrefix(dsn, "wss://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, errors.WithMessage(err, "fail parse websocket dsn")
		}
		if u.Host == "" {
			return nil, errors.New("host is empty")
		}
		return NewWebsocketTransport(logger, u.String(), nil, subscribes...), nil
	}

	if strings.HasPrefix(dsn, "zmq://") {
		cfg, err := parseDsnZmq(dsn)
		if err != nil {
			return nil, errors.WithMessage(err, "fail parse zmq dsn")
		}
		return NewZmqTransport(logger, cfg.Addr, cfg.Key, cfg.Topics), nil
	}

	return nil, errors.New("config not supported: " + dsn)
}

// NewPublisher builds a publisher from "zmq://host:port key=<server curve key>"
func NewPublisher(logger *zap.Logger, dsn string) (Publisher, error) {
	dsn = strings.TrimSpace(dsn)
	if !strings.HasPrefix(dsn, "zmq://") {
		return nil, errors.New("config not supported: " + dsn)
	}
	cfg, err := parseDsnZmq(dsn)
	if err != nil {
		return nil, errors.WithMessage(err, "fail parse zmq dsn")
	}
	push, err := NewZmqPusher(logger, cfg.Addr, cfg.Key)
	if err != nil {
		return nil, err
	}
	return push, nil
}
