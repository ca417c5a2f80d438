package fix

import (
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ParseDsn reads "fix://host:port?sender=S&target=T&username=u&password=p&heartbeat=30s"
// and returns the TCP address with the session config.
func ParseDsn(dsn string) (string, Config, error) {
	var cfg Config
	u, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return "", cfg, errors.WithMessage(err, "fail parse fix dsn")
	}
	if u.Scheme != "fix" {
		return "", cfg, errors.New("config not supported: " + dsn)
	}
	if u.Hostname() == "" {
		return "", cfg, errors.New("host is empty")
	}
	if u.Port() == "" {
		return "", cfg, errors.New("port is empty")
	}

	query := u.Query()
	cfg.SenderCompID = query.Get("sender")
	cfg.TargetCompID = query.Get("target")
	if cfg.SenderCompID == "" || cfg.TargetCompID == "" {
		return "", cfg, errors.New("sender and target are required")
	}
	cfg.Username = query.Get("username")
	cfg.Password = query.Get("password")
	cfg.BeginString = query.Get("begin")
	if hb := query.Get("heartbeat"); hb != "" {
		if cfg.HeartBtInt, err = time.ParseDuration(hb); err != nil {
			return "", cfg, errors.WithMessage(err, "invalid heartbeat")
		}
	}
	if timeout := query.Get("timeout"); timeout != "" {
		if cfg.RequestTimeout, err = time.ParseDuration(timeout); err != nil {
			return "", cfg, errors.WithMessage(err, "invalid timeout")
		}
	}
	return net.JoinHostPort(u.Hostname(), u.Port()), cfg, nil
}

// NewConnectorFromDsn builds a TCP backed connector
func NewConnectorFromDsn(logger *zap.Logger, exchange, dsn string) (*Connector, error) {
	addr, cfg, err := ParseDsn(dsn)
	if err != nil {
		return nil, err
	}
	return NewConnector(logger, exchange, NewTCPTransport(logger, addr), cfg), nil
}
