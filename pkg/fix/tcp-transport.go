package fix

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	dialTimeout   = 10 * time.Second
	writeTimeout  = 5 * time.Second
	maxBodyLength = 1 << 20
	trailerLength = len("10=000\x01")
)

// TCPTransport carries raw FIX frames over one TCP connection
type TCPTransport struct {
	addr   string
	logger *zap.Logger

	mx     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader

	writeMx sync.Mutex
}

func NewTCPTransport(logger *zap.Logger, addr string) *TCPTransport {
	return &TCPTransport{addr: addr, logger: logger}
}

func (t *TCPTransport) current() (net.Conn, *bufio.Reader, error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.conn == nil {
		return nil, nil, trading.NewError(trading.KindInvalidState, "fix tcp not connected")
	}
	return t.conn, t.reader, nil
}

func (t *TCPTransport) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return errors.WithMessage(err, "fail dial "+t.addr)
	}
	t.mx.Lock()
	t.conn = conn
	t.reader = bufio.NewReader(conn)
	t.mx.Unlock()
	t.logger.Info("fix-tcp: connected", zap.String("addr", t.addr))
	return nil
}

func (t *TCPTransport) Send(ctx context.Context, payload []byte) error {
	conn, _, err := t.current()
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}

	t.writeMx.Lock()
	defer t.writeMx.Unlock()
	if err = conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err = conn.Write(payload)
	return err
}

// Receive returns one complete frame. Cancelling ctx unblocks a pending read.
func (t *TCPTransport) Receive(ctx context.Context) ([]byte, error) {
	conn, reader, err := t.current()
	if err != nil {
		return nil, err
	}
	if err = conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	frame, err := readFrame(reader)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.WithMessage(err, "fix-tcp: read")
	}
	return frame, nil
}

func (t *TCPTransport) Close(ctx context.Context) error {
	t.mx.Lock()
	conn := t.conn
	t.conn, t.reader = nil, nil
	t.mx.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// readFrame reads BeginString and BodyLength, then exactly the body and the CheckSum trailer
func readFrame(r *bufio.Reader) ([]byte, error) {
	begin, err := readField(r)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(begin, []byte("8=")) {
		return nil, errors.New("frame must start with BeginString")
	}
	length, err := readField(r)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(length, []byte("9=")) {
		return nil, errors.New("BodyLength must follow BeginString")
	}
	bodyLength, err := strconv.Atoi(string(length[2 : len(length)-1]))
	if err != nil {
		return nil, errors.WithMessage(err, "malformed BodyLength")
	}
	if bodyLength <= 0 || bodyLength > maxBodyLength {
		return nil, errors.New("BodyLength out of range: " + strconv.Itoa(bodyLength))
	}

	frame := make([]byte, len(begin)+len(length)+bodyLength+trailerLength)
	n := copy(frame, begin)
	n += copy(frame[n:], length)
	if _, err = io.ReadFull(r, frame[n:]); err != nil {
		return nil, err
	}
	trailer := frame[len(frame)-trailerLength:]
	if !bytes.HasPrefix(trailer, []byte("10=")) || trailer[trailerLength-1] != soh {
		return nil, errors.New("malformed CheckSum trailer")
	}
	return frame, nil
}

func readField(r *bufio.Reader) ([]byte, error) {
	field, err := r.ReadSlice(soh)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(field))
	copy(out, field)
	return out, nil
}
