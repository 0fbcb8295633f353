package hermes

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-stomp/stomp/v3"
	"github.com/rs/zerolog"

	"github.com/gridline/gridline/internal/config"
)

// Sender delivers one serialized event to the message fabric.
type Sender interface {
	Send(ctx context.Context, eventType string, body []byte) error
	Close()
}

// stompSender fans deliveries out over one STOMP connection per resolved
// broker address. Hostnames are resolved once at startup; each send picks a
// connection at random, and a connection that fails is re-dialed with
// exponential backoff before the send is retried.
type stompSender struct {
	cfg  config.BrokerConfig
	log  zerolog.Logger
	rng  *rand.Rand
	mu   sync.Mutex
	pool []*brokerConn
}

type brokerConn struct {
	addr string
	conn *stomp.Conn
}

// NewSTOMPSender resolves the configured brokers and connects to every
// address found. Startup fails only if no broker at all is reachable.
func NewSTOMPSender(cfg config.BrokerConfig, log zerolog.Logger) (Sender, error) {
	s := &stompSender{
		cfg: cfg,
		log: log.With().Str("component", "stomp").Logger(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	var addrs []string
	for _, host := range cfg.Hosts {
		resolved, err := net.LookupHost(host)
		if err != nil {
			s.log.Warn().Err(err).Str("host", host).Msg("broker does not resolve")
			continue
		}
		for _, ip := range resolved {
			addrs = append(addrs, net.JoinHostPort(ip, strconv.Itoa(cfg.Port)))
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no broker address resolved from %v", cfg.Hosts)
	}

	for _, addr := range addrs {
		conn, err := s.dial(addr)
		if err != nil {
			s.log.Warn().Err(err).Str("addr", addr).Msg("broker connect failed")
			s.pool = append(s.pool, &brokerConn{addr: addr})
			continue
		}
		s.pool = append(s.pool, &brokerConn{addr: addr, conn: conn})
		s.log.Info().Str("addr", addr).Msg("broker connected")
	}
	return s, nil
}

func (s *stompSender) dial(addr string) (*stomp.Conn, error) {
	var opts []func(*stomp.Conn) error
	if s.cfg.Username != "" {
		opts = append(opts, stomp.ConnOpt.Login(s.cfg.Username, s.cfg.Password))
	}
	opts = append(opts, stomp.ConnOpt.HeartBeat(30*time.Second, 30*time.Second))
	return stomp.Dial("tcp", addr, opts...)
}

// Send publishes one persistent JSON frame to the configured destination,
// reconnecting the chosen broker if its connection has gone away.
func (s *stompSender) Send(ctx context.Context, eventType string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bc := s.pool[s.rng.Intn(len(s.pool))]
	if bc.conn == nil {
		if err := s.reconnect(ctx, bc); err != nil {
			return err
		}
	}

	err := bc.conn.Send(s.cfg.Destination, "application/json", body,
		stomp.SendOpt.Header("persistent", "true"),
		stomp.SendOpt.Header("event_type", eventType))
	if err == nil {
		return nil
	}

	// One reconnect-and-retry before giving the message back to the outbox.
	s.log.Warn().Err(err).Str("addr", bc.addr).Msg("send failed, reconnecting")
	bc.conn.MustDisconnect()
	bc.conn = nil
	if rerr := s.reconnect(ctx, bc); rerr != nil {
		return rerr
	}
	return bc.conn.Send(s.cfg.Destination, "application/json", body,
		stomp.SendOpt.Header("persistent", "true"),
		stomp.SendOpt.Header("event_type", eventType))
}

func (s *stompSender) reconnect(ctx context.Context, bc *brokerConn) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(s.cfg.RetrySeconds) * time.Second
	policy.MaxElapsedTime = time.Duration(s.cfg.TimeoutSeconds) * time.Second

	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		conn, err := s.dial(bc.addr)
		if err != nil {
			return err
		}
		bc.conn = conn
		return nil
	}, backoff.WithContext(policy, ctx))
}

func (s *stompSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bc := range s.pool {
		if bc.conn != nil {
			bc.conn.MustDisconnect()
			bc.conn = nil
		}
	}
}
