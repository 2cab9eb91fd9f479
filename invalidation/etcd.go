package invalidation

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConfig holds the parameters for an EtcdSource.
type EtcdConfig struct {
	// Endpoints are the etcd cluster endpoints. Required.
	Endpoints []string

	// Prefix is the keyspace watched for input changes. A write to
	// <prefix><input identity> invalidates that input on every engine
	// watching the prefix. Defaults to "rulegraph/invalidate/".
	Prefix string

	// DialTimeout bounds connection establishment. Defaults to 5s.
	DialTimeout time.Duration

	// TLS configuration for secure connections. Nil for plaintext.
	TLS *tls.Config

	// Logger records watch errors and lifecycle transitions. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

// EtcdSource emits invalidation events from an etcd watch, letting a fleet
// of long-lived engine daemons share one invalidation feed: any producer
// that knows an input changed writes its identity under the prefix, and
// every engine evicts it. It implements Source.
type EtcdSource struct {
	client *clientv3.Client
	prefix string
	logger *slog.Logger

	events    chan Event
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// NewEtcdSource connects to the etcd cluster and starts watching the
// configured prefix. The returned source must be closed to release the
// client connection.
func NewEtcdSource(cfg EtcdConfig) (*EtcdSource, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints cannot be empty")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "rulegraph/invalidate/"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		TLS:         cfg.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &EtcdSource{
		client: client,
		prefix: cfg.Prefix,
		logger: cfg.Logger,
		events: make(chan Event, 64),
		cancel: cancel,
	}

	s.wg.Add(1)
	go s.watch(ctx)

	s.logger.Debug("etcd invalidation watch started",
		slog.String("prefix", cfg.Prefix),
	)
	return s, nil
}

// Events returns the channel of invalidation events. The channel is closed
// by Close.
func (s *EtcdSource) Events() <-chan Event {
	return s.events
}

// Close stops the watch and closes the etcd client. Safe to call more than
// once.
func (s *EtcdSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.events)
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

func (s *EtcdSource) watch(ctx context.Context) {
	defer s.wg.Done()

	watchCh := s.client.Watch(ctx, s.prefix, clientv3.WithPrefix())
	for resp := range watchCh {
		if err := resp.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("etcd watch error", slog.String("error", err.Error()))
			continue
		}
		for _, ev := range resp.Events {
			input := strings.TrimPrefix(string(ev.Kv.Key), s.prefix)
			if input == "" {
				continue
			}
			kind := Modified
			if ev.Type == clientv3.EventTypeDelete {
				kind = Removed
			}
			select {
			case s.events <- Event{Input: input, Kind: kind}:
			case <-ctx.Done():
				return
			}
		}
	}
}
