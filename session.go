// Package cqlio is a client for the CQL native protocol: connection
// handshake and multiplexing, cluster discovery and topology
// tracking, pluggable host-selection policy, connection pooling, and
// a retrying statement dispatcher with automatic re-prepare. Session
// is the package's single entry point; every other exported name is
// either a configuration value or a result/error type passed across
// that entry point.
package cqlio

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/cql-io/cqlio/frame"
	"github.com/cql-io/cqlio/internal/cluster"
	"github.com/cql-io/cqlio/internal/conn"
	"github.com/cql-io/cqlio/internal/dispatch"
	"github.com/cql-io/cqlio/internal/hostreg"
	"github.com/cql-io/cqlio/internal/pool"
	"github.com/cql-io/cqlio/internal/prepared"
	"github.com/cql-io/cqlio/internal/twheel"
	"github.com/cql-io/cqlio/policy"
)

// Session is a live connection to a CQL cluster: one control
// connection plus one pool per discovered host, a host-selection
// policy, and a retrying dispatcher sitting in front of them.
type Session struct {
	controller *cluster.Controller
	dispatcher *dispatch.Dispatcher
	prepared   *prepared.Cache
	tmgr       *twheel.Manager
	limiter    rateLimiter
	logger     hclog.Logger
}

// rateLimiter narrows *rate.Limiter to the one method Session needs,
// so a nil Config.RateLimit costs nothing beyond a nil check.
type rateLimiter interface {
	Wait(ctx context.Context) error
}

// Open dials cfg's contacts, discovers the cluster, and returns a
// ready Session. The returned Session owns background goroutines
// (control connection reader, reconnect loop, host monitors) and must
// be closed with Close when no longer needed.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{Name: "cqlio", Level: hclog.Warn})
	}

	contacts := make([]hostreg.InetAddr, 0, len(cfg.Contacts))
	for _, c := range cfg.Contacts {
		addr, err := hostreg.ParseInetAddr(c)
		if err != nil {
			return nil, fmt.Errorf("cql-io: invalid contact %q: %w", c, err)
		}
		contacts = append(contacts, addr)
	}

	authenticators := make(map[string]conn.Authenticator, len(cfg.Connection.Authenticators))
	for mechanism, a := range cfg.Connection.Authenticators {
		authenticators[mechanism] = a
	}

	connSettings := conn.Settings{
		ConnectTimeout:  cfg.Connection.ConnectTimeout,
		SendTimeout:     cfg.Connection.SendTimeout,
		ResponseTimeout: cfg.Connection.ResponseTimeout,
		MaxStreams:      cfg.Connection.MaxStreams,
		MaxRecvBuffer:   cfg.Connection.MaxRecvBuffer,
		Compression:     cfg.Connection.Compression,
		TLSConfig:       cfg.Connection.TLSConfig,
		DefaultKeyspace: cfg.Keyspace,
		Authenticators:  authenticators,
	}
	poolSettings := pool.Settings{
		MaxConnections:   cfg.Pool.MaxConnections,
		IdleTimeout:      cfg.Pool.IdleTimeout,
		WaitQueueTimeout: cfg.Pool.WaitQueueTimeout,
	}
	retry := dispatch.RetrySettings{
		MaxAttempts:           cfg.Retry.MaxAttempts,
		BaseBackoff:           cfg.Retry.BaseBackoff,
		MaxBackoff:            cfg.Retry.MaxBackoff,
		SendTimeoutChange:     cfg.Retry.SendTimeoutChange,
		RecvTimeoutChange:     cfg.Retry.RecvTimeoutChange,
		ReducedConsistency:    cfg.Retry.ReducedConsistency,
		HasReducedConsistency: cfg.Retry.HasReducedConsistency,
	}

	pol := cfg.Policy
	if pol == nil {
		pol = policy.NewRoundRobin()
	}

	version := cfg.ProtocolVersion
	if version == 0 {
		version = frame.ProtoV4
	}

	tmgr := twheel.NewManager()
	ctrl := cluster.New(contacts, connSettings, poolSettings, version, logger, tmgr, pol)
	prep := prepared.New()
	strategy := dispatch.PrepareStrategy(cfg.PrepareStrategy)
	disp := dispatch.New(ctrl, pol, prep, retry, strategy, connSettings, logger)

	// A host coming Up, whether at discovery or after a monitor probe
	// succeeds, re-primes every cached statement against it so the
	// first request it serves isn't an automatic Unprepared round
	// trip.
	ctrl.OnHostReady = func(addr hostreg.InetAddr) {
		go func() {
			for _, err := range disp.PrepareAllOn(context.Background(), addr) {
				logger.Warn("failed to re-prepare statement on newly ready host", "addr", addr.String(), "error", err)
			}
		}()
	}

	if err := ctrl.Init(ctx); err != nil {
		tmgr.Destroy()
		return nil, err
	}

	s := &Session{
		controller: ctrl,
		dispatcher: disp,
		prepared:   prep,
		tmgr:       tmgr,
		logger:     logger,
	}
	if cfg.RateLimit != nil {
		s.limiter = cfg.RateLimit
	}
	return s, nil
}

// Close shuts down the control connection, every host pool, and the
// Session's background timers. It does not block on in-flight
// statements.
func (s *Session) Close() {
	s.controller.Shutdown()
	s.tmgr.Destroy()
}

// Query runs a non-prepared statement.
func (s *Session) Query(ctx context.Context, cql string, params frame.QueryParams) (*frame.Result, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := s.dispatcher.Execute(ctx, dispatch.Request{
		Op:        frame.OpQuery,
		QueryText: cql,
		Params:    params,
	})
	if err != nil {
		return nil, err
	}
	return frame.DecodeResult(resp.Body)
}

// ExecutePrepared runs cql as a prepared statement, preparing it on
// first use on the host the dispatcher picks (whatever the
// PrepareStrategy) and caching the prepared id for subsequent calls.
func (s *Session) ExecutePrepared(ctx context.Context, cql string, params frame.QueryParams) (*frame.Result, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := s.dispatcher.Execute(ctx, dispatch.Request{
		Op:        frame.OpExecute,
		QueryText: cql,
		Params:    params,
	})
	if err != nil {
		return nil, err
	}
	return frame.DecodeResult(resp.Body)
}

// Batch runs a BATCH of stmts, encoding them with frame.Batch.
func (s *Session) Batch(ctx context.Context, kind frame.BatchType, stmts []frame.BatchStatement, consistency frame.Consistency) (*frame.Result, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := s.dispatcher.Execute(ctx, dispatch.Request{
		Op:        frame.OpBatch,
		BatchBody: frame.Batch(kind, stmts, consistency),
		Params:    frame.QueryParams{Consistency: consistency},
	})
	if err != nil {
		return nil, err
	}
	return frame.DecodeResult(resp.Body)
}

// Prepare issues PREPARE for cql ahead of first use, honoring the
// Session's configured PrepareStrategy.
func (s *Session) Prepare(ctx context.Context, cql string) error {
	return s.dispatcher.Prepare(ctx, cql)
}

func (s *Session) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}
