// Package dispatch implements the request dispatcher / retry engine:
// host selection via a policy, retry with per-attempt
// consistency/timeout mutation, and automatic re-prepare on Unprepared
// errors. Server errors, including those left after the last retry,
// reach the caller as *cqlerr.Error values of KindServer; they are not
// converted back into response frames. Grounded on agent/consul/client.go's Client.RPC
// loop (pick a server, send, on failure notify and retry with backoff
// up to a hold timeout), generalized here to CQL's host-then-connection
// two-level selection and its richer per-attempt parameter mutation.
package dispatch

import (
	"context"
	"math/rand"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/cql-io/cqlio/frame"
	"github.com/cql-io/cqlio/internal/cluster"
	"github.com/cql-io/cqlio/internal/conn"
	"github.com/cql-io/cqlio/internal/cqlerr"
	"github.com/cql-io/cqlio/internal/hostreg"
	"github.com/cql-io/cqlio/internal/pool"
	"github.com/cql-io/cqlio/internal/prepared"
	"github.com/cql-io/cqlio/policy"
)

// PrepareStrategy selects when PREPARE is issued for a previously
// unseen query.
type PrepareStrategy int

const (
	LazyPrepare PrepareStrategy = iota
	EagerPrepare
)

// RetrySettings configures the dispatcher's retry behavior.
type RetrySettings struct {
	MaxAttempts        int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	SendTimeoutChange  time.Duration
	RecvTimeoutChange  time.Duration
	ReducedConsistency frame.Consistency
	HasReducedConsistency bool
}

func DefaultRetrySettings() RetrySettings {
	return RetrySettings{
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  200 * time.Millisecond,
	}
}

// Request is one statement to execute: a plain query, or a prepared
// execute referencing queryText for cache lookup / re-prepare.
type Request struct {
	Op         frame.Opcode // OpQuery, OpExecute, or OpBatch
	QueryText  string       // original text; required for OpExecute re-prepare
	PreparedID []byte       // set for OpExecute
	Params     frame.QueryParams
	BatchBody  []byte // pre-encoded body for OpBatch (params embedded); sent unchanged on every attempt, so ReducedConsistency does not apply to batches
}

// Dispatcher is the end-user request API: picks a host per policy,
// runs with retries, auto re-prepares, and normalizes server errors.
type Dispatcher struct {
	controller           *cluster.Controller
	pol                  policy.Policy
	prep                 *prepared.Cache
	retry                RetrySettings
	strategy             PrepareStrategy
	logger               hclog.Logger
	baseSendTimeout      time.Duration
	baseResponseTimeout  time.Duration
}

func New(controller *cluster.Controller, pol policy.Policy, prep *prepared.Cache, retry RetrySettings, strategy PrepareStrategy, connSettings conn.Settings, logger hclog.Logger) *Dispatcher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Dispatcher{
		controller:          controller,
		pol:                 pol,
		prep:                prep,
		retry:               retry,
		strategy:            strategy,
		logger:              logger.Named("dispatch"),
		baseSendTimeout:     connSettings.SendTimeout,
		baseResponseTimeout: connSettings.ResponseTimeout,
	}
}

// Execute runs req with the configured retry policy.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (*frame.Frame, error) {
	n := d.pol.HostCount()
	attempts := d.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastServerErr *cqlerr.Error
	for i := 0; i < attempts; i++ {
		attemptReq := req
		if i > 0 && d.retry.HasReducedConsistency && (req.Op == frame.OpQuery || req.Op == frame.OpExecute || req.Op == frame.OpBatch) {
			attemptReq.Params.Consistency = d.retry.ReducedConsistency
		}

		resp, err := d.requestN(ctx, n, attemptReq, i)
		if err == nil {
			return resp, nil
		}

		if se, ok := err.(*cqlerr.Error); ok && se.Retryable() {
			lastServerErr = se
			if err := d.backoff(ctx, i); err != nil {
				return nil, err
			}
			continue
		}
		return nil, err
	}

	if lastServerErr != nil {
		// Final retry exhaustion: the last retryable server error is
		// returned as the error, alongside a placeholder OpError frame
		// that carries no body.
		return &frame.Frame{Header: frame.Header{Opcode: frame.OpError}, Body: nil}, lastServerErr
	}
	return nil, cqlerr.New(cqlerr.KindNoHostAvailable)
}

func (d *Dispatcher) backoff(ctx context.Context, attempt int) error {
	delay := d.retry.BaseBackoff << uint(attempt)
	if d.retry.MaxBackoff > 0 && delay > d.retry.MaxBackoff {
		delay = d.retry.MaxBackoff
	}
	if delay <= 0 {
		return nil
	}
	jittered := time.Duration(rand.Int63n(int64(delay) + 1))
	t := time.NewTimer(jittered)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestN picks a host, tries it; on "no connection available" it
// recurses with n-1 until exhausted, then fails HostsBusy.
func (d *Dispatcher) requestN(ctx context.Context, n int, req Request, attempt int) (*frame.Frame, error) {
	for ; n > 0; n-- {
		host, ok := d.pol.Select()
		if !ok {
			d.logger.Debug("policy selected no host", "host_count", n)
			return nil, cqlerr.New(cqlerr.KindNoHostAvailable)
		}
		resp, busy, err := d.request1(ctx, host.Addr, req, attempt)
		if !busy {
			return resp, err
		}
	}
	return nil, cqlerr.New(cqlerr.KindHostsBusy)
}

// request1 acquires a connection from the host's pool, sends, handles
// Unprepared by re-preparing once, and classifies server errors by
// retryability. The bool return reports
// whether the pool was busy (so requestN should try another host
// without counting it as a hard failure).
func (d *Dispatcher) request1(ctx context.Context, addr hostreg.InetAddr, req Request, attempt int) (*frame.Frame, bool, error) {
	p, err := d.controller.PoolFor(addr)
	if err != nil {
		return nil, false, err
	}

	var resp *frame.Frame
	var reqErr error
	poolErr := pool.With[*conn.Connection](ctx, p, func(cc *conn.Connection) error {
		resp, reqErr = d.sendOnce(ctx, cc, addr, req, attempt)
		return reqErr
	})

	if poolErr != nil {
		if cqlerr.IsKind(poolErr, cqlerr.KindHostsBusy) {
			return nil, true, nil
		}
		if cqlerr.IsKind(poolErr, cqlerr.KindConnectionClosed) || cqlerr.IsKind(poolErr, cqlerr.KindConnectTimeout) {
			d.controller.NotifyConnectionError(addr, poolErr)
		}
		return nil, false, poolErr
	}
	return resp, false, reqErr
}

func (d *Dispatcher) sendOnce(ctx context.Context, cc *conn.Connection, addr hostreg.InetAddr, req Request, attempt int) (*frame.Frame, error) {
	body, err := d.buildBody(ctx, cc, addr, req)
	if err != nil {
		return nil, err
	}

	sendTimeout, responseTimeout := d.attemptTimeouts(attempt)
	resp, err := cc.RequestWithTimeouts(ctx, req.Op, body, sendTimeout, responseTimeout)
	if err == nil {
		return resp, nil
	}

	if se, ok := err.(*cqlerr.Error); ok && se.Kind == cqlerr.KindServer && se.Server.Code == frame.ErrUnprepared {
		return d.reprepareAndRetry(ctx, cc, addr, req, se.Server.UnpreparedID)
	}

	if cqlerr.IsKind(err, cqlerr.KindConnectionClosed) || cqlerr.IsKind(err, cqlerr.KindResponseTimeout) {
		d.controller.NotifyConnectionError(addr, err)
	}
	return nil, err
}

// attemptTimeouts computes the per-attempt send/response timeout
// override: on retry attempt i>0, the configured deltas shift the
// connection's base timeouts. A zero result leaves
// the connection's own configured default in place.
func (d *Dispatcher) attemptTimeouts(attempt int) (sendTimeout, responseTimeout time.Duration) {
	if attempt <= 0 {
		return 0, 0
	}
	if d.retry.SendTimeoutChange != 0 {
		sendTimeout = d.baseSendTimeout + time.Duration(attempt)*d.retry.SendTimeoutChange
		if sendTimeout < 0 {
			sendTimeout = 0
		}
	}
	if d.retry.RecvTimeoutChange != 0 {
		responseTimeout = d.baseResponseTimeout + time.Duration(attempt)*d.retry.RecvTimeoutChange
		if responseTimeout < 0 {
			responseTimeout = 0
		}
	}
	return sendTimeout, responseTimeout
}

func (d *Dispatcher) buildBody(ctx context.Context, cc *conn.Connection, addr hostreg.InetAddr, req Request) ([]byte, error) {
	switch req.Op {
	case frame.OpQuery:
		return frame.Query(req.QueryText, req.Params), nil
	case frame.OpBatch:
		return req.BatchBody, nil
	case frame.OpExecute:
		id := req.PreparedID
		if id == nil {
			preparedID, err := d.ensurePreparedOnHost(ctx, cc, req.QueryText)
			if err != nil {
				return nil, err
			}
			id = preparedID
		}
		return frame.Execute(id, req.Params), nil
	default:
		return nil, cqlerr.Fatalf("unsupported dispatch opcode %d", req.Op)
	}
}

func (d *Dispatcher) ensurePreparedOnHost(ctx context.Context, cc *conn.Connection, queryText string) ([]byte, error) {
	id, err := d.prep.EnsurePrepared(ctx, queryText, func(ctx context.Context, q string) (prepared.QueryId, error) {
		resp, err := cc.Request(ctx, frame.OpPrepare, frame.Prepare(q))
		if err != nil {
			return "", err
		}
		res, err := frame.DecodeResult(resp.Body)
		if err != nil {
			return "", err
		}
		return prepared.QueryId(res.PreparedID), nil
	})
	if err != nil {
		return nil, err
	}
	return []byte(id), nil
}

func (d *Dispatcher) reprepareAndRetry(ctx context.Context, cc *conn.Connection, addr hostreg.InetAddr, req Request, unpreparedID []byte) (*frame.Frame, error) {
	queryText := req.QueryText
	if queryText == "" {
		if q, ok := d.prep.QueryText(prepared.QueryId(unpreparedID)); ok {
			queryText = q
		}
	}
	if queryText == "" {
		return nil, cqlerr.New(cqlerr.KindInternalError).WithReason("unprepared response for unknown query id")
	}

	resp, err := cc.Request(ctx, frame.OpPrepare, frame.Prepare(queryText))
	if err != nil {
		return nil, err
	}
	res, err := frame.DecodeResult(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := d.prep.Insert(queryText, prepared.QueryId(res.PreparedID)); err != nil {
		return nil, err
	}

	return cc.Request(ctx, frame.OpExecute, frame.Execute(res.PreparedID, req.Params))
}

// Prepare issues a PREPARE, honoring PrepareStrategy. LazyPrepare
// prepares against a single policy-selected host (the dispatcher's
// normal request path handles the rest lazily on first Execute);
// EagerPrepare issues PREPARE on every currently-selectable host and
// returns the first success, failing NoHostAvailable if none succeed.
func (d *Dispatcher) Prepare(ctx context.Context, queryText string) error {
	switch d.strategy {
	case EagerPrepare:
		return d.prepareEager(ctx, queryText)
	default:
		return d.prepareLazy(ctx, queryText)
	}
}

func (d *Dispatcher) prepareLazy(ctx context.Context, queryText string) error {
	host, ok := d.pol.Select()
	if !ok {
		return cqlerr.New(cqlerr.KindNoHostAvailable)
	}
	return d.prepareOnHost(ctx, host.Addr, queryText)
}

func (d *Dispatcher) prepareEager(ctx context.Context, queryText string) error {
	var lastErr error
	succeeded := false
	for _, h := range d.pol.Current() {
		if err := d.prepareOnHost(ctx, h.Addr, queryText); err != nil {
			lastErr = err
			continue
		}
		succeeded = true
	}
	if !succeeded {
		if lastErr != nil {
			return lastErr
		}
		return cqlerr.New(cqlerr.KindNoHostAvailable)
	}
	return nil
}

// PrepareAllOn re-issues PREPARE for every query text prepared so far
// against addr, best-effort, in reaction to a host coming back Up or a
// new node joining. A failure on one statement does not stop the
// others; every failure is collected and returned for the caller to
// log.
func (d *Dispatcher) PrepareAllOn(ctx context.Context, addr hostreg.InetAddr) []error {
	var errs []error
	for _, q := range d.prep.QueryTexts() {
		if err := d.prepareOnHost(ctx, addr, q); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (d *Dispatcher) prepareOnHost(ctx context.Context, addr hostreg.InetAddr, queryText string) error {
	p, err := d.controller.PoolFor(addr)
	if err != nil {
		return err
	}
	return pool.With[*conn.Connection](ctx, p, func(cc *conn.Connection) error {
		_, err := d.ensurePreparedOnHost(ctx, cc, queryText)
		return err
	})
}
