package datacenter

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/gotd/td/mt"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mtproto_core/internal/mterr"
	"mtproto_core/internal/protocol/message"
	"mtproto_core/internal/tl"
)

// Call sends req and waits for its result, authorizing the session first
// if needed. Timeouts and RPC errors are retried up to QueryMaxTries times.
func (d *DC) Call(ctx context.Context, req tl.Object) (tl.Object, error) {
	var errs error
	for try := 1; try <= d.opt.QueryMaxTries; try++ {
		if err := d.ensureAuthorized(ctx); err != nil {
			return nil, err
		}
		res, err := d.invoke(ctx, req, 0)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || mterr.IsConfiguration(err) {
			return nil, multierr.Append(err, ctx.Err())
		}
		d.log.Warn("Call failed, retrying",
			zap.String("method", typeName(req)),
			zap.Int("try", try),
			zap.Error(err),
		)
		errs = err
	}
	return nil, errors.Wrapf(errs, "%s failed %d times", typeName(req), d.opt.QueryMaxTries)
}

// invoke performs one request. A non-zero msgID is used as the message id.
func (d *DC) invoke(ctx context.Context, req tl.Object, msgID int64) (tl.Object, error) {
	body, err := tl.Encode(req)
	if err != nil {
		return nil, err
	}
	if msgID == 0 {
		msgID = d.codec.IDs().New(message.Client)
	}

	ch := make(chan result, 1)
	d.pendingMu.Lock()
	d.pending[msgID] = ch
	d.pendingMu.Unlock()
	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, msgID)
		d.pendingMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, d.opt.Timeout)
	defer cancel()

	if _, err := d.codec.Send(ctx, message.Outgoing{ID: msgID, Body: body, ContentRelated: true}); err != nil {
		return nil, mterr.Transport("send", err)
	}

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "wait for %s", typeName(req))
	}
	if res.err != nil {
		return nil, res.err
	}

	v, err := tl.Decode(res.body)
	if err != nil {
		return nil, errors.Wrapf(err, "decode result of %s", typeName(req))
	}
	if rpcErr, ok := v.(*mt.RPCError); ok {
		return nil, mterr.RPC(rpcErr.ErrorCode, rpcErr.ErrorMessage)
	}
	return v, nil
}

// deliver completes the pending call with the given message id.
func (d *DC) deliver(id int64, r result) {
	d.pendingMu.Lock()
	ch, ok := d.pending[id]
	delete(d.pending, id)
	d.pendingMu.Unlock()
	if !ok {
		d.log.Debug("Result for unknown message", zap.Int64("msg_id", id))
		return
	}
	ch <- r
}

// failPending completes every pending call with err.
func (d *DC) failPending(err error) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	for id, ch := range d.pending {
		ch <- result{err: err}
		delete(d.pending, id)
	}
}

func typeName(v tl.Object) string {
	return fmt.Sprintf("%T", v)
}
