// Package client is the part of wmctl other code talks to: one-shot output
// queries and a Waiter that turns compositor notifications into output
// changes.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/wmctl/common/ipc"
	"github.com/mstarongithub/wmctl/common/output"
	"github.com/mstarongithub/wmctl/transport"
)

// QueryOutputs detects the compositor, asks it for its outputs once and
// hangs up. Nothing is retried. Detection failures and unusable replies are
// Fatal, connection trouble is Transient.
func QueryOutputs(ctx context.Context, opts Options) (output.Snapshot, error) {
	opts = opts.withDefaults()
	backend, err := opts.Detector.Detect()
	if err != nil {
		return output.Snapshot{}, fatal("detect", err)
	}
	adapter, err := ipc.New(backend.Kind)
	if err != nil {
		return output.Snapshot{}, fatal("detect", err)
	}
	log := opts.Logger.WithFields(logrus.Fields{"backend": backend.Kind, "source": backend.Source})
	log.Debugln("Querying outputs")

	snapshot, err := queryOnce(ctx, adapter, backend.QuerySocket, opts, log)
	if err != nil {
		if errors.Is(err, ipc.ErrMalformed) {
			return output.Snapshot{}, fatal("query", err)
		}
		return output.Snapshot{}, transient("query", err)
	}
	log.WithField("outputs", snapshot.Len()).Debugln("Got outputs")
	return snapshot, nil
}

// queryOnce runs one output query over its own connection to path
func queryOnce(ctx context.Context, adapter ipc.Adapter, path string, opts Options, log logrus.FieldLogger) (output.Snapshot, error) {
	connectCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	conn, err := transport.ConnectWithLogger(connectCtx, path, adapter.QuerySplit(), log)
	cancel()
	if err != nil {
		return output.Snapshot{}, err
	}
	defer conn.Close()

	if err := conn.Send(adapter.EncodeOutputQuery()); err != nil {
		return output.Snapshot{}, err
	}
	frame, err := recvFrame(ctx, conn, opts.QueryTimeout, opts.RecvTimeout)
	if err != nil {
		return output.Snapshot{}, fmt.Errorf("waiting for output reply: %w", err)
	}
	return adapter.DecodeOutputReply(frame)
}

// recvFrame waits up to total for one frame, looking at ctx every step
func recvFrame(ctx context.Context, conn *transport.Transport, total, step time.Duration) ([]byte, error) {
	deadline := time.Now().Add(total)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		wait := min(step, time.Until(deadline))
		if wait <= 0 {
			return nil, transport.ErrTimeout
		}
		frame, err := conn.RecvFrame(wait)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		return frame, err
	}
}
