package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	apperrors "github.com/redditagent/bridge/internal/errors"
	"github.com/redditagent/bridge/internal/metrics"
)

// SendAction calls an action on the authoritative extension socket and
// waits for its result.
//
// params must be a JSON object or empty. timeout is floored to whole
// milliseconds; zero or negative uses the configured default and values
// above MaxRequestTimeout are capped. If no socket is authoritative, the
// call waits up to Options.ConnectWait for one before failing with
// bridge.not_connected.
func (s *Server) SendAction(ctx context.Context, action string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if !s.allowed[action] {
		s.obs.RPC(action, metrics.RPCResultRejected, 0)
		return nil, apperrors.ActionNotAllowed(action)
	}
	params, err := normalizeParams(params)
	if err != nil {
		s.obs.RPC(action, metrics.RPCResultRejected, 0)
		return nil, err
	}
	timeout = s.callTimeout(timeout)

	if s.isStopped() {
		s.obs.RPC(action, metrics.RPCResultShutdown, 0)
		return nil, apperrors.Shutdown()
	}

	c := s.waitAuthoritative(ctx)
	if c == nil {
		switch {
		case s.isStopped():
			s.obs.RPC(action, metrics.RPCResultShutdown, 0)
			return nil, apperrors.Shutdown()
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		s.obs.RPC(action, metrics.RPCResultNotConnected, 0)
		return nil, apperrors.NotConnected(s.pairing.PendingCodes())
	}

	call, err := s.calls.Begin(timeout, func(elapsed time.Duration) error {
		return apperrors.Timeout(action, elapsed.Milliseconds())
	})
	if err != nil {
		s.obs.RPC(action, metrics.RPCResultShutdown, 0)
		return nil, apperrors.Shutdown()
	}
	s.inflight.Store(call.ID, action)
	defer s.inflight.Delete(call.ID)
	s.obs.Outstanding(s.calls.Len())

	s.idle.Touch()
	if err := c.sendJSON(RequestFrame{ID: call.ID, Action: action, Params: params}); err != nil {
		s.calls.Reject(call.ID, apperrors.Wrap(apperrors.CodeRPCSendFailed, "could not send request to the extension", err))
	}

	data, err := call.Wait(ctx)
	s.obs.Outstanding(s.calls.Len())
	s.obs.RPC(action, resultFor(err), time.Since(call.Started))
	if err != nil {
		s.log.Debugf("bridge: %s (%s) failed: %v", action, call.ID, err)
		return nil, err
	}
	return data, nil
}

func (s *Server) callTimeout(d time.Duration) time.Duration {
	d = d.Truncate(time.Millisecond)
	if d <= 0 {
		return s.opts.RequestTimeout
	}
	if d > MaxRequestTimeout {
		return MaxRequestTimeout
	}
	return d
}

// waitAuthoritative polls for an authoritative socket for up to
// Options.ConnectWait. It returns nil if none appeared.
func (s *Server) waitAuthoritative(ctx context.Context) *conn {
	if c := s.authoritativeConn(); c != nil {
		return c
	}
	if s.opts.ConnectWait <= 0 {
		return nil
	}

	deadline := time.NewTimer(s.opts.ConnectWait)
	defer deadline.Stop()
	ticker := time.NewTicker(connectPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-deadline.C:
			return s.authoritativeConn()
		case <-ticker.C:
			if c := s.authoritativeConn(); c != nil {
				return c
			}
		}
	}
}

// normalizeParams accepts nothing, null, or a JSON object.
func normalizeParams(params json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return json.RawMessage("{}"), nil
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, apperrors.New(apperrors.CodeActionInvalidParams, "action params must be a JSON object")
	}
	return json.RawMessage(trimmed), nil
}

func resultFor(err error) metrics.RPCResult {
	if err == nil {
		return metrics.RPCResultOK
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return metrics.RPCResultTimeout
	}
	switch apperrors.GetCode(err) {
	case apperrors.CodeRPCRemoteError:
		return metrics.RPCResultRemoteError
	case apperrors.CodeRPCTimeout:
		return metrics.RPCResultTimeout
	case apperrors.CodeBridgeShutdown:
		return metrics.RPCResultShutdown
	case apperrors.CodeRPCSendFailed:
		return metrics.RPCResultSendFailed
	default:
		return metrics.RPCResultRemoteError
	}
}
