package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/redditagent/bridge/internal/auth"
	apperrors "github.com/redditagent/bridge/internal/errors"
	"github.com/redditagent/bridge/internal/metrics"
	"github.com/redditagent/bridge/internal/storage"
)

// handleFrame dispatches one decoded frame. A returned protocol violation
// closes the connection.
func (s *Server) handleFrame(c *conn, frame inbound) error {
	switch f := frame.(type) {
	case IdentifyFrame:
		return s.handleIdentify(c, f)
	case PingFrame:
		s.idle.Touch()
		return c.sendJSON(PingFrame{Type: FramePong})
	case ResponseFrame:
		return s.handleResponse(c, f)
	default:
		return apperrors.ProtocolViolation(fmt.Sprintf("unhandled frame %s", frame.kind()))
	}
}

func (s *Server) handleIdentify(c *conn, f IdentifyFrame) error {
	s.mu.Lock()
	authed := c.authed
	s.mu.Unlock()
	if authed {
		return apperrors.ProtocolViolation("identify on an authenticated socket")
	}

	s.idle.Touch()

	res, err := s.pairing.Identify(auth.IdentifyRequest{
		DeviceID:   f.DeviceID,
		DeviceName: f.DeviceName,
		Token:      f.AuthToken,
		RemoteAddr: c.remoteAddr,
	}, c)
	if err != nil {
		return err
	}

	if res.Authenticated() {
		s.obs.Pairing(metrics.PairingReauthenticated)
		if err := c.sendJSON(IdentifiedFrame{
			Type:       FrameIdentified,
			DeviceID:   res.Device.ID,
			DeviceName: res.Device.Name,
		}); err != nil {
			return nil
		}
		s.promote(c, res.Device)
		return nil
	}

	if res.TokenRejected {
		s.obs.Pairing(metrics.PairingTokenRejected)
		s.log.Warnf("bridge: device %s presented an unknown token; pairing required", res.Pairing.DeviceID)
	}
	if res.Refreshed {
		s.obs.Pairing(metrics.PairingRefreshed)
	} else {
		s.obs.Pairing(metrics.PairingRequested)
	}

	p := res.Pairing
	if err := c.sendJSON(PairingRequiredFrame{
		Type:        FramePairingRequired,
		Code:        p.Code,
		DeviceID:    p.DeviceID,
		DeviceName:  p.DeviceName,
		RequestedAt: p.RequestedAt,
		ExpiresAt:   p.ExpiresAt,
	}); err != nil {
		return nil
	}
	s.log.Infof("bridge: device %q (%s) is waiting for approval; run 'redditbridge pairings approve %s'",
		p.DeviceName, p.DeviceID, p.Code)
	s.updateState()
	return nil
}

// promote makes c the authoritative session and closes the previous one.
func (s *Server) promote(c *conn, d *storage.Device) {
	s.mu.Lock()
	if s.stopped || !c.Open() {
		s.mu.Unlock()
		return
	}
	prev := s.authoritative
	c.authed = true
	c.deviceID = d.ID
	c.deviceName = d.Name
	s.authoritative = c
	s.mu.Unlock()

	if prev != nil && prev != c {
		s.log.Infof("bridge: superseding session %s for device %s", prev.id, prev.deviceID)
		prev.closeWith(websocket.CloseNormalClosure, "superseded", metrics.CloseReasonSuperseded)
	}
	s.log.Infof("bridge: device %q (%s) connected from %s", d.Name, d.ID, c.remoteAddr)
	s.updateState()
}

// release forgets a closed connection.
func (s *Server) release(c *conn) {
	s.pairing.Release(c)

	s.mu.Lock()
	delete(s.conns, c)
	wasAuthoritative := s.authoritative == c
	if wasAuthoritative {
		s.authoritative = nil
	}
	s.mu.Unlock()

	s.obs.ConnClosed(c.closeMetric)
	if wasAuthoritative {
		s.log.Infof("bridge: device %s disconnected", c.deviceID)
	}
	s.updateState()
}

func (s *Server) handleResponse(c *conn, f ResponseFrame) error {
	s.mu.Lock()
	authed := c.authed
	s.mu.Unlock()
	if !authed {
		return apperrors.ProtocolViolation("response from an unauthenticated socket")
	}

	s.idle.Touch()

	var settled bool
	if f.Success {
		data := f.Data
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		settled = s.calls.Resolve(f.ID, data)
	} else {
		action, _ := s.inflight.Load(f.ID)
		name, _ := action.(string)
		settled = s.calls.Reject(f.ID, apperrors.Remote(name, f.Error))
	}
	if !settled {
		s.log.Debugf("bridge: dropping response for unknown or expired request %s", f.ID)
	}
	return nil
}

// ApprovePairing approves a pending code, delivers the device token over
// the waiting socket, and promotes that socket to the authoritative session.
func (s *Server) ApprovePairing(code string) (*auth.Device, error) {
	approval, err := s.pairing.Approve(code)
	if err != nil {
		s.obs.Pairing(metrics.PairingApproveFailed)
		return nil, err
	}

	c, ok := approval.Peer.(*conn)
	if !ok {
		return nil, apperrors.Internal("pairing bound to a foreign connection", nil)
	}

	err = c.sendJSON(PairingApprovedFrame{
		Type:       FramePairingApproved,
		DeviceID:   approval.Device.ID,
		DeviceName: approval.Device.Name,
		AuthToken:  approval.Token,
	})
	if err != nil {
		// The token never reached the device, so the stored hash is useless.
		if derr := s.devices.Delete(approval.Device.ID); derr != nil {
			s.log.Warnf("bridge: dropping undelivered device %s: %v", approval.Device.ID, derr)
		}
		s.obs.Pairing(metrics.PairingApproveFailed)
		return nil, apperrors.Wrap(apperrors.CodePairingExpiredOrUnknown,
			"device disconnected before the token could be delivered", err)
	}

	s.idle.Touch()
	s.obs.Pairing(metrics.PairingApproved)
	s.log.Infof("bridge: approved pairing %s for device %q (%s)", approval.Pairing.Code, approval.Device.Name, approval.Device.ID)
	s.promote(c, approval.Device)
	return approval.Device, nil
}

// RevokeDevice removes a device from the trust store and closes its socket.
func (s *Server) RevokeDevice(deviceID string) error {
	if err := s.devices.Delete(deviceID); err != nil {
		if !apperrors.IsCode(err, apperrors.CodeStorageSaveFailed) {
			return err
		}
		// Already removed in memory; the store logged the write failure.
	}

	if s.opts.Audit != nil {
		ev := &storage.PairingEvent{
			Event:      storage.EventRevoked,
			DeviceID:   deviceID,
			OccurredAt: time.Now(),
		}
		if err := s.opts.Audit.SavePairingEvent(ev); err != nil {
			s.log.Warnf("bridge: audit revoke %s: %v", deviceID, err)
		}
	}

	s.mu.Lock()
	var target *conn
	for c := range s.conns {
		if c.authed && c.deviceID == deviceID {
			target = c
			break
		}
	}
	s.mu.Unlock()

	if target != nil {
		target.closeWith(websocket.ClosePolicyViolation, "device revoked", metrics.CloseReasonRevoked)
	}
	s.log.Infof("bridge: revoked device %s", deviceID)
	return nil
}
