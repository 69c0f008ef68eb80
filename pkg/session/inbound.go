package session

import (
	"github.com/astromechza/boardsync/pkg/protocol"
	"github.com/astromechza/boardsync/pkg/scene"
	"github.com/astromechza/boardsync/pkg/transport"
)

func (s *Session) onMessage(tr *transport.Transport, msg protocol.Message) {
	s.mu.Lock()
	defer s.unlock()
	if s.closed || s.tr != tr {
		return
	}
	if msg.SenderID != "" && msg.SenderID == s.localIDLocked() {
		s.opts.Metrics.Dropped("self_echo")
		return
	}
	if msg.DocumentID != nil && *msg.DocumentID != s.doc.ID {
		s.log.Warn("dropping message for another document", "doc", s.doc.ID, "type", msg.Type, "message_doc", *msg.DocumentID)
		s.opts.Metrics.Dropped("wrong_document")
		return
	}

	now := s.opts.Scheduler.Now()
	switch p := msg.Payload.(type) {
	case protocol.SceneUpdatePayload:
		s.mergeSceneLocked(p)
	case protocol.PointerUpdatePayload:
		if s.pres.Pointer(msg.SenderID, p.Pointer, p.Button, now) {
			s.notifyPresenceLocked()
		}
	case protocol.ViewportUpdatePayload:
		if s.pres.Viewport(msg.SenderID, p.Bounds, now) {
			s.notifyPresenceLocked()
		}
		if msg.SenderID != "" && msg.SenderID == s.following {
			if cb := s.opts.OnFollowedViewport; cb != nil {
				id, bounds := msg.SenderID, p.Bounds
				s.later(func() { cb(id, bounds) })
			}
		}
	case protocol.UserJoinedPayload:
		if s.pres.Join(msg.SenderID, p.Username, now) {
			s.notifyPresenceLocked()
		}
		// a newcomer gets the whole scene even when the relay keeps none
		s.fullResyncLocked()
	case protocol.UserLeftPayload:
		if s.pres.Leave(msg.SenderID) {
			s.notifyPresenceLocked()
		}
		if msg.SenderID == s.following {
			s.following = ""
		}
	case protocol.ConnectedPayload:
		s.pres.Replace(p.Collaborators, now)
		s.notifyPresenceLocked()
	case protocol.FollowRequestPayload, protocol.UnfollowRequestPayload:
		s.log.Debug("ignoring follow request", "doc", s.doc.ID, "from", msg.SenderID)
	default:
		s.log.Warn("unhandled message", "doc", s.doc.ID, "type", msg.Type)
	}
}

// mergeSceneLocked merges a remote delta and hands the result to the document engine once
// the lock is released. Pending local edits are evaluated first so a remote merge cannot
// absorb them into the processed watermark before they are sent.
func (s *Session) mergeSceneLocked(p protocol.SceneUpdatePayload) {
	if _, pending := s.scene.Pending(); pending {
		s.scene.Flush()
	} else if !s.rec.Initialized() {
		s.broadcastSceneLocked()
	}
	m := s.rec.MergeRemote(s.opts.Document.ElementsIncludingDeleted(), p.Elements)
	s.log.Debug("merged remote scene", "doc", s.doc.ID, "subtype", p.Subtype, "incoming", len(p.Elements), "accepted", len(m.Accepted), "version", m.Version)
	if !m.Changed() {
		return
	}
	doc, merged := s.opts.Document, m.Elements
	s.later(func() {
		doc.ApplyElements(merged, scene.ApplyOptions{CommitToHistory: false})
	})
}

func (s *Session) notifyPresenceLocked() {
	if s.closed {
		return
	}
	if cb := s.opts.OnPresence; cb != nil {
		snap := s.pres.Snapshot(s.opts.Scheduler.Now())
		s.later(func() { cb(snap) })
	}
}

func (s *Session) clearPresenceLocked() {
	if s.pres.Clear() {
		s.notifyPresenceLocked()
	}
}
