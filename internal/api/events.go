package api

import (
	"encoding/json"
	"strings"

	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// WatchEvents streams bus events whose kind starts with one of the
// requested namespaces until the client goes away.
func (s *Service) WatchEvents(req *WatchRequest, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if !matches(evt.Kind, req.Namespaces) {
				continue
			}
			env, err := s.envelope(evt)
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			out, err := Encode(env)
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Service) envelope(evt bus.Event) (EventEnvelope, error) {
	env := EventEnvelope{
		ID:           evt.ID,
		Session:      s.sessionName,
		Kind:         evt.Kind,
		OccurredAtMs: evt.Timestamp.UnixMilli(),
	}
	if evt.Payload != nil {
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			return env, err
		}
		env.Payload = payload
	}
	return env, nil
}

func matches(kind string, namespaces []string) bool {
	if len(namespaces) == 0 {
		return true
	}
	for _, ns := range namespaces {
		if strings.HasPrefix(kind, ns) {
			return true
		}
	}
	return false
}
