package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const acceptTimeout = 5 * time.Second

// Subscribe feeds notifications published on subject into svc. Subscribers
// sharing queue split the stream. Request-style publishers get "ok",
// "invalid" or "error" back.
func Subscribe(nc *nats.Conn, subject, queue string, svc *Service) (*nats.Subscription, error) {
	log := svc.log().With(zap.String("subject", subject))
	return nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		reply := svc.handleMsg(msg, log)
		if msg.Reply != "" {
			if err := msg.Respond([]byte(reply)); err != nil {
				log.Warn("reply failed", zap.Error(err))
			}
		}
	})
}

func (s *Service) handleMsg(msg *nats.Msg, log *zap.Logger) string {
	ctx, cancel := context.WithTimeout(context.Background(), acceptTimeout)
	defer cancel()

	if _, err := s.Accept(ctx, msg.Data); err != nil {
		if errors.Is(err, ErrInvalid) {
			log.Warn("rejected notification", zap.Error(err))
			return "invalid"
		}
		log.Error("accept notification", zap.Error(err))
		return "error"
	}
	return "ok"
}
