package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
)

// NatsSink publishes JobEvents to subjects of the form
// mailgate.job.<status>, one subject per job status so consumers can
// subscribe to only the transitions they care about.
type NatsSink struct {
	conn *nats.Conn
}

// NewNatsSink dials url and returns a ready Sink.
func NewNatsSink(url string) (*NatsSink, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &NatsSink{conn: conn}, nil
}

func (s *NatsSink) Publish(ctx context.Context, event JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.conn.Publish("mailgate.job."+string(event.Status), data)
}

func (s *NatsSink) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}
