package trigger

import "github.com/nats-io/nats.go"

// NatsConn adapts a real *nats.Conn to the Conn interface NATSSource
// depends on, keeping nats.go's subscription/message types out of the
// core trigger-evaluation path.
type NatsConn struct {
	*nats.Conn
}

// WrapNatsConn returns a Conn backed by conn.
func WrapNatsConn(conn *nats.Conn) *NatsConn {
	return &NatsConn{Conn: conn}
}

func (c *NatsConn) Subscribe(subject string, cb func(subject string, data []byte)) (func() error, error) {
	sub, err := c.Conn.Subscribe(subject, func(msg *nats.Msg) {
		cb(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}
