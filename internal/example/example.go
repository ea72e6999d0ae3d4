// Package example provides a minimal illustrative Message/Service schema
// (ping/echo/chat-like) used by the server binary and cmd/loadclient. The concrete
// game message schema is explicitly out of scope for the core; the codec,
// dispatch, and rate-limiter packages never import this package and do not
// know about these types.
package example

import (
	"context"
	"time"

	"github.com/Luka-sama/draco-go/internal/codec"
	"github.com/Luka-sama/draco-go/internal/dispatch"
	"github.com/Luka-sama/draco-go/internal/session"
)

// Ping is a server→client keepalive/demo Message carrying a sequence number.
type Ping struct {
	codec.Created
	Seq int32
}

// NewPing is Ping's factory (spec §3: a Message may only be sent if it was
// obtained via create()).
func NewPing(seq int32) Ping {
	p := Ping{Seq: seq}
	p.MarkCreated()
	return p
}

func (m Ping) ClassName() string { return "Ping" }
func (m Ping) Fields() map[string]codec.Value {
	return map[string]codec.Value{"seq": m.Seq}
}

// Echo is a server→client Message carrying the text a Chat Service sent,
// bounced back to demonstrate the send/dispatch round trip.
type Echo struct {
	codec.Created
	Text string
}

// NewEcho is Echo's factory.
func NewEcho(text string) Echo {
	e := Echo{Text: text}
	e.MarkCreated()
	return e
}

func (m Echo) ClassName() string { return "Echo" }
func (m Echo) Fields() map[string]codec.Value {
	return map[string]codec.Value{"text": m.Text}
}

// Chat is a client→server Service: on Run it sends an Echo Message back to
// the dispatching session, exercising the full receive → dispatch → send
// loop end to end.
type Chat struct {
	codec.Created
	Text string
}

func (s Chat) ClassName() string         { return "Chat" }
func (s Chat) Options() dispatch.Options { return dispatch.Options{Limit: 200 * time.Millisecond} }
func (s Chat) Speed() float64            { return 0 }

func (s Chat) Prepare(ctx context.Context) error { return nil }

func (s Chat) Validate(ctx context.Context) (bool, error) {
	return len(s.Text) > 0, nil
}

func (s Chat) Run(ctx context.Context) error {
	dispatch.TrackChange(ctx)
	sess, ok := session.FromContext(ctx)
	if !ok {
		return nil
	}
	return sess.Send(NewEcho(s.Text))
}

func (s Chat) OnLimitExceeded(ctx context.Context) {}

// Provider is the codec.SchemaProvider for this illustrative schema.
type Provider struct{}

func (Provider) Types() []codec.Schema { return nil }

func (Provider) Messages() []codec.MessageDescriptor {
	return []codec.MessageDescriptor{
		{Schema: codec.Schema{Name: "Ping", Fields: []codec.Field{{Name: "seq", Type: codec.FieldInt32}}}},
		{Schema: codec.Schema{Name: "Echo", Fields: []codec.Field{{Name: "text", Type: codec.FieldString}}}},
	}
}

func (Provider) Services() []codec.ServiceDescriptor {
	return []codec.ServiceDescriptor{
		{
			Schema: codec.Schema{Name: "Ping", Fields: []codec.Field{{Name: "seq", Type: codec.FieldInt32}}},
			New: func(fields map[string]codec.Value) (codec.Service, error) {
				svc := pingService{Seq: fields["seq"].(int32)}
				svc.MarkCreated()
				return svc, nil
			},
		},
		{
			Schema: codec.Schema{Name: "Chat", Fields: []codec.Field{{Name: "text", Type: codec.FieldString}}},
			New: func(fields map[string]codec.Value) (codec.Service, error) {
				svc := Chat{Text: fields["text"].(string)}
				svc.MarkCreated()
				return svc, nil
			},
		},
	}
}

// pingService is the client→server counterpart of the Ping Message: a bare
// liveness signal with no side effects; it sets no rate limit, so dispatch
// records no last-run time for it.
type pingService struct {
	codec.Created
	Seq int32
}

func (s pingService) ClassName() string         { return "Ping" }
func (s pingService) Options() dispatch.Options { return dispatch.Options{} }
func (s pingService) Speed() float64            { return 0 }
func (s pingService) Prepare(ctx context.Context) error { return nil }
func (s pingService) Validate(ctx context.Context) (bool, error) { return true, nil }
func (s pingService) Run(ctx context.Context) error { return nil }
func (s pingService) OnLimitExceeded(ctx context.Context) {}
