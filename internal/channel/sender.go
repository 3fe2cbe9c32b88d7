package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
)

// ErrNoSession means an in-app push found no live session anywhere. The record
// stays pending until the user reconnects.
var ErrNoSession = errors.New("no live session")

// ErrForwarded means the push was handed to another node and delivery is not yet
// confirmed. The receiving node marks the record delivered once a session takes it.
var ErrForwarded = errors.New("push forwarded to another node")

// ErrNoAddress means the directory has no address for the channel.
var ErrNoAddress = errors.New("no address for channel")

// Message is the pre-rendered payload handed to a channel sender.
type Message struct {
	Channel          model.Channel
	UserID           uuid.UUID
	Address          string
	Title            string
	Body             string
	ActionURL        string
	DeliveryRecordID uuid.UUID
	Notification     *model.Notification
}

// NewMessage renders a delivery record for its channel.
func NewMessage(r *model.DeliveryRecord, n *model.Notification, address string) Message {
	return Message{
		Channel:          r.Channel,
		UserID:           r.UserID,
		Address:          address,
		Title:            n.Title,
		Body:             n.Message,
		ActionURL:        n.ActionURL,
		DeliveryRecordID: r.ID,
		Notification:     n,
	}
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a send failure that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Router picks the sender registered for a message's channel.
type Router struct {
	senders map[model.Channel]Sender
}

func NewRouter() *Router {
	return &Router{senders: make(map[model.Channel]Sender)}
}

func (r *Router) Register(ch model.Channel, s Sender) *Router {
	r.senders[ch] = s
	return r
}

func (r *Router) Has(ch model.Channel) bool {
	_, ok := r.senders[ch]
	return ok
}

func (r *Router) Send(ctx context.Context, msg Message) error {
	s, ok := r.senders[msg.Channel]
	if !ok {
		return Permanent(fmt.Errorf("no sender configured for channel %s", msg.Channel))
	}
	return s.Send(ctx, msg)
}
