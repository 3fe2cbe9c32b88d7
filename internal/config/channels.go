package config

import (
	"time"

	"github.com/jwalitptl/notification-hub/internal/channel"
	"github.com/jwalitptl/notification-hub/internal/model"
)

// ChannelRouter registers the in-app sender and every external channel that has
// a provider configured. local may be nil on processes that hold no sessions.
func (c *Config) ChannelRouter(local channel.LocalPusher, relay channel.Forwarder) *channel.Router {
	r := channel.NewRouter().Register(model.ChannelInApp, channel.Guard(
		channel.NewInAppSender(local, relay),
		c.InAppGuardConfig(),
	))

	if c.Email.Enabled() {
		r.Register(model.ChannelEmail, channel.Guard(
			channel.NewEmailSender(c.Email.ToSenderConfig()),
			c.Email.Limits.ToGuardConfig("email"),
		))
	}
	if c.SMS.Enabled() {
		r.Register(model.ChannelSMS, channel.Guard(
			channel.NewGatewaySender(c.SMS.ToSenderConfig()),
			c.SMS.Limits.ToGuardConfig("sms"),
		))
	}
	if c.Push.Enabled() {
		r.Register(model.ChannelPush, channel.Guard(
			channel.NewGatewaySender(c.Push.ToSenderConfig()),
			c.Push.Limits.ToGuardConfig("push"),
		))
	}
	return r
}

// InAppGuardConfig bounds an in-app fan-out (local sessions plus the relay
// publish) by the dispatcher send timeout. In-app pushes are not throttled.
func (c *Config) InAppGuardConfig() channel.GuardConfig {
	return channel.GuardConfig{
		Name:            "in_app",
		Timeout:         c.Dispatcher.SendTimeout,
		BreakerFailures: 10,
		BreakerTimeout:  30 * time.Second,
	}
}
