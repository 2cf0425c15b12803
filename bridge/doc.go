// Package bridge ties the game server to the chat-bot service.
//
// A Bridge owns both channels of the link for its whole lifetime. The sender
// channel carries game events (joins, leaves, chat, deaths, lifecycle) and
// awaits a reply for each except chat. The listener channel receives
// commands from the chat-bot service and hands them to the dispatcher.
//
// Lifecycle:
//
//	b, err := bridge.New(cfg, h, bridge.Options{Logger: log})
//	if err != nil {
//		return err // ErrConfigurationMissing when name or token is unset
//	}
//	b.Start()
//	...
//	b.Shutdown(ctx)
//
// Start connects the sender channel in the background. Once it opens, the
// listener channel connects, the OnReady hook runs on the host's main
// context and the startup notification follows after a short delay.
// Shutdown sends a best-effort shutdown notification, then closes the
// sender channel and the listener channel, in that order.
//
// Notify methods block until the reply arrives or the call times out, so
// they must not be called from the host's main context.
package bridge
