// Package connsys implements the connection-management core shared by two
// peer-to-peer engines: a single-role legacy engine (minor protocol 0) and
// an initiator/responder engine (minor protocol 1+). Both engines track a
// ParticipantState per remote peer, exchange participantInfo/keep-alive
// messages over a caller-supplied Stack, and emit Connected/NotConnected
// notifications through a Notifier. A Dispatcher routes inbound callbacks
// to whichever engine currently owns a given participant, and a KeepAlive
// worker walks all participant states on a single timer to detect receive
// timeouts and retransmit keep-alives.
package connsys
