// Package transport implements connsys.Stack over plain UDP: one socket per
// daemon, a static set of configured peer instances, and a small
// self-delimiting wire format layered on top of connsys.MsgHeader.
package transport
