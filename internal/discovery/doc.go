// Package discovery listens for device announce broadcasts on the LAN.
//
// Devices announce their current address and identity over UDP every few
// seconds. The listener decodes each broadcast into a Record and delivers it
// on a bounded channel for the reconciler to consume. Broadcast traffic is
// untrusted and high volume, so malformed datagrams are dropped at debug
// level and a full queue sheds records instead of blocking the socket reads.
package discovery
