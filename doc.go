/*
Package ethercard implements a small IPv4 network stack over a single shared
packet buffer, for Ethernet controllers such as the ENC28J60 that exchange
raw frames over SPI.

The stack answers ARP requests and pings, serves TCP connections on one port,
runs one TCP client session at a time and resolves names and addresses with
DNS and DHCP. Replies are written over the frame that caused them so memory
use is bounded by the buffer size given to [New].

Callers drive the stack from a polling loop:

	for {
		plen := stack.PacketReceive()
		off := stack.PacketLoop(plen)
		if off == 0 {
			continue
		}
		// off is the start of an HTTP request in stack.Buffer().
		bf := stack.BufferFiller()
		bf.Emit("HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\n\r\nuptime $L", uptime)
		stack.HTTPServerReply(bf.Position())
	}
*/
package ethercard
