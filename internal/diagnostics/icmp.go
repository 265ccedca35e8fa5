package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

const (
	protocolICMP     = 1
	protocolIPv6ICMP = 58
)

// icmpEcho sends one echo request over an unprivileged datagram socket.
// Socket errors are returned so the caller can fall back to TCP.
func icmpEcho(ctx context.Context, addr string) (bool, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false, fmt.Errorf("not an IP address: %s", addr)
	}

	network, listen, proto := "udp4", "0.0.0.0", protocolICMP
	var echoType, replyType icmp.Type = ipv4.ICMPTypeEcho, ipv4.ICMPTypeEchoReply
	if ip.To4() == nil {
		network, listen, proto = "udp6", "::", protocolIPv6ICMP
		echoType, replyType = ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply
	}

	conn, err := icmp.ListenPacket(network, listen)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultProbeTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false, err
	}

	msg := icmp.Message{
		Type: echoType,
		Body: &icmp.Echo{ID: os.Getpid() & 0xffff, Seq: 1, Data: []byte("mountrix")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return false, err
	}
	if _, err := conn.WriteTo(wb, &net.UDPAddr{IP: ip}); err != nil {
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			return false, err
		}
		return false, nil
	}

	rb := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			// Deadline reached without a reply.
			return false, nil
		}
		reply, err := icmp.ParseMessage(proto, rb[:n])
		if err != nil {
			continue
		}
		if reply.Type == replyType {
			return true, nil
		}
	}
}

func isConnRefused(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED)
}
