/*
File Name:  stun.go
Author:     dpc contributors

Minimal RFC 5389 STUN binding client, used to discover a node's external
UDP address ahead of hole-punching. Tries each configured server in
order; the core never embeds specific server addresses (§9 open
question) — callers supply the list from internal/config.
*/

package transport

import (
	"errors"
	"net"
	"time"

	"github.com/pion/stun"
)

// ErrNoStunServerResponded is returned when every configured server
// failed to answer.
var ErrNoStunServerResponded = errors.New("transport: no STUN server responded")

// DiscoverExternalAddr sends a STUN binding request to each server in
// order, each over its own newly dialed UDP socket, and returns the first
// successful XOR-MAPPED-ADDRESS / MAPPED-ADDRESS result: the external
// mapping of that socket's ephemeral local port.
func DiscoverExternalAddr(servers []string, timeout time.Duration) (*net.UDPAddr, error) {
	for _, server := range servers {
		addr, err := queryStun(server, timeout)
		if err == nil {
			return addr, nil
		}
	}
	return nil, ErrNoStunServerResponded
}

func queryStun(server string, timeout time.Duration) (*net.UDPAddr, error) {
	conn, err := net.DialTimeout("udp", server, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	client, err := stun.NewClient(conn)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	var result *net.UDPAddr
	var doErr error
	done := make(chan struct{})

	err = client.Start(message, func(res stun.Event) {
		defer close(done)
		if res.Error != nil {
			doErr = res.Error
			return
		}
		var xorAddr stun.XORMappedAddress
		if getErr := xorAddr.GetFrom(res.Message); getErr == nil {
			result = &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}
			return
		}
		var mappedAddr stun.MappedAddress
		if getErr := mappedAddr.GetFrom(res.Message); getErr == nil {
			result = &net.UDPAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}
			return
		}
		doErr = errors.New("transport: STUN response had no mapped address")
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-done:
	case <-time.After(timeout):
		return nil, errors.New("transport: STUN request timed out")
	}

	if doErr != nil {
		return nil, doErr
	}
	return result, nil
}
