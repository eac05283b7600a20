// This file is part of ap2pmsg, a peer-to-peer messaging daemon in Golang.
// Copyright (C) 2024, 2025 nkct
//
// ap2pmsg is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// ap2pmsg is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package util

import (
	"fmt"
	"net"
	"strconv"
)

// LocalAddrFallback is used when no non-loopback interface address
// can be discovered.
const LocalAddrFallback = "127.0.0.1"

// LocalIPv4 discovers a non-loopback IPv4 address of this host in
// dotted notation. It falls back to the loopback address if the
// interfaces cannot be enumerated or carry no usable address.
func LocalIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return LocalAddrFallback
	}
	for _, addr := range addrs {
		ipn, ok := addr.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() {
			continue
		}
		if ip4 := ipn.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return LocalAddrFallback
}

// Endpoint combines a dotted address and a host-order port into a
// dialable "addr:port" string.
func Endpoint(addr string, port uint16) string {
	return net.JoinHostPort(addr, strconv.Itoa(int(port)))
}

// ParsePort converts the textual port representation used in the State
// table into a host-order port number.
func ParsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("malformed port '%s'", s)
	}
	return uint16(p), nil
}
