// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rtp

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
)

var ErrListen = errors.New("failed to listen on udp port")

// ListenUDPPortRange binds the first free port of [portMin, portMax], starting at a
// random one so that concurrent legs do not race for the same port. Both zero
// means any port.
func ListenUDPPortRange(portMin, portMax int, ip net.IP) (*net.UDPConn, error) {
	if portMin == 0 && portMax == 0 {
		return net.ListenUDP("udp", &net.UDPAddr{IP: ip})
	}
	if portMin <= 0 {
		portMin = 1
	}
	if portMax <= 0 || portMax > 0xFFFF {
		portMax = 0xFFFF
	}
	if portMin > portMax {
		return nil, fmt.Errorf("%w: empty range %d-%d", ErrListen, portMin, portMax)
	}

	span := portMax - portMin + 1
	start := rand.Intn(span)
	for i := 0; i < span; i++ {
		port := portMin + (start+i)%span
		c, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err == nil {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: range %d-%d exhausted", ErrListen, portMin, portMax)
}
