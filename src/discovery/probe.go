package discovery

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const probeMagic = "memorymesh-probe"

// UDPProbe discovers peers on the local subnet. It listens for probe
// datagrams and answers with this node's advertise address, and can send a
// broadcast probe to collect the answers of other listeners.
type UDPProbe struct {
	port      int
	advertise string
	logger    *logrus.Entry

	listener net.PacketConn

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewUDPProbe binds the probe listener on the given port and starts the
// responder loop.
func NewUDPProbe(port int, advertise string, logger *logrus.Entry) (*UDPProbe, error) {
	listener, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}

	p := &UDPProbe{
		port:       port,
		advertise:  advertise,
		logger:     logger.WithField("prefix", "probe"),
		listener:   listener,
		shutdownCh: make(chan struct{}),
	}

	go p.respond()

	return p, nil
}

// respond answers incoming probe datagrams with the advertise address.
func (p *UDPProbe) respond() {
	buf := make([]byte, 512)
	for {
		n, addr, err := p.listener.ReadFrom(buf)
		if err != nil {
			select {
			case <-p.shutdownCh:
				return
			default:
				p.logger.WithError(err).Debug("probe read failed")
				continue
			}
		}

		if string(buf[:n]) != probeMagic {
			continue
		}

		if _, err := p.listener.WriteTo([]byte(p.advertise), addr); err != nil {
			p.logger.WithError(err).Debug("probe response failed")
		}
	}
}

// Probe broadcasts on the local subnet and collects advertise addresses from
// responders until the timeout elapses.
func (p *UDPProbe) Probe(timeout time.Duration) ([]string, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	bcast := &net.UDPAddr{
		IP:   net.IPv4bcast,
		Port: p.port,
	}

	if _, err := conn.WriteTo([]byte(probeMagic), bcast); err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(timeout))

	res := []string{}
	buf := make([]byte, 512)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			break
		}

		addr := strings.TrimSpace(string(buf[:n]))
		if addr != "" && addr != p.advertise {
			res = append(res, addr)
		}
	}

	return res, nil
}

// Close stops the responder and releases the listener.
func (p *UDPProbe) Close() error {
	p.shutdownOnce.Do(func() {
		close(p.shutdownCh)
		p.listener.Close()
	})
	return nil
}
