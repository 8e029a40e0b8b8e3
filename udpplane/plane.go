// Package udpplane owns the two UDP server sockets of the RAOP sender:
// the timing port, which answers receiver timing probes, and the
// control port, which both emits sync packets and receives resend
// requests. This is C8 in the component design.
package udpplane

import (
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog"

	airtunesrtp "github.com/airtunesgo/raop/rtp"
)

// ControlTarget is one receiver's control-port address, as known to
// send_control_sync.
type ControlTarget struct {
	IP   string
	Port int
}

// Plane owns the timing and control sockets and the two listener
// goroutines that serve them.
type Plane struct {
	log zerolog.Logger

	timingConn  *net.UDPConn
	controlConn *net.UDPConn

	TimingPort  int
	ControlPort int

	mu        sync.RWMutex
	knownIPs  map[string]bool

	onNeedResend func(missedSeq, count uint16, sourceIP string)

	wg sync.WaitGroup
}

// New opens the timing and control sockets by linearly probing from the
// default bases (6002 and 6001 respectively; spec §4.7).
func New(log zerolog.Logger, onNeedResend func(missedSeq, count uint16, sourceIP string)) (*Plane, error) {
	timingConn, timingPort, err := bindFreePort(airtunesrtp.DefaultTimingPortBase)
	if err != nil {
		return nil, err
	}
	controlConn, controlPort, err := bindFreePort(airtunesrtp.DefaultControlPortBase)
	if err != nil {
		timingConn.Close()
		return nil, err
	}

	p := &Plane{
		log:          log.With().Str("category", "UDPPlane").Logger(),
		timingConn:   timingConn,
		controlConn:  controlConn,
		TimingPort:   timingPort,
		ControlPort:  controlPort,
		knownIPs:     make(map[string]bool),
		onNeedResend: onNeedResend,
	}

	p.wg.Add(2)
	go p.timingListener()
	go p.controlListener()

	return p, nil
}

// bindFreePort is the finite linear scan over [base, 65535) described in
// spec §11 "Generators / lazy loops": bind the first port that succeeds.
func bindFreePort(base int) (*net.UDPConn, int, error) {
	for port := base; port < 65535; port++ {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err == nil {
			return conn, port, nil
		}
	}
	return nil, 0, errors.New("udpplane: no free port found")
}

// RegisterReceiver admits a source IP so the listeners will accept its
// packets. Safe to call concurrently with the listener goroutines.
func (p *Plane) RegisterReceiver(ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.knownIPs[ip] = true
}

// UnregisterReceiver revokes a source IP.
func (p *Plane) UnregisterReceiver(ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.knownIPs, ip)
}

func (p *Plane) isKnown(ip string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.knownIPs[ip]
}

func (p *Plane) timingListener() {
	defer p.wg.Done()
	buf := make([]byte, 32)
	for {
		n, addr, err := p.timingConn.ReadFromUDP(buf)
		if err != nil {
			p.log.Debug().Err(err).Msg("timing listener stopped")
			return
		}
		if !p.isKnown(addr.IP.String()) {
			continue
		}
		req, err := airtunesrtp.ParseTimingPacket(buf[:n])
		if err != nil {
			p.log.Warn().Err(err).Msg("malformed timing request")
			continue
		}

		receivedTime := airtunesrtp.Now()
		sendTime := airtunesrtp.Now()
		resp := airtunesrtp.Respond(req, receivedTime, sendTime)

		if _, err := p.timingConn.WriteToUDP(resp.Marshal(), addr); err != nil {
			p.log.Debug().Err(err).Msg("timing response send failed")
		}
	}
}

func (p *Plane) controlListener() {
	defer p.wg.Done()
	buf := make([]byte, 1024)
	for {
		n, addr, err := p.controlConn.ReadFromUDP(buf)
		if err != nil {
			p.log.Debug().Err(err).Msg("control listener stopped")
			return
		}
		if !p.isKnown(addr.IP.String()) {
			continue
		}
		req, err := airtunesrtp.ParseResendRequest(buf[:n])
		if err != nil {
			p.log.Warn().Err(err).Msg("dropping non-resend control packet")
			continue
		}
		if p.onNeedResend != nil {
			p.onNeedResend(req.MissedSeq, req.Count, addr.IP.String())
		}
	}
}

// SendControlSync builds one sync packet with a single shared NTP
// timestamp and writes it to every target's control port.
func (p *Plane) SendControlSync(seq int64, isFirst bool, targets []ControlTarget) {
	now := airtunesrtp.Now()
	pkt := airtunesrtp.NewSyncPacket(seq, isFirst, now)
	data := pkt.Marshal()

	for _, t := range targets {
		addr := &net.UDPAddr{IP: net.ParseIP(t.IP), Port: t.Port}
		if _, err := p.controlConn.WriteToUDP(data, addr); err != nil {
			p.log.Debug().Err(err).Str("receiver", t.IP).Msg("sync send failed")
		}
	}
}

// Close shuts both sockets down; the listener goroutines exit on their
// next failed read.
func (p *Plane) Close() error {
	err1 := p.timingConn.Close()
	err2 := p.controlConn.Close()
	p.wg.Wait()
	if err1 != nil {
		return err1
	}
	return err2
}
