package radius

import (
	"context"
	"crypto/md5"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/mhe/radgate/pkg/log"
	"github.com/mhe/radgate/pkg/metrics"
)

// headerLen is the fixed RADIUS header: code, id, length, authenticator.
const headerLen = 20

// Attribute numbers of RFC 2865/2866/4818 the admission router consumes.
const (
	attrUserName            layers.RADIUSAttributeType = 1
	attrNASIPAddress        layers.RADIUSAttributeType = 4
	attrFramedIPAddress     layers.RADIUSAttributeType = 8
	attrClass               layers.RADIUSAttributeType = 25
	attrAcctStatusType      layers.RADIUSAttributeType = 40
	attrDelegatedIPv6Prefix layers.RADIUSAttributeType = 123
)

// AdmissionPoster receives the extracted attribute bag of every admitted
// Accounting-Request.
type AdmissionPoster interface {
	RadiusEvent(ctx context.Context, attrs map[string]string) error
}

// Config wires the accounting observer.
type Config struct {
	// ListenAddr is the accounting socket, normally ":1813".
	ListenAddr string

	// Secret signs outgoing Accounting-Responses.
	Secret string

	// FortiGate maps a NAS-IP-Address to the appliance addresses the raw
	// accounting packet is mirrored to, in failover order.
	FortiGate map[string][]string

	Admission AdmissionPoster
}

// Observer listens on the accounting port, acknowledges every
// Accounting-Request, mirrors it to the subscriber's appliances and feeds
// the attributes to the admission router.
type Observer struct {
	cfg   Config
	conn  *net.UDPConn
	ready chan struct{}
}

// NewObserver builds an observer; Run binds the socket.
func NewObserver(cfg Config) *Observer {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":1813"
	}
	return &Observer{cfg: cfg, ready: make(chan struct{})}
}

// LocalAddr blocks until the socket is bound and returns its address.
func (o *Observer) LocalAddr() net.Addr {
	<-o.ready
	return o.conn.LocalAddr()
}

// Run blocks receiving datagrams until ctx is cancelled. Decode, ack and
// mirror run inline on the receive loop; admission events are queued to a
// single delivery worker so a session stop can never pass its start.
func (o *Observer) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", o.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", o.cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("binding accounting socket: %w", err)
	}
	o.conn = conn
	close(o.ready)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	log.WithComponent("radius").Info().Str("addr", o.cfg.ListenAddr).Msg("accounting observer listening")

	events := make(chan map[string]string, 1024)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		o.deliver(ctx, events)
	}()

	buf := make([]byte, 4096)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			close(events)
			<-workerDone
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading accounting socket: %w", err)
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		o.handle(pkt, src, events)
	}
}

func (o *Observer) handle(pkt []byte, src *net.UDPAddr, events chan<- map[string]string) {
	var rad layers.RADIUS
	if err := rad.DecodeFromBytes(pkt, gopacket.NilDecodeFeedback); err != nil {
		metrics.RadiusPacketsDropped.Inc()
		log.WithComponent("radius").Debug().Err(err).Str("src", src.String()).Msg("dropping undecodable datagram")
		return
	}
	metrics.RadiusPacketsTotal.WithLabelValues(strconv.Itoa(int(rad.Code))).Inc()

	switch rad.Code {
	case layers.RADIUSCodeAccountingRequest:
		o.acknowledge(pkt, src)

		attrs, nasIP := extractAttributes(&rad)
		o.forward(pkt, nasIP)
		events <- attrs

	case layers.RADIUSCodeAccountingResponse:
		// appliances mirror their own acknowledgements back at us
		log.WithComponent("radius").Info().Str("src", src.String()).Msg("accounting response observed")

	default:
		metrics.RadiusPacketsDropped.Inc()
	}
}

// deliver posts queued attribute bags one at a time, in arrival order.
func (o *Observer) deliver(ctx context.Context, events <-chan map[string]string) {
	for attrs := range events {
		postCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := o.cfg.Admission.RadiusEvent(postCtx, attrs)
		cancel()
		if err != nil {
			log.WithComponent("radius").Error().Err(err).
				Str("user", attrs["User-Name"]).Msg("admission delivery failed")
			continue
		}
		log.WithComponent("radius").Info().
			Str("user", attrs["User-Name"]).Str("nas", attrs["NAS-IP-Address"]).Msg("accounting request admitted")
	}
}

// acknowledge answers an Accounting-Request with an Accounting-Response
// that echoes id, length and attributes.
func (o *Observer) acknowledge(request []byte, src *net.UDPAddr) {
	resp, err := BuildResponse(request, o.cfg.Secret)
	if err != nil {
		log.WithComponent("radius").Warn().Err(err).Msg("cannot build accounting response")
		return
	}
	if _, err := o.conn.WriteToUDP(resp, src); err != nil {
		log.WithComponent("radius").Warn().Err(err).Str("dst", src.String()).Msg("accounting response send failed")
		return
	}
	log.WithComponent("radius").Debug().Str("dst", src.String()).Msg("accounting response sent")
}

// forward mirrors the raw request to the appliances of nasIP, stopping at
// the first successful send.
func (o *Observer) forward(pkt []byte, nasIP string) {
	targets := o.cfg.FortiGate[nasIP]
	if len(targets) == 0 {
		log.WithComponent("radius").Warn().Str("nas", nasIP).Msg("no appliance configured for NAS")
		return
	}
	for _, fg := range targets {
		dst, err := net.ResolveUDPAddr("udp", net.JoinHostPort(fg, "1813"))
		if err == nil {
			_, err = o.conn.WriteToUDP(pkt, dst)
		}
		if err != nil {
			log.WithDevice(fg).Warn().Err(err).Msg("accounting mirror failed")
			continue
		}
		log.WithDevice(fg).Debug().Msg("accounting request mirrored")
		return
	}
	metrics.DeviceFailovers.Inc()
	log.WithComponent("radius").Error().Str("nas", nasIP).Msg("accounting mirror failed on every appliance")
}

// BuildResponse builds the Accounting-Response for a raw Accounting-Request:
// same id, length and attributes, code 5, authenticator replaced by
// MD5(code || id || length || request-authenticator || attributes || secret).
func BuildResponse(request []byte, secret string) ([]byte, error) {
	if len(request) < headerLen {
		return nil, fmt.Errorf("short packet: %d bytes", len(request))
	}
	resp := make([]byte, len(request))
	copy(resp, request)
	resp[0] = byte(layers.RADIUSCodeAccountingResponse)

	sum := md5.Sum(append(resp[:len(resp):len(resp)], secret...))
	copy(resp[4:headerLen], sum[:])
	return resp, nil
}

// extractAttributes pulls the admission attributes out of a decoded packet
// by numeric code and returns them with the NAS-IP-Address.
func extractAttributes(rad *layers.RADIUS) (map[string]string, string) {
	attrs := make(map[string]string)
	nasIP := ""
	for _, a := range rad.Attributes {
		switch a.Type {
		case attrUserName:
			attrs["User-Name"] = string(a.Value)
		case attrClass:
			attrs["Class"] = string(a.Value)
		case attrAcctStatusType:
			attrs["Acct-Status-Type"] = acctStatusName(a.Value)
		case attrFramedIPAddress:
			attrs["Framed-IP-Address"] = ip4String(a.Value)
		case attrNASIPAddress:
			nasIP = ip4String(a.Value)
			attrs["NAS-IP-Address"] = nasIP
		case attrDelegatedIPv6Prefix:
			attrs["Delegated-IPv6-Prefix"] = ipv6PrefixString(a.Value)
		}
	}
	return attrs, nasIP
}

func ip4String(v []byte) string {
	if len(v) != net.IPv4len {
		return string(v)
	}
	return net.IP(v).String()
}

// ipv6PrefixString renders the Delegated-IPv6-Prefix value: one reserved
// byte, the prefix length, then up to 16 prefix bytes.
func ipv6PrefixString(v []byte) string {
	if len(v) < 2 || len(v) > 2+net.IPv6len {
		return ""
	}
	prefix := make(net.IP, net.IPv6len)
	copy(prefix, v[2:])
	return fmt.Sprintf("%s/%d", prefix, v[1])
}

// acctStatusName maps the integer Acct-Status-Type to its token.
func acctStatusName(v []byte) string {
	if len(v) != 4 {
		return string(v)
	}
	n := uint32(v[0])<<24 | uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3])
	switch n {
	case 1:
		return "Start"
	case 2:
		return "Stop"
	case 3:
		return "Interim-Update"
	case 7:
		return "Accounting-On"
	case 8:
		return "Accounting-Off"
	default:
		return strconv.FormatUint(uint64(n), 10)
	}
}
