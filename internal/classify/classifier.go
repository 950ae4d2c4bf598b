// Package classify turns raw capture frames into flow identities.
//
// A frame is accepted only when it is IPv4/UDP, one of its ports lies in the
// monitored window and its payload starts with a version 2 media transport
// header. Every rejection is an explicit error so callers can count reasons;
// nothing in here panics on malformed input.
package classify

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/lossmon/internal/core"
)

// Result is the identity of an accepted frame.
type Result struct {
	Key        core.FlowKey
	Predictive bool
}

// Options configures a Classifier.
type Options struct {
	Ports     core.PortRange
	Prefilter bool // run the cBPF prefilter on Ethernet frames before decoding
}

// Classifier decodes frames with reusable layer buffers. It is not safe for
// concurrent use; the monitor loop owns one per process.
type Classifier struct {
	ports     core.PortRange
	prefilter *prefilter

	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	sll     layers.LinuxSLL
	ip4     layers.IPv4
	udp     layers.UDP
	payload gopacket.Payload

	parsers map[layers.LinkType]*gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// New creates a Classifier.
func New(opts Options) (*Classifier, error) {
	c := &Classifier{
		ports:   opts.Ports,
		decoded: make([]gopacket.LayerType, 0, 8),
	}

	if opts.Prefilter {
		pf, err := newPrefilter(opts.Ports)
		if err != nil {
			return nil, fmt.Errorf("build prefilter: %w", err)
		}
		c.prefilter = pf
	}

	decoders := []gopacket.DecodingLayer{&c.eth, &c.dot1q, &c.sll, &c.ip4, &c.udp, &c.payload}
	c.parsers = map[layers.LinkType]*gopacket.DecodingLayerParser{
		layers.LinkTypeEthernet: c.newParser(layers.LayerTypeEthernet, decoders),
		layers.LinkTypeLinuxSLL: c.newParser(layers.LayerTypeLinuxSLL, decoders),
		layers.LinkTypeRaw:      c.newParser(layers.LayerTypeIPv4, decoders),
		layers.LinkTypeIPv4:     c.newParser(layers.LayerTypeIPv4, decoders),
	}
	return c, nil
}

func (c *Classifier) newParser(first gopacket.LayerType, decoders []gopacket.DecodingLayer) *gopacket.DecodingLayerParser {
	p := gopacket.NewDecodingLayerParser(first, decoders...)
	p.IgnoreUnsupported = true
	return p
}

// Classify extracts the flow key and slice classification of one frame.
// A frame that fails to decode because snaplen cut it short is reported as
// ErrTruncated wrapping the step that failed.
func (c *Classifier) Classify(frame core.RawFrame) (Result, error) {
	res, err := c.classify(frame)
	if err != nil && frame.OrigLen > uint32(len(frame.Data)) &&
		(errors.Is(err, core.ErrNotUDP) || errors.Is(err, core.ErrNotRTP)) {
		return Result{}, fmt.Errorf("%w (%d of %d bytes): %w", core.ErrTruncated, len(frame.Data), frame.OrigLen, err)
	}
	return res, err
}

func (c *Classifier) classify(frame core.RawFrame) (Result, error) {
	linkType := layers.LinkType(frame.LinkType)
	data := frame.Data

	if c.prefilter != nil && linkType == layers.LinkTypeEthernet && !c.prefilter.accept(data) {
		return Result{}, core.ErrPrefiltered
	}

	switch linkType {
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		// 4-byte address family header, then the IP packet.
		if len(data) < 4 {
			return Result{}, core.ErrNotUDP
		}
		data = data[4:]
		linkType = layers.LinkTypeRaw
	}

	parser, ok := c.parsers[linkType]
	if !ok {
		return Result{}, fmt.Errorf("%w: link type %s", core.ErrNotUDP, linkType)
	}

	// Decode errors on trailing layers still leave earlier layers usable;
	// only the presence of a decoded IPv4 and UDP layer matters.
	_ = parser.DecodeLayers(data, &c.decoded)
	if !c.hasIPv4UDP() {
		return Result{}, core.ErrNotUDP
	}

	port, ok := c.ports.FlowPort(uint16(c.udp.SrcPort), uint16(c.udp.DstPort))
	if !ok {
		return Result{}, core.ErrPortOutOfRange
	}

	hdr, err := parseRTP(c.udp.Payload)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Key: core.FlowKey{
			Port:      port,
			Sequence:  hdr.sequence,
			Timestamp: hdr.timestamp,
		},
		Predictive: IsPredictiveSlice(hdr.payload),
	}, nil
}

func (c *Classifier) hasIPv4UDP() bool {
	var ip4, udp bool
	for _, lt := range c.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			ip4 = true
		case layers.LayerTypeUDP:
			udp = ip4
		}
	}
	return udp
}
