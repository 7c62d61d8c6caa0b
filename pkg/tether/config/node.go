package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"go.uber.org/zap"

	"github.com/tsarna/tether/pkg/tether/match"
	"github.com/tsarna/tether/pkg/tether/o11y"
	"github.com/tsarna/tether/pkg/tether/presence"
	"github.com/tsarna/tether/pkg/tether/router"
	"github.com/tsarna/tether/pkg/tether/transport"
	"github.com/tsarna/tether/pkg/tether/transport/serial"
	"github.com/tsarna/tether/pkg/tether/transport/udp"
	"github.com/tsarna/tether/pkg/tether/transport/wsbridge"
	"github.com/tsarna/tether/pkg/tether/wire"
)

type nodeDefinition struct {
	Name              string                `hcl:"name,label"`
	UDP               *bool                 `hcl:"udp,optional"`
	MulticastGroup    *string               `hcl:"multicast_group,optional"`
	MulticastPort     *int                  `hcl:"multicast_port,optional"`
	UnicastPort       *int                  `hcl:"unicast_port,optional"`
	MulticastTTL      *int                  `hcl:"multicast_ttl,optional"`
	Interface         string                `hcl:"interface,optional"`
	NoLoopback        bool                  `hcl:"no_loopback,optional"`
	HeartbeatInterval hcl.Expression        `hcl:"heartbeat_interval,optional"`
	PeerTTL           hcl.Expression        `hcl:"peer_ttl,optional"`
	DrainTimeout      hcl.Expression        `hcl:"drain_timeout,optional"`
	Codec             string                `hcl:"codec,optional"`
	UnicastCodec      string                `hcl:"unicast_codec,optional"`
	PublishMode       string                `hcl:"publish_mode,optional"`
	Compact           bool                  `hcl:"compact,optional"`
	QueueSize         *int                  `hcl:"queue_size,optional"`
	ErrorThreshold    *int                  `hcl:"error_threshold,optional"`
	Publications      []string              `hcl:"publications,optional"`
	Subscriptions     []string              `hcl:"subscriptions,optional"`
	Serial            []serialDefinition    `hcl:"serial,block"`
	WebSocket         []websocketDefinition `hcl:"websocket,block"`
	Cron              []cronDefinition      `hcl:"cron,block"`
}

type serialDefinition struct {
	Name           string    `hcl:"name,label"`
	Device         string    `hcl:"device"`
	Baud           int       `hcl:"baud,optional"`
	MaxFrame       int       `hcl:"max_frame,optional"`
	ErrorThreshold int       `hcl:"error_threshold,optional"`
	DefRange       hcl.Range `hcl:",def_range"`
}

type websocketDefinition struct {
	Name         string         `hcl:"name,label"`
	Listen       string         `hcl:"listen,optional"`
	Path         string         `hcl:"path,optional"`
	QueueSize    int            `hcl:"queue_size,optional"`
	PingInterval hcl.Expression `hcl:"ping_interval,optional"`
	DefRange     hcl.Range      `hcl:",def_range"`
}

// Node is a fully resolved node block. Zero-valued optional settings have
// been replaced by their defaults.
type Node struct {
	Name string

	UDP            bool
	MulticastGroup string
	MulticastPort  int
	UnicastPort    int
	MulticastTTL   int
	Interface      string
	NoLoopback     bool

	Heartbeat    time.Duration
	PeerTTL      time.Duration
	DrainTimeout time.Duration

	Codec          wire.Codec
	UnicastCodec   wire.Codec
	PublishMode    router.PublishMode
	Compact        bool
	QueueSize      int
	ErrorThreshold int

	Publications  []string
	Subscriptions []string

	Serial     []SerialLink
	WebSockets []WebSocketBridge
	Schedules  []*Schedule

	DefRange hcl.Range
}

type SerialLink struct {
	Name   string
	Config serial.Config
}

type WebSocketBridge struct {
	Name         string
	Listen       string
	Path         string
	QueueSize    int
	PingInterval time.Duration
}

// DefaultNode returns a node with every setting at its default.
func DefaultNode(name string) *Node {
	return &Node{
		Name:           name,
		UDP:            true,
		MulticastGroup: udp.DefaultGroup,
		MulticastPort:  udp.DefaultPort,
		MulticastTTL:   udp.DefaultTTL,
		Heartbeat:      presence.DefaultHeartbeat,
		PeerTTL:        presence.DefaultTTL,
		DrainTimeout:   router.DefaultDrainTimeout,
		Codec:          wire.Binary,
		UnicastCodec:   wire.Binary,
		QueueSize:      router.DefaultQueueSize,
		ErrorThreshold: udp.DefaultErrorThreshold,
	}
}

func (c *Config) processNode(block *hcl.Block) hcl.Diagnostics {
	def := nodeDefinition{}
	diags := gohcl.DecodeBody(block.Body, c.evalCtx, &def)
	if diags.HasErrors() {
		return diags
	}
	def.Name = block.Labels[0]

	if _, exists := c.Nodes[def.Name]; exists {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Duplicate node",
			Detail:   fmt.Sprintf("Node %s is already defined", def.Name),
			Subject:  &block.DefRange,
		})
	}

	node, addDiags := c.buildNode(&def, block)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return diags
	}

	if err := node.Validate(); err != nil {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid node",
			Detail:   err.Error(),
			Subject:  &block.DefRange,
		})
	}

	c.Nodes[node.Name] = node
	return diags
}

func (c *Config) buildNode(def *nodeDefinition, block *hcl.Block) (*Node, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	n := DefaultNode(def.Name)
	n.DefRange = block.DefRange

	if def.UDP != nil {
		n.UDP = *def.UDP
	}
	if def.MulticastGroup != nil {
		n.MulticastGroup = *def.MulticastGroup
	}
	if def.MulticastPort != nil {
		n.MulticastPort = *def.MulticastPort
	}
	if def.UnicastPort != nil {
		n.UnicastPort = *def.UnicastPort
	}
	if def.MulticastTTL != nil {
		n.MulticastTTL = *def.MulticastTTL
	}
	if def.QueueSize != nil {
		n.QueueSize = *def.QueueSize
	}
	if def.ErrorThreshold != nil {
		n.ErrorThreshold = *def.ErrorThreshold
	}
	n.Interface = def.Interface
	n.NoLoopback = def.NoLoopback
	n.Compact = def.Compact
	n.Publications = def.Publications
	n.Subscriptions = def.Subscriptions

	heartbeatSet := IsExpressionProvided(def.HeartbeatInterval)
	if heartbeatSet {
		d, addDiags := c.ParseDuration(def.HeartbeatInterval)
		diags = diags.Extend(addDiags)
		n.Heartbeat = d
	}
	if IsExpressionProvided(def.PeerTTL) {
		d, addDiags := c.ParseDuration(def.PeerTTL)
		diags = diags.Extend(addDiags)
		n.PeerTTL = d
	} else if heartbeatSet {
		n.PeerTTL = 3 * n.Heartbeat
	}
	if IsExpressionProvided(def.DrainTimeout) {
		d, addDiags := c.ParseDuration(def.DrainTimeout)
		diags = diags.Extend(addDiags)
		n.DrainTimeout = d
	}

	var err error
	if def.Codec != "" {
		if n.Codec, err = wire.ParseCodec(def.Codec); err != nil {
			diags = diags.Append(attrError(block, "Invalid codec", err))
		}
	}
	if def.UnicastCodec != "" {
		if n.UnicastCodec, err = wire.ParseCodec(def.UnicastCodec); err != nil {
			diags = diags.Append(attrError(block, "Invalid unicast codec", err))
		}
	}
	if n.PublishMode, err = router.ParsePublishMode(def.PublishMode); err != nil {
		diags = diags.Append(attrError(block, "Invalid publish mode", err))
	}

	for _, s := range def.Serial {
		n.Serial = append(n.Serial, SerialLink{
			Name: s.Name,
			Config: serial.Config{
				Device:         s.Device,
				Baud:           s.Baud,
				MaxFrame:       s.MaxFrame,
				ErrorThreshold: s.ErrorThreshold,
			},
		})
	}

	for _, w := range def.WebSocket {
		bridge := WebSocketBridge{
			Name:         w.Name,
			Listen:       w.Listen,
			Path:         w.Path,
			QueueSize:    w.QueueSize,
			PingInterval: wsbridge.DefaultPingInterval,
		}
		if IsExpressionProvided(w.PingInterval) {
			d, addDiags := c.ParseDuration(w.PingInterval)
			diags = diags.Extend(addDiags)
			bridge.PingInterval = d
		}
		n.WebSockets = append(n.WebSockets, bridge)
	}

	for i := range def.Cron {
		s, addDiags := c.buildSchedule(n.Name, &def.Cron[i])
		diags = diags.Extend(addDiags)
		if s != nil {
			n.Schedules = append(n.Schedules, s)
		}
	}

	return n, diags
}

func attrError(block *hcl.Block, summary string, err error) *hcl.Diagnostic {
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  summary,
		Detail:   err.Error(),
		Subject:  &block.DefRange,
	}
}

// Validate checks the settings that defaults cannot repair.
func (n *Node) Validate() error {
	var errs []error
	if n.Name == "" {
		errs = append(errs, errors.New("node name is required"))
	}
	if n.UDP {
		ip := net.ParseIP(n.MulticastGroup).To4()
		if ip == nil || !ip.IsMulticast() {
			errs = append(errs, fmt.Errorf("multicast_group %q is not an IPv4 multicast address", n.MulticastGroup))
		}
		if n.MulticastPort <= 0 || n.MulticastPort > 65535 {
			errs = append(errs, fmt.Errorf("multicast_port %d is out of range", n.MulticastPort))
		}
		if n.UnicastPort < 0 || n.UnicastPort > 65535 {
			errs = append(errs, fmt.Errorf("unicast_port %d is out of range", n.UnicastPort))
		}
		if n.MulticastTTL < 1 || n.MulticastTTL > 255 {
			errs = append(errs, fmt.Errorf("multicast_ttl %d is out of range", n.MulticastTTL))
		}
	}
	if n.Heartbeat <= 0 {
		errs = append(errs, errors.New("heartbeat_interval must be positive"))
	}
	if n.PeerTTL < n.Heartbeat {
		errs = append(errs, fmt.Errorf("peer_ttl %s is shorter than heartbeat_interval %s", n.PeerTTL, n.Heartbeat))
	}
	if n.QueueSize <= 0 {
		errs = append(errs, errors.New("queue_size must be positive"))
	}
	if n.ErrorThreshold <= 0 {
		errs = append(errs, errors.New("error_threshold must be positive"))
	}
	if _, err := match.ParseAll(n.Subscriptions); err != nil {
		errs = append(errs, fmt.Errorf("subscriptions: %w", err))
	}

	names := make(map[string]bool)
	if n.UDP {
		names["udp"] = true
	}
	for _, s := range n.Serial {
		if s.Config.Device == "" {
			errs = append(errs, fmt.Errorf("serial %q: device is required", s.Name))
		}
		if names[s.Name] {
			errs = append(errs, fmt.Errorf("transport name %q is used twice", s.Name))
		}
		names[s.Name] = true
	}
	for _, w := range n.WebSockets {
		if names[w.Name] {
			errs = append(errs, fmt.Errorf("transport name %q is used twice", w.Name))
		}
		names[w.Name] = true
	}
	if len(names) == 0 {
		errs = append(errs, errors.New("at least one transport is required"))
	}

	return errors.Join(errs...)
}

// Transports creates the node's transports, UDP first.
func (n *Node) Transports(logger *zap.Logger, metrics o11y.MetricsProvider) ([]transport.Transport, error) {
	var out []transport.Transport
	if n.UDP {
		t, err := udp.New(udp.Config{
			Group:          n.MulticastGroup,
			Port:           n.MulticastPort,
			UnicastPort:    n.UnicastPort,
			Interface:      n.Interface,
			TTL:            n.MulticastTTL,
			NoLoopback:     n.NoLoopback,
			ErrorThreshold: n.ErrorThreshold,
		}, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	for _, s := range n.Serial {
		out = append(out, serial.New(s.Name, s.Config, logger))
	}
	for _, w := range n.WebSockets {
		cfg := wsbridge.NewConfig(w.Name).
			WithListen(w.Listen).
			WithLogger(logger).
			WithMetrics(metrics).
			WithQueueSize(w.QueueSize).
			WithPingInterval(w.PingInterval).
			WithPath(w.Path)
		t, err := cfg.Build()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// RouterBuilder returns a router builder carrying the node's settings and
// transports. Callers may add a registry, listeners or a clock before
// building.
func (n *Node) RouterBuilder(logger *zap.Logger, metrics o11y.MetricsProvider) (*router.Builder, error) {
	transports, err := n.Transports(logger, metrics)
	if err != nil {
		return nil, err
	}
	b := router.New(n.Name).
		WithLogger(logger).
		WithMetrics(metrics).
		WithHeartbeat(n.Heartbeat, n.PeerTTL).
		WithQueueSize(n.QueueSize).
		WithCodec(n.Codec).
		WithUnicastCodec(n.UnicastCodec).
		WithPublishMode(n.PublishMode).
		WithCompactEnvelopes(n.Compact).
		WithDrainTimeout(n.DrainTimeout).
		WithPublications(n.Publications...)
	for _, t := range transports {
		b = b.WithTransport(t)
	}
	return b, nil
}
