// capmatch correlates two independently-captured packet streams of the
// same network conversations and reports how the two capture points relate
// to each other topologically.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/netweaver/capmatch/pkg/builder"
	"github.com/netweaver/capmatch/pkg/config"
	"github.com/netweaver/capmatch/pkg/eventbus"
	"github.com/netweaver/capmatch/pkg/flow"
	"github.com/netweaver/capmatch/pkg/ingest"
	"github.com/netweaver/capmatch/pkg/match"
	"github.com/netweaver/capmatch/pkg/roledetect"
	"github.com/netweaver/capmatch/pkg/serialize"
	"github.com/netweaver/capmatch/pkg/topology"
)

// side bundles everything one capture point contributes to a run.
type side struct {
	name        string
	packets     string
	vendorRows  string
	tlsRows     string
	serviceList string
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func loadSide(logger *zap.Logger, s side) ([]flow.Connection, error) {
	f, err := os.Open(s.packets)
	if err != nil {
		return nil, fmt.Errorf("capmatch: open %s packet stream: %w", s.name, err)
	}
	defer f.Close()

	adapter := ingest.NewAdapter(logger)
	packets, err := adapter.Run(f)
	if err != nil {
		return nil, fmt.Errorf("capmatch: ingest %s: %w", s.name, err)
	}
	if len(packets) == 0 {
		return nil, fmt.Errorf("capmatch: %s: %w", s.name, ingest.ErrNoInput)
	}

	b := builder.New(builder.PerFlow)
	for _, p := range packets {
		b.AddPacket(p)
	}

	if s.vendorRows != "" {
		vf, err := os.Open(s.vendorRows)
		if err != nil {
			return nil, fmt.Errorf("capmatch: open %s vendor trailer rows: %w", s.name, err)
		}
		rows, err := ingest.ParseVendorTrailer(vf)
		vf.Close()
		if err != nil {
			return nil, fmt.Errorf("capmatch: parse %s vendor trailer rows: %w", s.name, err)
		}
		b.AttachVendorTrailer(rows)
	}

	if s.tlsRows != "" {
		tf, err := os.Open(s.tlsRows)
		if err != nil {
			return nil, fmt.Errorf("capmatch: open %s tls hello rows: %w", s.name, err)
		}
		rows, err := ingest.ParseTLSClientHello(tf)
		tf.Close()
		if err != nil {
			return nil, fmt.Errorf("capmatch: parse %s tls hello rows: %w", s.name, err)
		}
		b.AttachTLSClientHello(rows)
	}

	connections := b.Build()

	detector := roledetect.New()
	if s.serviceList != "" {
		lf, err := os.Open(s.serviceList)
		if err != nil {
			return nil, fmt.Errorf("capmatch: open %s service list: %w", s.name, err)
		}
		err = detector.LoadServiceList(lf)
		lf.Close()
		if err != nil {
			return nil, fmt.Errorf("capmatch: load %s service list: %w", s.name, err)
		}
	}
	for _, c := range connections {
		detector.CollectConnection(c)
	}
	detector.FinalizeCardinality()
	for i, c := range connections {
		info := detector.Detect(c)
		connections[i] = roledetect.Reconcile(c, info)
	}

	logger.Info("loaded capture side",
		zap.String("side", s.name),
		zap.Int("connections", len(connections)),
	)
	return connections, nil
}

// confidenceByFlowID runs role detection over connections and returns each
// connection's confidence keyed by flow ID, for later lookup against matches.
func confidenceByFlowID(connections []flow.Connection) map[int]roledetect.Confidence {
	detector := roledetect.New()
	for _, c := range connections {
		detector.CollectConnection(c)
	}
	detector.FinalizeCardinality()
	out := make(map[int]roledetect.Confidence, len(connections))
	for _, c := range connections {
		out[c.FlowID] = detector.Detect(c).Confidence
	}
	return out
}

func run() error {
	var (
		configPath = flag.String("config", "configs/capmatch.yaml", "path to configuration file")
		outputPath = flag.String("output", "matches.json", "path to write the match document")

		packetsA = flag.String("a-packets", "", "path to capture side A's packet stream")
		vendorA  = flag.String("a-vendor-trailer", "", "path to capture side A's vendor trailer rows (optional)")
		tlsA     = flag.String("a-tls-hello", "", "path to capture side A's TLS Client Hello rows (optional)")
		servicesA = flag.String("a-service-list", "", "path to capture side A's service list override (optional)")

		packetsB = flag.String("b-packets", "", "path to capture side B's packet stream")
		vendorB  = flag.String("b-vendor-trailer", "", "path to capture side B's vendor trailer rows (optional)")
		tlsB     = flag.String("b-tls-hello", "", "path to capture side B's TLS Client Hello rows (optional)")
		servicesB = flag.String("b-service-list", "", "path to capture side B's service list override (optional)")
	)
	flag.Parse()

	if *packetsA == "" || *packetsB == "" {
		return fmt.Errorf("capmatch: both -a-packets and -b-packets are required")
	}

	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("capmatch: build logger: %w", err)
	}
	defer logger.Sync()

	cfg := config.Default()
	if _, statErr := os.Stat(*configPath); statErr == nil {
		cfg, err = config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("capmatch: load config: %w", err)
		}
	}

	var publisher *eventbus.Publisher
	if cfg.EventBus.Enabled {
		publisher, err = eventbus.Dial(cfg.EventBus.AMQPURL, cfg.EventBus.Exchange, logger)
		if err != nil {
			return fmt.Errorf("capmatch: connect event bus: %w", err)
		}
		defer publisher.Close()
	}

	sideA, err := loadSide(logger, side{
		name: "A", packets: *packetsA, vendorRows: *vendorA, tlsRows: *tlsA, serviceList: *servicesA,
	})
	if err != nil {
		return err
	}
	sideB, err := loadSide(logger, side{
		name: "B", packets: *packetsB, vendorRows: *vendorB, tlsRows: *tlsB, serviceList: *servicesB,
	})
	if err != nil {
		return err
	}

	engine := match.NewEngine(cfg.Matching)
	matches, err := engine.Match(context.Background(), sideA, sideB)
	if err != nil {
		return fmt.Errorf("capmatch: match: %w", err)
	}
	logger.Info("matching complete",
		zap.Int("side_a", len(sideA)),
		zap.Int("side_b", len(sideB)),
		zap.Int("matches", len(matches)),
	)

	if publisher != nil {
		for _, m := range matches {
			publisher.Publish(m)
		}
	}

	out, err := os.Create(*outputPath)
	if err != nil {
		return fmt.Errorf("capmatch: create output: %w", err)
	}
	defer out.Close()

	metadata := map[string]interface{}{
		"side_a_connections": len(sideA),
		"side_b_connections": len(sideB),
	}
	if err := serialize.Save(out, matches, *packetsA, *packetsB, metadata); err != nil {
		return fmt.Errorf("capmatch: save matches: %w", err)
	}

	confA := confidenceByFlowID(sideA)
	confB := confidenceByFlowID(sideB)
	matchConfA := make([]roledetect.Confidence, len(matches))
	matchConfB := make([]roledetect.Confidence, len(matches))
	for i, m := range matches {
		matchConfA[i] = confA[m.ConnA.FlowID]
		matchConfB[i] = confB[m.ConnB.FlowID]
	}
	info := topology.Aggregate(matches, matchConfA, matchConfB)
	logger.Info("topology aggregated",
		zap.Int("endpoint_pairs", len(info.EndpointPairs)),
		zap.Int("services", len(info.Services)),
	)

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
