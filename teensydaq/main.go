package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/golang/glog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/itohio/teensydaq/pkg/adc"
	"github.com/itohio/teensydaq/pkg/config"
	"github.com/itohio/teensydaq/pkg/device"
	"github.com/itohio/teensydaq/pkg/sample"
	"github.com/itohio/teensydaq/pkg/sampler"
)

var (
	portFlag    = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
	configFlag  = flag.String("config", "config.yaml", "Configuration file path")
	mockFlag    = flag.Bool("mock", false, "Use mocked device instead of serial port")
	serveFlag   = flag.String("serve", "", "Serve a mocked device on this serial port instead of acquiring")
	runsFlag    = flag.Int("runs", 0, "Number of acquisitions (overrides config)")
	listFlag    = flag.Bool("list", false, "List serial ports and exit")
	catalogFlag = flag.String("write-catalog", "", "Write the generated ADC timing catalog to this file and exit")
	serialFlag  = flag.Uint("set-serial", 0, "Set the node serial number before acquiring")
	saveFlag    = flag.Bool("save", false, "Persist node configuration changes")
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		glog.Error(err)
		glog.Flush()
		os.Exit(1)
	}
	glog.Flush()
}

// run returns instead of exiting so deferred cleanup always runs.
func run(args []string) error {
	if err := flag.CommandLine.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}
	if *runsFlag > 0 {
		cfg.Sampler.Runs = *runsFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *listFlag:
		return listPorts()
	case *catalogFlag != "":
		return adc.SaveCatalog(*catalogFlag, adc.GenerateCatalog(cfg.Catalog.BusClock, cfg.Catalog.ADCClock))
	case *serveFlag != "":
		return serve(ctx, cfg, *serveFlag)
	default:
		return acquire(ctx, cfg, *mockFlag, uint32(*serialFlag), *saveFlag)
	}
}

func listPorts() error {
	ports, err := device.Ports()
	if err != nil {
		return err
	}
	for _, p := range ports {
		fmt.Printf("%s\t%s\n", p.Name, p.Description)
	}
	return nil
}

// serve answers host requests on a serial port with a mocked device.
func serve(ctx context.Context, cfg *config.Config, port string) error {
	mock := device.NewMock(&cfg.Mock)
	if err := mock.Connect(); err != nil {
		return err
	}
	defer mock.Close()

	conn, err := device.OpenPort(port, cfg.Serial.BaudRate)
	if err != nil {
		return err
	}
	glog.Infof("Serving mocked device on %s", port)
	return device.Serve(ctx, conn, mock)
}

func openDevice(cfg *config.Config, mock bool) device.Device {
	if mock {
		return device.NewMock(&cfg.Mock)
	}
	return device.NewSerial(cfg.Serial.Port, cfg.Serial.BaudRate, cfg.Serial.Timeout)
}

func loadCatalog(cfg *config.Config) (*adc.Catalog, error) {
	if cfg.Catalog.Path == "" {
		return adc.GenerateCatalog(cfg.Catalog.BusClock, cfg.Catalog.ADCClock), nil
	}
	return adc.LoadCatalog(cfg.Catalog.Path, cfg.Catalog.BusClock, cfg.Catalog.ADCClock)
}

// runResult is one completed acquisition.
type runResult struct {
	index int
	res   sampler.StreamResults
}

func acquire(ctx context.Context, cfg *config.Config, mock bool, serialNumber uint32, save bool) error {
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	sel, err := catalog.Select(cfg.Query())
	if err != nil {
		return err
	}
	ref, err := adc.ParseReference(cfg.ADC.Reference)
	if err != nil {
		return err
	}
	glog.Infof("ADC timing: %d bit, %d averages, %.0f conversions/s", sel.BitWidth, sel.AverageNum, sel.ConversionRate)

	dev := openDevice(cfg, mock)
	if err := dev.Connect(); err != nil {
		return err
	}
	defer dev.Close()

	if serialNumber != 0 {
		if err := updateSerialNumber(dev, serialNumber, save); err != nil {
			return err
		}
	}

	s := sampler.New(dev, cfg.Catalog.BusClock)
	s.PollInterval = cfg.Sampler.PollInterval
	err = s.Configure(sampler.Options{
		Channels:    cfg.Sampler.Channels,
		SampleCount: cfg.Sampler.SampleCount,
		DMA: &sampler.DMAChannels{
			Scatter:       cfg.Sampler.DMA.Scatter,
			ChannelSelect: cfg.Sampler.DMA.ChannelSelect,
			Conversion:    cfg.Sampler.DMA.Conversion,
		},
		ADC:       cfg.ADC.Number,
		Timing:    &sel,
		Reference: &ref,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	scale := sample.Scale{
		VRef:         cfg.Output.VRef,
		Bits:         sel.BitWidth,
		Differential: sel.Mode == adc.Differential,
	}
	runs := make(chan runResult)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(runs)
		for i := 0; i < cfg.Sampler.Runs; i++ {
			res, err := acquireRun(gctx, cfg, s, cfg.Sampler.StreamID+uint32(i))
			if err != nil {
				return fmt.Errorf("run %d: %w", i, err)
			}
			select {
			case runs <- runResult{index: i, res: res}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		conv := sample.NewAveragingConverter(scale, cfg.Output.Average, 0)
		for r := range runs {
			var samples []sample.Sample
			for smp := range conv(sample.Rows(r.res)) {
				samples = append(samples, smp)
			}
			report(os.Stdout, r, samples, cfg.Output.Preview)
		}
		return nil
	})
	return g.Wait()
}

func acquireRun(ctx context.Context, cfg *config.Config, s *sampler.Sampler, streamID uint32) (sampler.StreamResults, error) {
	if s.State() != sampler.Configured {
		if err := s.Reset(); err != nil {
			return sampler.StreamResults{}, err
		}
	}
	if err := s.Start(cfg.Sampler.SampleRate, streamID); err != nil {
		return sampler.StreamResults{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Sampler.Timeout)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		return sampler.StreamResults{}, multierr.Append(err, s.Stop())
	}
	return s.WaitResults(ctx, sampler.Stream(streamID))
}

func updateSerialNumber(dev device.Device, serialNumber uint32, save bool) error {
	node, err := dev.ReadConfig()
	if err != nil {
		return err
	}
	node.SerialNumber = serialNumber
	if err := dev.UpdateConfig(node, save); err != nil {
		return err
	}
	glog.Infof("Node serial number set to %d (saved: %v)", serialNumber, save)
	return nil
}

func report(w io.Writer, r runResult, samples []sample.Sample, preview int) {
	fmt.Fprintf(w, "run %d: %d samples", r.index, len(samples))
	if len(samples) > 0 {
		fmt.Fprintf(w, " over %v, stream %d", sample.Span(samples), samples[0].StreamID)
	}
	fmt.Fprintln(w)

	stats := sample.SummarizeChannels(samples)
	var col, shown []float64
	for c, label := range r.res.Channels {
		if c >= len(stats) {
			break
		}
		fmt.Fprintf(w, "  %-8s %v\n", label, stats[c])
		if preview <= 0 {
			continue
		}
		col = sample.Column(col, samples, c)
		shown = sample.Downsample(shown, col, preview)
		parts := make([]string, len(shown))
		for i, v := range shown {
			parts[i] = fmt.Sprintf("%.3f", v)
		}
		fmt.Fprintf(w, "           [%s]\n", strings.Join(parts, " "))
	}
}
