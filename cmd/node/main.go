package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/itohio/gotasknode/pkg/arbiter"
	"github.com/itohio/gotasknode/pkg/config"
	"github.com/itohio/gotasknode/pkg/orchestrator"
	"github.com/itohio/gotasknode/pkg/sample"
	"github.com/itohio/gotasknode/pkg/sensor"
	"github.com/itohio/gotasknode/pkg/taskspec"
	"github.com/itohio/gotasknode/pkg/transport"
)

// ErrNoTasks is returned when the configuration produced no running task.
var ErrNoTasks = errors.New("no tasks created")

// link joins separate input and output streams.
type link struct {
	io.Reader
	io.Writer
}

func main() {
	var (
		portFlag   = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyUSB0)")
		baudFlag   = flag.Int("baud", 0, "Baud rate override")
		configFlag = flag.String("config", "node.yaml", "Configuration file path")
		stdioFlag  = flag.Bool("stdio", false, "Use stdin/stdout instead of a serial port")
	)
	flag.Parse()

	// Diagnostics never go to the link
	log.SetOutput(os.Stderr)

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}
	if *baudFlag > 0 {
		cfg.Serial.BaudRate = *baudFlag
	}

	var rw io.ReadWriter
	if *stdioFlag {
		rw = link{Reader: os.Stdin, Writer: os.Stdout}
	} else {
		port, err := transport.Open(cfg.Serial.Port, cfg.Serial.BaudRate, cfg.Serial.ReadTimeout)
		if err != nil {
			log.Fatalf("Failed to open %s: %v", cfg.Serial.Port, err)
		}
		defer port.Close()
		rw = port
		log.Printf("Connected to serial port: %s", cfg.Serial.Port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// A second interrupt terminates a node blocked on a read
	context.AfterFunc(ctx, stop)

	if err := run(ctx, cfg, rw, sensor.NewMocks(&cfg.Mock)); err != nil {
		log.Printf("Node stopped: %v", err)
		stop()
		os.Exit(1)
	}
}

// run boots the node on rw: sensor bring-up, one configuration exchange,
// then the task routines until ctx is done.
func run(ctx context.Context, cfg *config.Config, rw io.ReadWriter, sensors map[sensor.Kind]sensor.Sensor) error {
	log.Printf("Dynamic task manager starting")

	sink := arbiter.NewSink(rw, cfg.Log.MaxLineLength)
	sampler := sample.New(arbiter.NewLocks(), sensors, sample.PlansFromConfig(cfg.Sampling))
	if err := sampler.Init(ctx, cfg.Sensors.Warmup); err != nil {
		return fmt.Errorf("sensor init: %w", err)
	}

	payload, err := receive(ctx, cfg, rw, sink)
	if err != nil {
		if ctx.Err() == nil {
			if serr := transport.Status(sink, false); serr != nil {
				log.Printf("%v", serr)
			}
		}
		return err
	}

	specs, err := taskspec.Compile(payload)
	if err != nil {
		if serr := transport.Status(sink, false); serr != nil {
			log.Printf("%v", serr)
		}
		return err
	}

	orch := orchestrator.New(sampler, sink)
	n := orch.SpawnAll(ctx, specs)
	if err := transport.Status(sink, n > 0); err != nil {
		log.Printf("%v", err)
	}
	if n == 0 {
		return ErrNoTasks
	}
	log.Printf("Created %d tasks, waiting for shutdown", n)

	<-ctx.Done()
	orch.StopAll()
	return nil
}

// receive waits for one framed configuration, bounded by the receive timeout.
func receive(ctx context.Context, cfg *config.Config, r io.Reader, ack io.Writer) ([]byte, error) {
	if cfg.Transport.ReceiveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Transport.ReceiveTimeout)
		defer cancel()
	}

	log.Printf("Waiting for configuration...")
	rc := transport.NewReceiver(r, ack, cfg.Transport.BufferSize, cfg.Transport.ChunkSize)
	payload, err := rc.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to receive configuration: %w", err)
	}
	return payload, nil
}
