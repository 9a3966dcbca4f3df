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
	"text/tabwriter"
	"time"

	"github.com/itohio/gotasknode/pkg/config"
	"github.com/itohio/gotasknode/pkg/host"
	"github.com/itohio/gotasknode/pkg/report"
	"github.com/itohio/gotasknode/pkg/transport"
)

func main() {
	var (
		portFlag     = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyUSB0)")
		baudFlag     = flag.Int("baud", 0, "Baud rate override")
		configFlag   = flag.String("config", "config.yaml", "Configuration file path")
		tasksFlag    = flag.String("tasks", "tasks.yaml", "Task file (YAML or JSON)")
		listFlag     = flag.Bool("list", false, "List serial ports and exit")
		validateFlag = flag.Bool("validate", false, "Validate the task file and exit")
		statsFlag    = flag.Duration("stats", 10*time.Second, "Statistics print interval (0 = only on exit)")
	)
	flag.Parse()

	if *listFlag {
		ports, err := transport.Ports()
		if err != nil {
			log.Fatalf("%v", err)
		}
		for _, p := range ports {
			fmt.Println(p.Name)
		}
		return
	}

	tasks, err := host.LoadTaskFile(*tasksFlag)
	if err != nil {
		log.Fatalf("Failed to load tasks: %v", err)
	}
	if err := tasks.Validate(); err != nil {
		log.Printf("Task file problems:\n%v", err)
		if *validateFlag {
			os.Exit(1)
		}
	}
	if *validateFlag {
		fmt.Printf("%s: %d tasks OK\n", *tasksFlag, len(tasks.Tasks))
		return
	}

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

	// Blocking reads, the line scanner gives up on repeated empty reads
	port, err := transport.Open(cfg.Serial.Port, cfg.Serial.BaudRate, 0)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer port.Close()
	log.Printf("Connected to serial port: %s", cfg.Serial.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, port, tasks, cfg.Transport.ReplyTimeout, *statsFlag, os.Stdout); err != nil {
		log.Printf("%v", err)
		stop()
		port.Close()
		os.Exit(1)
	}
}

// run uploads tasks and prints the report stream until ctx is done.
func run(ctx context.Context, rw io.ReadWriter, tasks *host.TaskFile, replyTimeout, statsEvery time.Duration, out io.Writer) error {
	payload, err := tasks.Payload()
	if err != nil {
		return err
	}

	client := host.NewClient(rw, replyTimeout)
	defer client.Close()
	if err := client.Configure(ctx, payload); err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}
	log.Printf("Tasks created successfully")

	tracker := host.NewTracker(host.DefaultWindow)
	defer printStats(out, tracker.Stats())

	if statsEvery > 0 {
		go func() {
			ticker := time.NewTicker(statsEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					printStats(out, tracker.Stats())
				}
			}
		}()
	}

	err = client.Stream(ctx, func(l report.Line) {
		tracker.Add(l, time.Now())
		fmt.Fprint(out, l.String())
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// printStats prints one row per task.
func printStats(out io.Writer, stats []host.TaskStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tREPORTS\tERRORS\tWINDOW\tPERIOD")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%v\n", s.Name, s.Total, s.Errors, s.InWindow, s.MeanPeriod.Round(time.Millisecond))
	}
	w.Flush()
}
