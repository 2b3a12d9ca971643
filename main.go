package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"runtime"
	"strings"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/txn-coordinator/common"
	"github.com/txn-coordinator/config"
	"github.com/txn-coordinator/coordinator"
	"github.com/txn-coordinator/delegate"
	"github.com/txn-coordinator/monitor"
	"github.com/txn-coordinator/store"
)

const (
	DefaultLockTimeout = 100 * time.Millisecond
	DefaultBucket      = "txn"
)

// Command line parameters
var (
	configPath     string
	gridFile       string
	auditFile      string
	metricsAddress string
)

func init() {
	flag.StringVarP(&configPath, "config", "c", config.DefaultConfigFilePath, "Set the coordinator config file, defaults apply if absent")
	flag.StringVarP(&gridFile, "grid", "g", "", "Grid persistence file, in-memory only if not set")
	flag.StringVarP(&auditFile, "audit", "a", "", "Audit CSV file, audit disabled if not set")
	flag.StringVarP(&metricsAddress, "metrics", "m", "", "Prometheus listen address, metrics disabled if not set")

	flag.Usage = func() {
		log.Errorf("Usage: %s [options]\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()
	logger := log.New()
	logger.SetFormatter(&nested.Formatter{
		HideKeys:    true,
		FieldsOrder: []string{"component"},
		CustomCallerFormatter: func(f *runtime.Frame) string {
			s := strings.Split(f.Function, ".")
			funcName := s[len(s)-1]
			return fmt.Sprintf(" [%s:%d][%s()]", path.Base(f.File), f.Line, funcName)
		},
		CallerFirst: true,
	})
	logger.SetReportCaller(true)
	log := logger.WithField("component", "main")

	cfg, err := config.LoadOrDefaults(configPath)
	if err != nil {
		log.Fatalf("Unable to load config %s: %s", configPath, err)
	}
	opts := cfg.Options()
	if gridFile == "" {
		gridFile = cfg.GridFile
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}

	var grid *store.MemoryGrid
	if gridFile != "" {
		if grid, err = store.NewPersistentGrid(logger, DefaultLockTimeout, gridFile, bucket); err != nil {
			log.Fatalf("Unable to open grid file %s: %s", gridFile, err)
		}
	} else {
		grid = store.NewMemoryGrid(logger, DefaultLockTimeout)
	}
	defer grid.Close()

	sinks := monitor.Multi{monitor.NewLogMonitor(logger)}
	if auditFile != "" {
		auditor, err := monitor.NewCSVAuditor(logger, auditFile)
		if err != nil {
			log.Fatalf("Unable to open audit file %s: %s", auditFile, err)
		}
		defer auditor.Close()
		sinks = append(sinks, auditor)
	}
	if metricsAddress != "" {
		sinks = append(sinks, monitor.NewPromMonitor(prometheus.DefaultRegisterer))
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddress, nil); err != nil {
				log.Fatalf("Metrics serve: %s", err)
			}
		}()
	}

	coord := coordinator.New(logger, common.NewRegistry(logger, 10*time.Second), grid, sinks)
	runner := delegate.NewRunner(logger, coord, opts)

	runDemo(log, runner)

	log.Info("txnd started successfully")
	terminate := make(chan os.Signal, 1)
	signal.Notify(terminate, os.Interrupt)
	<-terminate
	log.Info("txnd exiting")
}

// runDemo drives a small order workflow through the runner: one
// delegate reserving an order, one confirming it, and one hitting a
// recognized business fault.
func runDemo(log *log.Entry, runner *delegate.Runner) {
	exec := delegate.NewMapExecution("proc-" + uuid.New().String())

	err := runner.Run(exec, []string{"reserve-order"}, func(tx store.Handle, exec delegate.Execution) delegate.Verdict {
		orders, err := tx.GetMap("orders")
		if err != nil {
			return delegate.Technical(err)
		}
		if err := orders.Put("order-1", "reserved"); err != nil {
			return delegate.Technical(err)
		}
		exec.SetVariable("orderState", "reserved")
		return delegate.OK()
	})
	if err != nil {
		log.Warnf("reserve-order failed: %s", err)
		return
	}

	err = runner.Run(exec, []string{"confirm-order"}, func(tx store.Handle, exec delegate.Execution) delegate.Verdict {
		orders, err := tx.GetMap("orders")
		if err != nil {
			return delegate.Technical(err)
		}
		state, ok, err := orders.Get("order-1")
		if err != nil {
			return delegate.Technical(err)
		}
		if !ok || state != "reserved" {
			return delegate.Business(&delegate.Fault{Code: 409, Reason: "order not reserved"})
		}
		if err := orders.Put("order-1", "confirmed"); err != nil {
			return delegate.Technical(err)
		}
		exec.SetVariable("orderState", "confirmed")
		return delegate.OK()
	})
	if err != nil {
		log.Warnf("confirm-order failed: %s", err)
		return
	}

	// A delegate hitting a recognized business fault: its audit entry
	// is committed even though the delegate reports a failure.
	err = runner.Run(exec, []string{"notify-billing"}, func(tx store.Handle, exec delegate.Execution) delegate.Verdict {
		audit, err := tx.GetMap("audit")
		if err != nil {
			return delegate.Technical(err)
		}
		if err := audit.Put("order-1", "billing notified"); err != nil {
			return delegate.Technical(err)
		}
		return delegate.Business(&delegate.Fault{Code: 402, Reason: "billing rejected the order"})
	})
	if err != nil {
		log.Infof("notify-billing reported: %s", err)
	}

	state, _ := exec.Variable("orderState")
	log.Infof("demo workflow done, order state: %s", state)
}
