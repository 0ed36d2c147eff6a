package cmd

import (
	"encoding/json"
	"net"
	"net/http"
	"os"

	"github.com/docker/go-units"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"go.uber.org/multierr"

	"github.com/longhorn/htif/pkg/config"
	"github.com/longhorn/htif/pkg/htif"
	"github.com/longhorn/htif/pkg/target"
	"github.com/longhorn/htif/pkg/util"
)

func ServeCmd() cli.Command {
	return cli.Command{
		Name:  "serve",
		Usage: "Run an in-memory simulated target answering HTIF requests",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "listen",
				Usage: "Endpoint to serve on, unix:///path or tcp://host:port. Defaults to the configured url",
			},
			cli.StringFlag{
				Name:  "memory-size",
				Value: "64Mi",
				Usage: "Simulated memory size in bytes or human readable 64Mi, 1Gi",
			},
			cli.StringFlag{
				Name:  "lock-file",
				Usage: "Lock file preventing two targets on one endpoint. Defaults to <socket>.lock for unix sockets",
			},
			cli.StringFlag{
				Name:  "debug-listen",
				Usage: "Address of the debug HTTP server exposing /v1/stats and /metrics, disabled when empty",
			},
		},
		Action: func(c *cli.Context) {
			if err := serve(c); err != nil {
				logrus.WithError(err).Fatalf("Error running serve command")
			}
		},
	}
}

func serve(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	url := cfg.URL
	if c.String("listen") != "" {
		url = c.String("listen")
	}

	memorySize, err := units.RAMInBytes(c.String("memory-size"))
	if err != nil {
		return err
	}

	lockPath, err := serveLockPath(url, c.String("lock-file"))
	if err != nil {
		return err
	}
	unlock := func() error { return nil }
	if lockPath != "" {
		lock, err := util.LockFile(lockPath)
		if err != nil {
			return err
		}
		unlock = func() error { return util.UnlockFile(lock) }
	}
	defer func() {
		err = multierr.Append(err, unlock())
	}()

	device := target.NewDevice(uint64(memorySize), cfg.DataAlign)
	registry := prometheus.NewRegistry()
	metrics, err := htif.NewServerMetrics(registry)
	if err != nil {
		return err
	}

	listener, err := util.Listen(url)
	if err != nil {
		return err
	}
	addShutdown(func() error {
		return multierr.Combine(listener.Close(), unlock())
	})

	resp := make(chan error)

	if addr := c.String("debug-listen"); addr != "" {
		go func() {
			handler := util.FilteredLoggingHandler(map[string]struct{}{"/metrics": {}}, os.Stdout,
				newDebugRouter(device, registry))
			logrus.Infof("Listening on debug server %s", addr)
			err := http.ListenAndServe(addr, handler)
			logrus.WithError(err).Warnf("Debug server at %v is down", addr)
			resp <- err
		}()
	}

	go func() {
		logrus.Infof("Listening on HTIF target %s with %v of memory", url, units.BytesSize(float64(memorySize)))
		err := acceptTargetConnections(listener, device, cfg, metrics)
		logrus.WithError(err).Warnf("HTIF target at %v is down", url)
		resp <- err
	}()

	return <-resp
}

func serveLockPath(url, lockFile string) (string, error) {
	if lockFile != "" {
		return lockFile, nil
	}
	network, address, err := util.ParseURL(url)
	if err != nil {
		return "", err
	}
	if network != "unix" {
		return "", nil
	}
	return address + ".lock", nil
}

// acceptTargetConnections gives every connection its own Server; they all
// share the one simulated device.
func acceptTargetConnections(l net.Listener, device *target.Device, cfg config.Config, metrics *htif.Metrics) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}

		go func() {
			ch := htif.NewConnChannel(conn, 0)
			log := logrus.WithField("peer", ch.RemoteAddr())
			log.Info("Accepted HTIF connection")

			server := htif.NewServer(ch, device, cfg.MaxDataSize, metrics)
			if err := server.Serve(); err != nil {
				log.WithError(err).Warn("HTIF connection failed")
			}
			if err := ch.Close(); err != nil {
				log.WithError(err).Debug("Failed to close HTIF connection")
			}
			log.Info("Closed HTIF connection")
		}()
	}
}

func newDebugRouter(device *target.Device, gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter().StrictSlash(true)

	router.Methods("GET").Path("/v1/stats").HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(rw).Encode(device.Stats()); err != nil {
			logrus.WithError(err).Warn("Failed to write device stats")
		}
	})
	router.Methods("GET").Path("/metrics").Handler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return router
}
