package agent

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pdubroy/fswatcher/models"
	"github.com/pdubroy/fswatcher/modules/watcher"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Paths          []string      `yaml:"paths"`
	Latency        time.Duration `yaml:"latency"`
	Backend        string        `yaml:"backend"`
	WatchNewDirs   bool          `yaml:"watch_new_dirs"`
	LogLevel       string        `yaml:"log_level"`
	MetricsAddress string        `yaml:"metrics_address"`
}

type Agent struct {
	conf    Config
	w       *watcher.Watcher
	handler watcher.Handler
	srv     *http.Server
	ln      net.Listener
}

func New(config Config) *Agent {
	return &Agent{
		conf:    config,
		handler: changeLogger{},
	}
}

// Open creates the watcher, adds every configured path and starts the
// metrics endpoint if an address is set.
func (a *Agent) Open() error {
	if len(a.conf.Paths) == 0 {
		return errors.New("no paths configured")
	}

	w, err := watcher.New(watcher.Options{
		Backend:      watcher.Backend(a.conf.Backend),
		Latency:      a.conf.Latency,
		WatchNewDirs: a.conf.WatchNewDirs,
	})
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range a.conf.Paths {
		err = w.AddWatch(path, a.handler)
		if err != nil {
			_ = w.Close()
			return err
		}
	}
	a.w = w

	if a.conf.MetricsAddress != "" {
		err = a.serveMetrics()
		if err != nil {
			_ = a.w.Close()
			return err
		}
	}

	return nil
}

func (a *Agent) serveMetrics() error {
	ln, err := net.Listen("tcp", a.conf.MetricsAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.conf.MetricsAddress, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	a.ln = ln
	a.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		err := a.srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Caller().Err(err).Msg("metrics server failed")
		}
	}()
	log.Info().Msgf("serving metrics on %s", ln.Addr())

	return nil
}

// MetricsAddr returns the address the metrics endpoint listens on, or an
// empty string if it is disabled.
func (a *Agent) MetricsAddr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Run logs changes until Stop is called.
func (a *Agent) Run() error {
	return a.w.Watch(0)
}

// Stop makes Run return. It may be called from any goroutine.
func (a *Agent) Stop() {
	log.Info().Msg("stopping agent")
	a.w.StopWatching()
}

// Close releases the watcher and the metrics endpoint. Run must have
// returned.
func (a *Agent) Close() error {
	if a.srv != nil {
		if err := a.srv.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close metrics server")
		}
	}

	return a.w.Close()
}

type changeLogger struct{}

func (changeLogger) HandleChange(path string, kind models.ChangeKind) {
	log.Info().Str("path", path).Stringer("kind", kind).Msg("change")
}
