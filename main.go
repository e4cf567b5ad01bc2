package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rfidagent/backend"
	"rfidagent/queue"
	"rfidagent/reader"
	"rfidagent/scan"
	"rfidagent/session"
	"rfidagent/status"
)

var myBuild string

// App holds the running agent's components.
type App struct {
	cfgPath string
	sess    *session.Session
	backend *backend.Client
	coord   *scan.Coordinator
	queue   *queue.Client
	board   *status.Board

	mu     sync.Mutex
	reader reader.CardReader
}

func main() {
	cfgfile := flag.String("cfg", "rfidagent.yml", "Config file")
	registerArg := flag.String("register", "", "Register this terminal: phone:password")
	deviceName := flag.String("device-name", "RFID Terminal", "Terminal name used at registration")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("service", "rfidagent").Logger()

	cfg, err := loadConfig(*cfgfile)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if cfg.LogLevel != "" {
		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}

	log.Info().Str("build", myBuild).Msg("rfid agent starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	credPath, err := session.CredentialsPath()
	if err != nil {
		log.Fatal().Err(err).Msg("state directory")
	}

	bc := backend.New(cfg.BackendURL)

	ident, ok, err := session.LoadIdentity(credPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load credentials")
	}

	switch {
	case *registerArg != "":
		phone, password, found := strings.Cut(*registerArg, ":")
		if !found || phone == "" || password == "" {
			log.Fatal().Msg("-register expects phone:password")
		}
		resp, err := bc.Register(ctx, backend.RegisterRequest{
			Phone:      phone,
			Password:   password,
			DeviceID:   uuid.NewString(),
			DeviceName: *deviceName,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("registration failed")
		}
		ident = session.Identity{
			TerminalID:   resp.TerminalID,
			ShopID:       resp.ShopID,
			AuthToken:    resp.AuthToken,
			ShopName:     resp.ShopName,
			TerminalName: resp.TerminalName,
			Queue:        resp.Queue,
		}
		if err := session.SaveIdentity(credPath, ident); err != nil {
			log.Fatal().Err(err).Msg("save credentials")
		}

	case !ok:
		log.Fatal().Msg("no saved credentials; run with -register phone:password")
	}

	// refresh broker settings from the backend before connecting
	if rc, err := bc.FetchConfig(ctx, ident.TerminalID, ident.AuthToken); err == nil {
		applyRemoteConfig(&cfg, rc)
	} else {
		log.Warn().Err(err).Msg("could not fetch remote config, using local settings")
	}
	applyIdentity(&cfg, ident)

	sess, err := session.New(ident, cfg.Reader, cfg.Queue)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	board := status.NewBoard()
	board.Subscribe(func(s status.Snapshot) {
		log.Debug().
			Bool("reader", s.ReaderConnected).
			Bool("queue", s.QueueConnected).
			Str("scan", s.ScanState).
			Msg("status changed")
	})

	rdr, err := reader.New(sess.ReaderConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("init reader")
	}
	board.SetReaderConnected(true)

	qc, err := queue.New(sess.QueueConfig(), ident.TerminalID, queue.Handlers{
		OnConnect:    func() { board.SetQueueConnected(true) },
		OnDisconnect: func() { board.SetQueueConnected(false) },
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init queue")
	}

	coord := scan.New(scan.Options{
		Reader:     rdr,
		Publisher:  qc,
		TerminalID: ident.TerminalID,
		Window:     time.Duration(cfg.ScanWindowSecs) * time.Second,
		OnState:    func(s scan.State) { board.SetScanState(s.String()) },
	})
	qc.Consume(coord.Handle)

	app := &App{
		cfgPath: *cfgfile,
		sess:    sess,
		backend: bc,
		coord:   coord,
		queue:   qc,
		board:   board,
		reader:  rdr,
	}

	go func() {
		if err := qc.Connect(); err != nil {
			log.Error().Err(err).Msg("broker connect")
		}
	}()
	go app.heartbeat(ctx, time.Duration(cfg.HeartbeatSecs)*time.Second)

	if err := session.Watch(ctx, *cfgfile, func() { app.resync(ctx) }); err != nil {
		log.Warn().Err(err).Msg("config watch disabled")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, sdCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer sdCancel()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("coordinator shutdown")
	}

	qc.Disconnect()
	if err := app.currentReader().Close(); err != nil {
		log.Warn().Err(err).Msg("close reader")
	}

	log.Info().Msg("shutdown complete")
}

func (app *App) currentReader() reader.CardReader {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.reader
}

// heartbeat marks the terminal online immediately and then on every
// tick, over both the HTTP API and the broker status topic.
func (app *App) heartbeat(ctx context.Context, interval time.Duration) {
	ident := app.sess.Identity()
	app.sendHeartbeat(ctx, ident)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.sendHeartbeat(ctx, ident)
		}
	}
}

func (app *App) sendHeartbeat(ctx context.Context, ident session.Identity) {
	if err := app.backend.Heartbeat(ctx, ident.TerminalID, ident.AuthToken); err != nil {
		log.Warn().Err(err).Msg("heartbeat failed")
	}
	app.queue.PublishStatus()
}

// resync reloads the configuration file and swaps the reader and
// broker links. The coordinator is quiesced first so the swap never
// races an in-flight scan; a resync requested while a scan is armed
// simply waits for it to finish.
func (app *App) resync(ctx context.Context) {
	log.Info().Msg("configuration change detected, resyncing")

	newCfg, err := loadConfig(app.cfgPath)
	if err != nil {
		log.Warn().Err(err).Msg("resync aborted: config unreadable")
		return
	}
	applyIdentity(&newCfg, app.sess.Identity())

	qctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := app.coord.Quiesce(qctx); err != nil {
		log.Warn().Err(err).Msg("resync aborted: coordinator never went idle")
		return
	}
	defer app.coord.Resume()

	if err := app.sess.Swap(newCfg.Reader, newCfg.Queue); err != nil {
		log.Warn().Err(err).Msg("resync aborted: invalid configuration")
		return
	}

	app.board.SetReaderConnected(false)
	if old := app.currentReader(); old != nil {
		if err := old.Close(); err != nil {
			log.Warn().Err(err).Msg("close old reader")
		}
	}

	rdr, err := reader.New(newCfg.Reader)
	if err != nil {
		log.Error().Err(err).Msg("resync: reopen reader")
	} else {
		app.mu.Lock()
		app.reader = rdr
		app.mu.Unlock()
		app.coord.SetReader(rdr)
		app.board.SetReaderConnected(true)
	}

	app.queue.Reconnect(newCfg.Queue)
	log.Info().Msg("resync complete")
}

func applyRemoteConfig(cfg *Config, rc backend.RemoteConfig) {
	if rc.BrokerHost != "" {
		cfg.Queue.Host = rc.BrokerHost
	}
	if rc.BrokerPort != 0 {
		cfg.Queue.Port = rc.BrokerPort
	}
	if rc.BrokerUser != "" {
		cfg.Queue.Username = rc.BrokerUser
	}
	if rc.BrokerPass != "" {
		cfg.Queue.Password = rc.BrokerPass
	}
	if rc.ReaderBaud != 0 {
		cfg.Reader.Baud = rc.ReaderBaud
	}
}

// applyIdentity pins the inbound queue to the one the backend assigned
// at registration.
func applyIdentity(cfg *Config, ident session.Identity) {
	if ident.Queue != "" {
		cfg.Queue.Inbound = ident.Queue
	}
}
