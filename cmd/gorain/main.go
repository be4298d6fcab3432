// Command gorain is the CLI driver: download a torrent's content to a
// local file, or inspect a torrent file without downloading. Mirrors the
// teacher's main.go app.Commands/app.Flags shape, trimmed to this
// engine's two operations.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/gorain/internal/config"
	"github.com/cenkalti/gorain/internal/logger"
	"github.com/cenkalti/gorain/internal/metainfo"
	"github.com/cenkalti/gorain/internal/statsdb"
	"github.com/cenkalti/gorain/torrent"
	clog "github.com/cenkalti/log"
	"github.com/hokaccha/go-prettyjson"
	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli"
	"github.com/zeebo/bencode"
)

var (
	app = cli.NewApp()
	log = logger.New("gorain")
)

func main() {
	app.Name = "gorain"
	app.Usage = "single-swarm BitTorrent peer"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "enable debug log",
		},
	}
	app.Before = handleBeforeCommand
	app.Commands = []cli.Command{
		{
			Name:      "download",
			Usage:     "download the torrent to a file",
			ArgsUsage: "FILE.torrent",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "out, o",
					Usage: "destination file `PATH`",
					Value: "download.data",
				},
				cli.StringFlag{
					Name:  "config, c",
					Usage: "read config from `FILE`",
					Value: "~/gorain/config.yaml",
				},
			},
			Action: handleDownload,
		},
		{
			Name:      "show",
			Usage:     "show contents of the torrent file",
			ArgsUsage: "FILE.torrent",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "stats",
					Usage: "also show completion stats from the local state database",
				},
			},
			Action: handleShow,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func handleBeforeCommand(c *cli.Context) error {
	if c.GlobalBool("debug") {
		logger.SetLevel(clog.DEBUG)
	}
	return nil
}

func handleDownload(c *cli.Context) error {
	arg := c.Args().Get(0)
	if arg == "" {
		return cli.NewExitError("missing torrent file argument", 1)
	}

	f, err := os.Open(arg) // nolint: gosec
	if err != nil {
		return err
	}
	info, err := metainfo.Parse(f)
	_ = f.Close()
	if err != nil {
		return err
	}

	configPath := c.String("config")
	cfg, err := config.Load(configPath, config.Default())
	if err != nil {
		return err
	}

	dataPath := c.String("out")
	eng, err := torrent.New(cfg, info, dataPath)
	if err != nil {
		return err
	}

	if err := eng.Start(); err != nil {
		return err
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)

	doneC := make(chan bool, 1)
	go func() { doneC <- eng.Wait(0) }()

	select {
	case complete := <-doneC:
		if complete {
			log.Notice("download complete")
			recordCompletion(cfg, info)
		}
	case s := <-sigC:
		log.Noticef("received %s, stopping", s)
	}

	return eng.Close()
}

func recordCompletion(cfg config.Config, info *metainfo.Info) {
	dir, err := homedir.Expand(cfg.DataDir)
	if err != nil {
		log.Errorf("state db: %v", err)
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Errorf("state db: %v", err)
		return
	}
	db, err := statsdb.Open(dir + "/state.db")
	if err != nil {
		log.Errorf("state db: %v", err)
		return
	}
	defer db.Close()

	rec := statsdb.Record{
		InfoHash:      info.InfoHash,
		CompletedUnix: time.Now().Unix(),
		TotalLength:   info.TotalLength,
	}
	if err := db.RecordCompletion(rec); err != nil {
		log.Errorf("state db: %v", err)
	}
}

func handleShow(c *cli.Context) error {
	arg := c.Args().Get(0)
	if arg == "" {
		return cli.NewExitError("missing torrent file argument", 1)
	}

	f, err := os.Open(arg) // nolint: gosec
	if err != nil {
		return err
	}
	defer f.Close()

	val := make(map[string]interface{})
	if err := bencode.NewDecoder(f).Decode(&val); err != nil {
		return err
	}
	if info, ok := val["info"].(map[string]interface{}); ok {
		if pieces, ok := info["pieces"].(string); ok {
			info["pieces"] = fmt.Sprintf("<<< %d bytes of data >>>", len(pieces))
		}
	}
	b, err := prettyjson.Marshal(val)
	if err != nil {
		return err
	}
	_, _ = os.Stdout.Write(b)
	_, _ = os.Stdout.WriteString("\n")

	if c.Bool("stats") {
		showStats(arg)
	}
	return nil
}

func showStats(torrentPath string) {
	f, err := os.Open(torrentPath) // nolint: gosec
	if err != nil {
		log.Errorf("state db: %v", err)
		return
	}
	info, err := metainfo.Parse(f)
	_ = f.Close()
	if err != nil {
		log.Errorf("state db: %v", err)
		return
	}

	dir, err := homedir.Expand(config.Default().DataDir)
	if err != nil {
		log.Errorf("state db: %v", err)
		return
	}
	db, err := statsdb.Open(dir + "/state.db")
	if err != nil {
		log.Errorf("state db: %v", err)
		return
	}
	defer db.Close()

	rec, ok, err := db.Get(info.InfoHash)
	if err != nil {
		log.Errorf("state db: %v", err)
		return
	}
	if !ok {
		fmt.Println("no completion record for this torrent")
		return
	}
	fmt.Printf("completed: %s, total: %d bytes\n", time.Unix(rec.CompletedUnix, 0), rec.TotalLength)
}
