// portxferd is a two-channel TCP file-transfer server: a control
// connection carries line requests and ephemeral data-port announcements,
// while the requested payload flows over a short-lived per-request data
// connection.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/fclairamb/go-log"
	"github.com/spf13/afero"

	"github.com/fclairamb/portxferd/internal/aclstore"
	"github.com/fclairamb/portxferd/internal/config"
	"github.com/fclairamb/portxferd/internal/console"
	"github.com/fclairamb/portxferd/internal/dirtree"
	"github.com/fclairamb/portxferd/internal/portalloc"
	"github.com/fclairamb/portxferd/internal/workerpool"
	"github.com/fclairamb/portxferd/internal/xferserver"
	"github.com/fclairamb/portxferd/internal/xlog"
)

// configRecord adapts config.Settings to console.ConfigRecord.
type configRecord struct {
	settings config.Settings
	active   *aclstore.Store
}

func (c configRecord) String() string {
	return fmt.Sprintf(
		"command_address=%s data_dir_path=%s serialized_lists_path=%s "+
			"white_list_file_name=%s ban_list_file_name=%s server_num_threads=%d "+
			"buffer_size=%d first_port=%d last_port=%d active_list=%s",
		c.settings.CommandAddress, c.settings.DataDirPath, c.settings.SerializedListsPath,
		c.settings.WhiteListFileName, c.settings.BanListFileName, c.settings.ServerNumThreads,
		c.settings.BufferSize, c.settings.FirstPort, c.settings.LastPort, c.active.Active(),
	)
}

func main() {
	var confPathFlag string

	flag.StringVar(&confPathFlag, "conf", "", "Configuration file (overrides CONFIG_PATH)")
	flag.Parse()

	logger := xlog.NewStdout()

	confPath := confPathFlag
	if confPath == "" {
		confPath = config.Path()
	}

	settings, err := config.LoadFrom(confPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", confPath, "err", err)
		os.Exit(1)
	}

	if err := run(logger, settings); err != nil {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, settings config.Settings) error {
	tree, err := dirtree.New(afero.NewOsFs(), settings.DataDirPath)
	if err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	acl := aclstore.New(aclstore.AllowList, settings.WhiteListFileName, settings.BanListFileName)

	if settings.SerializedListsPath != "" {
		if err := acl.Load(settings.SerializedListsPath); err != nil {
			return fmt.Errorf("loading persisted lists: %w", err)
		}
	}

	allocator := portalloc.New(settings.FirstPort, settings.LastPort)
	pool := workerpool.New(settings.ServerNumThreads, settings.ServerNumThreads*4)

	srv := xferserver.New(logger.With("component", "xferserver"), tree, allocator, acl, pool, settings.BufferSize)

	cons := console.New(acl, logger.With("component", "console"), configRecord{settings: settings, active: acl})

	consoleDone := make(chan struct{})

	go func() {
		defer close(consoleDone)

		cons.Run(os.Stdin, os.Stdout)
		srv.RequestShutdown()
	}()

	go handleSignals(srv, cons)

	serveErr := srv.Start(settings.CommandAddress)

	cons.Stop()
	pool.Shutdown()

	<-consoleDone

	if settings.SerializedListsPath != "" {
		if err := acl.Save(settings.SerializedListsPath); err != nil {
			return fmt.Errorf("persisting lists: %w", err)
		}
	}

	return serveErr
}

func handleSignals(srv *xferserver.Server, cons *console.Console) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(ch)

	<-ch
	srv.RequestShutdown()
	cons.Stop()
}
