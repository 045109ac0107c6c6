package main

import (
	"fmt"
	"io"
	"os"
	"time"

	idmapped "github.com/lxc/mount-idmapped"
	"github.com/lxc/mount-idmapped/pkg/log"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"sigs.k8s.io/yaml"
)

var (
	defaultConfigFile = "/etc/mount-idmapped/config.yaml"
	version           = "undefined"
)

type app struct {
	LogConfig   log.Config
	Executables executables

	Log       zerolog.Logger `json:"-"`
	logCloser io.Closer

	configFile string
}

type executables struct {
	// Anchor is the user namespace anchor executable.
	// The running binary is used if empty.
	Anchor string `json:",omitempty"`
	// UsernsExec runs the command of --map-caller in a new user namespace.
	UsernsExec string `json:",omitempty"`
	// Shell is the command that is run by UsernsExec
	// if no command is given on the command line.
	Shell string `json:",omitempty"`
}

var defaultApp = app{
	LogConfig: log.Config{
		Level:   "warn",
		Console: true,
	},
	Executables: executables{
		UsernsExec: "lxc-usernsexec",
		Shell:      "bash",
	},
}

var clim = defaultApp

func (app *app) configureLogger() error {
	l, closer, err := log.Open(app.LogConfig)
	if err != nil {
		return err
	}
	app.Log = l
	app.logCloser = closer
	return nil
}

func (app *app) releaseLog() error {
	if app.logCloser != nil {
		return app.logCloser.Close()
	}
	return nil
}

func loadConfig() error {
	clim.configFile = defaultConfigFile
	if val, ok := os.LookupEnv("MOUNT_IDMAPPED_CONFIG"); ok {
		clim.configFile = val
	}
	return clim.loadConfigFile(clim.configFile, clim.configFile == defaultConfigFile)
}

func (app *app) loadConfigFile(configFile string, missingOk bool) error {
	// #nosec
	data, err := os.ReadFile(configFile)
	// Don't fail if the default config file does not exist.
	if os.IsNotExist(err) && missingOk {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, app)
}

func main() {
	// Must run before anything else, the binary is its own namespace anchor.
	idmapped.RunAnchor()

	app := cli.NewApp()
	app.Name = "mount-idmapped"
	app.Usage = "create an idmapped mount of <source> at <target>"
	app.UsageText = "mount-idmapped [options] <source> <target> [cmd...]"
	app.Version = version
	app.HideHelpCommand = true

	// Disable the default ExitErrHandler.
	// It will call os.Exit if an action returns an error that implements
	// the cli.ExitCoder interface.
	app.ExitErrHandler = func(context *cli.Context, err error) {}

	err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read config file %s: %s\n", clim.configFile, err)
		os.Exit(1)
	}

	app.Flags = []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "map-mount",
			Aliases: []string{"m"},
			Usage:   "add an idmap `<b|u|g>:<nsid>:<hostid>:<range>` for the mount (repeatable)",
		},
		&cli.StringFlag{
			Name:  "map-caller",
			Usage: "run [cmd...] with lxc-usernsexec -m `<spec>` after the mount is attached",
		},
		&cli.StringFlag{
			Name:  "map-spec",
			Usage: "add the linux.uidMappings and linux.gidMappings of an OCI runtime `config.json`",
		},
		&cli.StringFlag{
			Name:  "attr",
			Usage: "additional mount attributes e.g `ro,nosuid,nodev,noexec,noatime`",
		},
		&cli.BoolFlag{
			Name:    "recursive",
			Aliases: []string{"r"},
			Usage:   "clone the mount tree below <source> including all submounts",
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "print the idmaps and planned operations without mounting",
		},
		&cli.BoolFlag{
			Name:  "check",
			Usage: "check whether the running kernel supports idmapped mounts",
		},
		&cli.BoolFlag{
			Name:  "show-config",
			Usage: "print the effective configuration as yaml",
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "set the log level (trace|debug|info|warn|error)",
			EnvVars:     []string{"MOUNT_IDMAPPED_LOG_LEVEL"},
			Value:       clim.LogConfig.Level,
			Destination: &clim.LogConfig.Level,
		},
		&cli.StringFlag{
			Name:        "log-file",
			Usage:       "write JSON log output to this file instead of the console",
			EnvVars:     []string{"MOUNT_IDMAPPED_LOG_FILE"},
			Value:       clim.LogConfig.File,
			Destination: &clim.LogConfig.File,
		},
		&cli.BoolFlag{
			Name:        "log-console",
			Usage:       "write human readable log output to stderr. --log-file is ignored",
			EnvVars:     []string{"MOUNT_IDMAPPED_LOG_CONSOLE"},
			Value:       clim.LogConfig.Console,
			Destination: &clim.LogConfig.Console,
		},
		&cli.StringFlag{
			Name:        "anchor",
			Usage:       "user namespace anchor executable (defaults to the running binary)",
			EnvVars:     []string{"MOUNT_IDMAPPED_ANCHOR"},
			Value:       clim.Executables.Anchor,
			Destination: &clim.Executables.Anchor,
		},
		&cli.StringFlag{
			Name:        "usernsexec",
			Usage:       "executable used by --map-caller",
			EnvVars:     []string{"MOUNT_IDMAPPED_USERNSEXEC"},
			Value:       clim.Executables.UsernsExec,
			Destination: &clim.Executables.UsernsExec,
		},
	}

	// Print usage errors as a single line to stderr.
	app.OnUsageError = func(context *cli.Context, err error, isSubcommand bool) error {
		return fmt.Errorf("%w: %s", idmapped.ErrUsage, err)
	}

	app.Before = func(ctx *cli.Context) error {
		// --log-file selects the file logger unless --log-console is set explicitly.
		if ctx.IsSet("log-file") && !ctx.IsSet("log-console") {
			clim.LogConfig.Console = false
		}
		if err := clim.configureLogger(); err != nil {
			return fmt.Errorf("failed to configure logger: %w", err)
		}
		return nil
	}
	app.Action = doMount

	startTime := time.Now()
	err = app.Run(os.Args)
	cmdDuration := time.Since(startTime)

	if err != nil {
		os.Exit(clim.reportError(os.Stderr, err, cmdDuration))
	}

	clim.Log.Debug().Dur("duration", cmdDuration).Msg("cmd completed")
	if err := clim.releaseLog(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// reportError logs the failed command, releases the log and writes
// a single line diagnostic to stderr. It returns the exit status.
func (app *app) reportError(stderr io.Writer, err error, cmdDuration time.Duration) int {
	// The console logger writes to stderr as well.
	ev := app.Log.Error()
	if app.LogConfig.Console {
		ev = app.Log.Debug()
	}
	ev.Err(err).Dur("duration", cmdDuration).Msg("cmd failed")
	app.releaseLog()
	fmt.Fprintln(stderr, err.Error())
	return 1
}

func doMount(ctx *cli.Context) error {
	if ctx.Bool("show-config") {
		return doShowConfig(os.Stdout, &clim)
	}

	if ctx.Bool("check") {
		if !idmapped.KernelSupportsIDMappedMounts() {
			return fmt.Errorf("%w: idmapped mounts are not supported by the running kernel", idmapped.ErrKernel)
		}
		fmt.Println("idmapped mounts are supported")
		return nil
	}

	args := ctx.Args().Slice()
	if len(args) < 2 {
		return fmt.Errorf("%w: missing <source> and <target> (see --help)", idmapped.ErrUsage)
	}
	source, target, cmd := args[0], args[1], args[2:]

	set, err := collectIDMaps(ctx.StringSlice("map-mount"), ctx.String("map-spec"))
	if err != nil {
		return err
	}
	if set.Empty() {
		clim.Log.Warn().Msg("No idmaps specified for the mount")
	}

	attrs, err := idmapped.ParseMountAttrs(ctx.String("attr"))
	if err != nil {
		return err
	}

	mapCaller := ctx.String("map-caller")
	var usernsexec []string
	if mapCaller != "" {
		usernsexec, err = usernsexecArgs(clim.Executables, mapCaller, cmd)
		if err != nil {
			return err
		}
	}

	if ctx.Bool("dry-run") {
		return printPlan(os.Stdout, source, target, set, attrs, ctx.Bool("recursive"), usernsexec)
	}

	userns := idmapped.NewUsernsProvisioner(clim.Log, clim.Executables.Anchor)
	m := idmapped.NewMounter(clim.Log, userns)
	m.Attrs = attrs
	m.Recursive = ctx.Bool("recursive")
	if err := m.Mount(source, target, set); err != nil {
		return err
	}

	if usernsexec == nil {
		return nil
	}
	clim.Log.Debug().Strs("argv", usernsexec).Msg("executing command in caller user namespace")
	// The log file is opened with O_CLOEXEC and closed by exec.
	return execUsernsexec(usernsexec)
}

func doShowConfig(out io.Writer, a *app) error {
	data, err := yaml.Marshal(a)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "---\n%s---\n", string(data))
	return err
}
