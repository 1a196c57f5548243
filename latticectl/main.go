package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/latticehq/lattice/lattice"
)

const LatticeCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

type ctlConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Ssl      bool   `yaml:"ssl"`
	Provider string `yaml:"provider"`
	Token    string `yaml:"token"`
}

func main() {
	usage := fmt.Sprintf(
		`Lattice control.

Usage:
    latticectl listen [options] <key>
    latticectl write [options] [--acl=<acl>] <key> <data>
    latticectl delete [options] <key>
    latticectl acls [options]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --config=<config>        Config file [default: %s].
    --host=<host>            Store host.
    --port=<port>            Store port.
    --ssl                    Use wss.
    --provider=<provider>    Auth provider name.
    --token=<token>          Auth token. Prompted when a provider is set
                             and no token is given.
    --acl=<acl>              One of the static acl identifiers.`,
		defaultConfigPath(),
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LatticeCtlVersion)
	if err != nil {
		panic(err)
	}

	app := connectApp(opts)
	defer app.Close()

	if listen, _ := opts.Bool("listen"); listen {
		listenCmd(opts, app)
	} else if write, _ := opts.Bool("write"); write {
		writeCmd(opts, app)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		deleteCmd(opts, app)
	} else if acls, _ := opts.Bool("acls"); acls {
		aclsCmd(app)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".latticectl.yaml"
	}
	return filepath.Join(home, ".latticectl.yaml")
}

func loadConfig(path string) *ctlConfig {
	config := &ctlConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		return config
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		Err.Fatalf("bad config %s: %s", path, err)
	}
	return config
}

func connectApp(opts docopt.Opts) *lattice.App {
	configPath, _ := opts.String("--config")
	config := loadConfig(configPath)

	if host, err := opts.String("--host"); err == nil && host != "" {
		config.Host = host
	}
	if port, err := opts.Int("--port"); err == nil && port != 0 {
		config.Port = port
	}
	if ssl, _ := opts.Bool("--ssl"); ssl {
		config.Ssl = true
	}
	if provider, err := opts.String("--provider"); err == nil && provider != "" {
		config.Provider = provider
	}
	if token, err := opts.String("--token"); err == nil && token != "" {
		config.Token = token
	}

	if config.Host == "" {
		Err.Fatalf("missing --host")
	}
	if config.Port == 0 {
		config.Port = 8443
	}

	app, err := lattice.Connect(config.Host, config.Port, config.Ssl)
	if err != nil {
		Err.Fatalf("%s", err)
	}

	if config.Provider != "" {
		token := config.Token
		if token == "" {
			token = promptToken(config.Provider)
		}
		authData, err := app.Authenticate(config.Provider, token).Get()
		if err != nil {
			Err.Fatalf("authenticate: %s", err)
		}
		Out.Printf("authenticated uid=%s session=%s", authData.Uid, authData.SessionUuid)
	}
	return app
}

func promptToken(provider string) string {
	fmt.Fprintf(os.Stderr, "%s token: ", provider)
	token, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("read token: %s", err)
	}
	return string(token)
}

func listenCmd(opts docopt.Opts, app *lattice.App) {
	path, _ := opts.String("<key>")
	key := app.Key(path)

	app.Transport().AddStateCallback(func(state lattice.TransportState) {
		Err.Printf("session %s", state)
	})

	key.Listen(func(err error, value *lattice.Value) {
		if err != nil {
			Err.Fatalf("listen %s: %s", path, err)
		}
		if value.Exists {
			Out.Printf("%s@%d %s", value.Key, value.Vts, value.Data)
		} else {
			Out.Printf("%s@%d (deleted)", value.Key, value.Vts)
		}
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	key.Unlisten()
}

func writeCmd(opts docopt.Opts, app *lattice.App) {
	path, _ := opts.String("<key>")
	data, _ := opts.String("<data>")
	acl, _ := opts.String("--acl")

	key := app.Key(path)
	var result error
	if acl != "" {
		_, result = key.WriteWithOptions(data, &lattice.WriteOptions{Acl: acl}).Get()
	} else {
		_, result = key.Write(data).Get()
	}
	if result != nil {
		Err.Fatalf("write %s: %s", path, result)
	}
	Out.Printf("ok")
}

func deleteCmd(opts docopt.Opts, app *lattice.App) {
	path, _ := opts.String("<key>")
	if _, err := app.Key(path).Delete().Get(); err != nil {
		Err.Fatalf("delete %s: %s", path, err)
	}
	Out.Printf("ok")
}

func aclsCmd(app *lattice.App) {
	acls, err := app.RefreshAcls().Get()
	if err != nil {
		Err.Fatalf("acls: %s", err)
	}
	for _, acl := range acls {
		Out.Printf("%s", acl)
	}
}
