// Command boardctl inspects and edits project boards directly against the
// project-management backend.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pms-board/backend"
)

var Version = "dev"

type app struct {
	v      *viper.Viper
	logger *log.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), logger: log.New()}
	a.logger.SetOutput(os.Stderr)
	a.logger.SetLevel(log.WarnLevel)

	root := &cobra.Command{
		Use:           "boardctl",
		Short:         "Inspect and edit project boards",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Config file (yaml, json or toml)")
	flags.String("backend-url", "", "Base URL of the project-management backend")
	flags.Duration("timeout", 10*time.Second, "Per-request timeout")
	flags.String("token", "", "Bearer token sent to the backend")
	flags.Bool("json", false, "Print JSON instead of text")
	flags.BoolP("verbose", "v", false, "Log backend requests")
	_ = a.v.BindPFlags(flags)

	a.v.SetEnvPrefix("BOARDCTL")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		a.projectsCmd(),
		a.projectCmd(),
		a.boardCmd(),
		a.moveCmd(),
		a.doneCmd(),
		a.assignCmd(),
		a.meetingCmd(),
		a.tokenCmd(),
	)
	return root
}

func (a *app) loadConfig() error {
	if path := a.v.GetString("config"); path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if a.v.GetBool("verbose") {
		a.logger.SetLevel(log.DebugLevel)
	}
	return nil
}

func (a *app) client() (*backend.Client, error) {
	url := a.v.GetString("backend-url")
	if url == "" {
		return nil, fmt.Errorf("backend url is not set (use --backend-url or BOARDCTL_BACKEND_URL)")
	}
	return backend.New(url, a.logger,
		backend.WithTimeout(a.v.GetDuration("timeout")),
		backend.WithBearer(a.v.GetString("token")),
	)
}
