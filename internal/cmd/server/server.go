// Package server parses bridge command flags and composes the runtime:
// the session lifecycle manager, the dispatch pipeline, and the HTTP
// surface.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	entrypoint "github.com/lukwago/waorder/internal/platform/cmd"
	"github.com/lukwago/waorder/internal/services/bridge/app"
	"github.com/lukwago/waorder/internal/services/bridge/dispatch"
	"github.com/lukwago/waorder/internal/services/bridge/render"
	"github.com/lukwago/waorder/internal/services/bridge/session"
	waengine "github.com/lukwago/waorder/internal/services/bridge/session/whatsmeow"
)

// Config holds bridge command configuration.
type Config struct {
	Port              int           `env:"WAORDER_PORT"                 envDefault:"8080"`
	StoreDSN          string        `env:"WAORDER_STORE_DSN"`
	ScratchDir        string        `env:"WAORDER_SCRATCH_DIR"          envDefault:"data/scratch"`
	BaseURL           string        `env:"WAORDER_BASE_URL"             envDefault:"http://localhost:8080"`
	OperatorPhone     string        `env:"WAORDER_OPERATOR_PHONE"`
	CountryPrefix     string        `env:"WAORDER_COUNTRY_PREFIX"       envDefault:"256"`
	PageSize          int           `env:"WAORDER_PAGE_SIZE"            envDefault:"10"`
	SendDelay         time.Duration `env:"WAORDER_SEND_DELAY"           envDefault:"800ms"`
	ReinitDelay       time.Duration `env:"WAORDER_REINIT_DELAY"         envDefault:"10s"`
	LogoutDelay       time.Duration `env:"WAORDER_LOGOUT_DELAY"         envDefault:"5s"`
	RestartOnAuthFail bool          `env:"WAORDER_RESTART_ON_AUTH_FAIL" envDefault:"true"`
	DispatchStrict    bool          `env:"WAORDER_DISPATCH_STRICT"      envDefault:"false"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	fs.StringVar(&cfg.StoreDSN, "store-dsn", cfg.StoreDSN, "sqlite DSN for the durable session store (empty disables messaging)")
	fs.StringVar(&cfg.ScratchDir, "scratch-dir", cfg.ScratchDir, "directory for ephemeral session and receipt artifacts")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "public base URL shown on operator pages")
	fs.StringVar(&cfg.OperatorPhone, "operator-phone", cfg.OperatorPhone, "fixed business recipient phone")
	fs.StringVar(&cfg.CountryPrefix, "country-prefix", cfg.CountryPrefix, "country prefix for phone normalization")
	fs.IntVar(&cfg.PageSize, "page-size", cfg.PageSize, "items per rendered receipt page")
	fs.DurationVar(&cfg.SendDelay, "send-delay", cfg.SendDelay, "fixed delay between consecutive sends")
	fs.DurationVar(&cfg.ReinitDelay, "reinit-delay", cfg.ReinitDelay, "interval between failed session initialization attempts")
	fs.DurationVar(&cfg.LogoutDelay, "logout-delay", cfg.LogoutDelay, "pause between a credential purge and re-initialization")
	fs.BoolVar(&cfg.RestartOnAuthFail, "restart-on-auth-fail", cfg.RestartOnAuthFail, "re-initialize after authentication failures")
	fs.BoolVar(&cfg.DispatchStrict, "dispatch-strict", cfg.DispatchStrict, "propagate the first send failure instead of best-effort delivery")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the bridge runtime and serves until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceBridge, func(context.Context) error {
		var sessions app.Sessions
		var dispatcher app.Dispatcher

		if strings.TrimSpace(cfg.StoreDSN) != "" {
			manager := session.NewManager(session.Config{
				ScratchDir:        filepath.Join(cfg.ScratchDir, "session"),
				ReinitDelay:       cfg.ReinitDelay,
				LogoutDelay:       cfg.LogoutDelay,
				RestartOnAuthFail: cfg.RestartOnAuthFail,
			}, waengine.NewFactory(cfg.StoreDSN))
			go func() {
				if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("session manager stopped: %v", err)
				}
			}()

			renderer, err := render.NewReceipts(filepath.Join(cfg.ScratchDir, "receipts"))
			if err != nil {
				return fmt.Errorf("init receipt renderer: %w", err)
			}
			operator, ok := dispatch.NormalizePhone(cfg.OperatorPhone, cfg.CountryPrefix)
			if !ok {
				return fmt.Errorf("operator phone %q does not normalize to a channel address", cfg.OperatorPhone)
			}

			sessions = manager
			dispatcher = dispatch.New(dispatch.Config{
				OperatorAddress: operator,
				CountryPrefix:   cfg.CountryPrefix,
				PageSize:        cfg.PageSize,
				SendDelay:       cfg.SendDelay,
				Strict:          cfg.DispatchStrict,
			}, manager, renderer)
		} else {
			log.Printf("WAORDER_STORE_DSN is empty; messaging session disabled, HTTP only")
		}

		return app.Run(ctx, app.Config{
			Port:    cfg.Port,
			BaseURL: cfg.BaseURL,
		}, sessions, dispatcher)
	})
}
