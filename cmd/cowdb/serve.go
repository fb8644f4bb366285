// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"

	"github.com/kianostad/cowdb"
	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/monitoring/metrics"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve metrics, info and the reader table over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m := metrics.NewMetrics()
		defer m.Close()
		env, log, err := openEnv(cmd, true, m)
		if err != nil {
			return err
		}
		defer env.Close()

		app := newServer(env, m)
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			app.Shutdown()
		}()

		log.WithField("addr", serveAddr).Info("serving")
		return app.Listen(serveAddr)
	},
}

// newServer routes the monitoring endpoints of env.
func newServer(env *cowdb.Env, m *metrics.Metrics) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := http.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			} else if errs.IsRetryable(err) {
				code = http.StatusServiceUnavailable
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Get("/metrics", func(c *fiber.Ctx) error {
		m.Flush()
		c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
		return c.SendString(m.ExportPrometheus())
	})
	app.Get("/stats", func(c *fiber.Ctx) error {
		m.Flush()
		return c.JSON(m.GetStats())
	})
	app.Get("/info", func(c *fiber.Ctx) error {
		info, err := env.Info()
		if err != nil {
			return err
		}
		return c.JSON(info)
	})
	app.Get("/readers", func(c *fiber.Ctx) error {
		return c.JSON(env.ReaderList())
	})
	app.Get("/check", func(c *fiber.Ctx) error {
		rep, err := env.Check()
		if err != nil {
			return err
		}
		return c.JSON(rep)
	})
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":9180", "listen address")
	RootCmd.AddCommand(serveCmd)
}
