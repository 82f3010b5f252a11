package main

import (
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"taskhub/internal/logging"
	"taskhub/internal/remote"
	"taskhub/internal/store"
)

func serveCmd(load configLoader) *cobra.Command {
	var (
		listen   string
		token    string
		newToken bool
		insecure bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the task store over a websocket",
		Long: `Serve the task store so desktop shells can connect with store.addr.

Examples:
  taskhub-store serve --listen 127.0.0.1:9191
  taskhub-store serve --listen :9191 --generate-token`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := logging.Init(logging.Config{
				LogDir:     cfg.Logging.Dir,
				MaxAge:     cfg.Logging.MaxAge,
				JSONOutput: cfg.Logging.JSON,
				DevMode:    true,
			}); err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			defer logging.Shutdown()

			if !cmd.Flags().Changed("listen") {
				listen = cfg.Store.Listen
			}
			if token == "" {
				token = cfg.Store.Token
			}
			if token == "" && newToken {
				if token, err = remote.GenerateToken(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Token: %s\n", token)
			}
			if err := checkExposure(listen, token, insecure); err != nil {
				return err
			}
			if token == "" && insecure && !isLoopback(listen) {
				logging.Warn("Serving without a token on a non-loopback address", "listen", listen)
			}

			st, err := store.New(serveOptions(cfg))
			if err != nil {
				return err
			}
			defer st.Close()

			srv := remote.NewServer(st, token)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe(listen) }()

			fmt.Fprintf(cmd.OutOrStdout(), "Serving store on %s (epoch %s)\n", listen, st.Epoch())
			select {
			case err := <-errc:
				srv.Stop()
				return err
			case <-ctx.Done():
			}
			logging.Info("Shutting down store server")
			return srv.Stop()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default store.listen)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token clients must present (default store.token)")
	cmd.Flags().BoolVar(&newToken, "generate-token", false, "generate a token when none is configured")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "allow serving without a token on a non-loopback address")
	return cmd
}

// checkExposure refuses to serve the store to the network without a token
func checkExposure(listen, token string, insecure bool) error {
	if token != "" || insecure || isLoopback(listen) {
		return nil
	}
	return fmt.Errorf("refusing to serve %s without a token: set --token, --generate-token or --insecure", listen)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
