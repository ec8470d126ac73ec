package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/birddigital/signalwire-callcard/pkg/config"
	"github.com/birddigital/signalwire-callcard/pkg/contacts"
	"github.com/birddigital/signalwire-callcard/pkg/messaging"
	"github.com/birddigital/signalwire-callcard/pkg/notification"
	"github.com/birddigital/signalwire-callcard/pkg/signalwire"
	"github.com/birddigital/signalwire-callcard/pkg/telephony"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "callcard",
	Short: "Incoming-call card service for SignalWire numbers",
	Long: `callcard holds inbound SignalWire calls while a handset shows an
incoming-call card, then answers, rejects or parks the call in a
persistent notification according to the user's choice.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./callcard.yaml, or $CALLCARD_CONFIG)")
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(validateConfigCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook and handset server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	// ============================================
	// STORAGE
	// ============================================

	var registryDB telephony.DB
	var infoCache contacts.InfoCache
	var directory contacts.DirectoryNotifier

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}

		pgCache := contacts.NewPGInfoCache(pool)
		if err := pgCache.EnsureSchema(ctx); err != nil {
			return err
		}
		registryDB = pool
		infoCache = pgCache
		directory = pgCache
	} else {
		log.Printf("[Main] No database configured, contacts resolve to numbers only")
		infoCache = contacts.NewPGInfoCache(nil)
	}

	registry := telephony.NewCallRegistry(registryDB)
	if err := registry.EnsureSchema(ctx); err != nil {
		return err
	}
	go registry.RunCleanup(ctx, cfg.Calls.CleanupInterval)

	// ============================================
	// CONTACT RESOLUTION
	// ============================================

	var prefixes *contacts.PrefixTable
	if cfg.Contacts.PrefixFile != "" {
		entries, err := config.LoadPrefixes(cfg.Contacts.PrefixFile)
		if err != nil {
			return err
		}
		prefixes = contacts.NewPrefixTable(entries)
		log.Printf("[Main] Loaded %d location prefixes", prefixes.Len())
	}
	location, err := contacts.StrategyByName(cfg.Contacts.LocationStrategy, prefixes)
	if err != nil {
		return err
	}

	resolverOpts := []contacts.ResolverOption{
		contacts.WithLocationStrategy(location),
		contacts.WithResolveTimeout(cfg.Contacts.ResolveTimeout),
	}
	if directory != nil {
		resolverOpts = append(resolverOpts, contacts.WithDirectoryNotifier(directory))
	}
	resolver := contacts.NewResolver(infoCache, resolverOpts...)

	placeholder, err := loadPlaceholder(cfg.Contacts.PlaceholderPhoto)
	if err != nil {
		return err
	}

	// ============================================
	// SIGNALWIRE & CALL CONTROL
	// ============================================

	client := signalwire.NewClient(cfg.SignalWire.ProjectID, cfg.SignalWire.Token, cfg.SignalWire.Space)
	if err := client.ValidateConfiguration(); err != nil {
		return err
	}

	var messenger telephony.RejectMessenger
	if cfg.SignalWire.FromNumber != "" {
		svc, err := messaging.NewMessageService(client, cfg.SignalWire.FromNumber, cfg.Messaging.RejectTemplate)
		if err != nil {
			return err
		}
		messenger = svc
	}

	control := telephony.NewCallControl(registry, client, messenger, cfg.AnswerURL())

	// ============================================
	// HANDSET, FALLBACK & CARD
	// ============================================

	bridge := telephony.NewHandsetBridge(cfg.Handset.Token)
	defer bridge.Close()

	signer, err := notification.NewActionSigner(cfg.Notification.ActionSecret, cfg.Notification.ActionTTL)
	if err != nil {
		return err
	}
	fallback := notification.NewFallback(bridge, control, signer)

	presenter, err := telephony.NewCardPresenter(telephony.PresenterConfig{
		Displays:             bridge,
		Resolver:             resolver,
		Control:              control,
		Telephony:            bridge,
		Fallback:             fallback,
		Placeholder:          placeholder,
		AllowDirectoryLookup: cfg.Contacts.AllowDirectoryLookup,
		CommandTimeout:       cfg.Card.CommandTimeout,
	})
	if err != nil {
		return err
	}
	defer presenter.Close()
	bridge.SetInboundHandler(presenter)

	handlers := telephony.NewCallHandlers(registry, control, presenter, bridge, client, telephony.HandlerConfig{
		RingbackURL:    cfg.SignalWire.RingbackURL,
		HoldSeconds:    cfg.SignalWire.HoldSeconds,
		ConnectTarget:  cfg.SignalWire.ConnectTarget,
		ConnectTimeout: cfg.SignalWire.ConnectTimeout,
	})

	// ============================================
	// HTTP SERVER
	// ============================================

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handlers.RegisterRoutes(router)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[Main] Listening on %s (public: %s)", cfg.Server.Addr, cfg.Server.PublicURL)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func loadPlaceholder(path string) (*contacts.Image, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read placeholder photo: %w", err)
	}
	return &contacts.Image{ContentType: http.DetectContentType(data), Data: data}, nil
}
