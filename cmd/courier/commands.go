package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/auth"
	"github.com/MarcoPoloResearchLab/courier/internal/logging"
	"github.com/MarcoPoloResearchLab/courier/internal/notify"
	"github.com/MarcoPoloResearchLab/courier/internal/scheduler"
	"github.com/MarcoPoloResearchLab/courier/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic pending sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	app, err := newApplication(logging.NewLogger)
	if err != nil {
		return err
	}
	defer app.close() //nolint:errcheck

	tokenManager, err := newTokenIssuer(app)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:  tokenManager,
		NotifyService: app.service,
		Stream:        app.stream,
		Contacts:      app.contacts,
		Logger:        app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    app.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if app.config.SweepInterval > 0 {
		sweeper, err := scheduler.NewSweeper(scheduler.SweeperConfig{
			Target:   app.service,
			Interval: app.config.SweepInterval,
			Logger:   app.logger,
		})
		if err != nil {
			return err
		}
		sweeper.Start(signalCtx)
		defer sweeper.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Deliver every due pending entry once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(func(app *application) error {
				result, err := app.service.DeliverPending(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
}

func newPostCommand() *cobra.Command {
	var (
		domain string
		tags   []string
	)
	cmd := &cobra.Command{
		Use:   "post MESSAGE",
		Short: "Post a notification to every subscriber of a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(func(app *application) error {
				delivered, err := app.service.Post(cmd.Context(), args[0], notify.ParseDomainRef(domain), tags)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"delivered": delivered})
			})
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "Domain name or id")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Topic tag (repeatable)")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

func newDomainCommand() *cobra.Command {
	domainCmd := &cobra.Command{
		Use:   "domain",
		Short: "Manage notification domains",
	}

	var (
		description string
		options     int64
	)
	createCmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var descriptionPtr *string
			if cmd.Flags().Changed("description") {
				descriptionPtr = &description
			}
			return withApplication(func(app *application) error {
				domain, err := app.service.CreateDomain(cmd.Context(), args[0], descriptionPtr, options)
				if err != nil {
					return err
				}
				return printJSON(cmd, domain)
			})
		},
	}
	createCmd.Flags().StringVar(&description, "description", "", "Domain description")
	createCmd.Flags().Int64Var(&options, "options", 0, "Domain options")

	domainCmd.AddCommand(createCmd)
	return domainCmd
}

func newContactCommand() *cobra.Command {
	contactCmd := &cobra.Command{
		Use:   "contact",
		Short: "Manage user e-mail contacts",
	}

	var displayName string
	setCmd := &cobra.Command{
		Use:   "set USER_ID EMAIL",
		Short: "Store the e-mail address of a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return withApplication(func(app *application) error {
				contact, err := app.contacts.SetContact(cmd.Context(), userID, args[1], displayName)
				if err != nil {
					return err
				}
				return printJSON(cmd, contact)
			})
		},
	}
	setCmd.Flags().StringVar(&displayName, "name", "", "Display name")

	removeCmd := &cobra.Command{
		Use:   "remove USER_ID",
		Short: "Forget the e-mail address of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return withApplication(func(app *application) error {
				return app.contacts.RemoveContact(cmd.Context(), userID)
			})
		},
	}

	contactCmd.AddCommand(setCmd, removeCmd)
	return contactCmd
}

func newRegisterCommand() *cobra.Command {
	var (
		domains []string
		backend string
		options int64
	)
	cmd := &cobra.Command{
		Use:   "register USER_ID",
		Short: "Register a user for domains through a delivery backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return withApplication(func(app *application) error {
				if err := app.service.Register(cmd.Context(), userID, domainRefs(domains), backend, options); err != nil {
					return err
				}
				registration, err := app.service.Registration(cmd.Context(), userID)
				if err != nil {
					return err
				}
				return printJSON(cmd, registration)
			})
		},
	}
	cmd.Flags().StringSliceVar(&domains, "domain", nil, "Domain name or id (repeatable)")
	cmd.Flags().StringVar(&backend, "backend", "", "Delivery backend name")
	cmd.Flags().Int64Var(&options, "options", 0, "Backend options, e.g. digest time in seconds after midnight")
	_ = cmd.MarkFlagRequired("backend")
	return cmd
}

func newUnregisterCommand() *cobra.Command {
	var domains []string
	cmd := &cobra.Command{
		Use:   "unregister USER_ID",
		Short: "Remove a user's subscriptions, or the whole registration when no domain is given",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return withApplication(func(app *application) error {
				return app.service.Unregister(cmd.Context(), userID, domainRefs(domains)...)
			})
		},
	}
	cmd.Flags().StringSliceVar(&domains, "domain", nil, "Domain name or id (repeatable)")
	return cmd
}

func newPurgeCommand() *cobra.Command {
	var (
		user int64
		all  bool
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete delivered pending rows and the entries nothing references",
		RunE: func(cmd *cobra.Command, args []string) error {
			var userID *int64
			if cmd.Flags().Changed("user") {
				userID = &user
			}
			return withApplication(func(app *application) error {
				return app.service.PurgeEntries(cmd.Context(), userID, !all)
			})
		},
	}
	cmd.Flags().Int64Var(&user, "user", 0, "Only purge rows of this user")
	cmd.Flags().BoolVar(&all, "all", false, "Also delete rows that are still pending")
	return cmd
}

func newTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage access tokens",
	}

	var scope string
	issueCmd := &cobra.Command{
		Use:   "issue SUBJECT",
		Short: "Issue an access token; subscriber tokens use the user id as subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(logging.NewConsoleLogger)
			if err != nil {
				return err
			}
			defer app.close() //nolint:errcheck

			issuer, err := newTokenIssuer(app)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), args[0], scope)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"access_token": token,
				"expires_in":   expiresIn,
				"token_type":   "Bearer",
			})
		},
	}
	issueCmd.Flags().StringVar(&scope, "scope", auth.ScopeSubscriber, "Token scope (operator, subscriber)")

	tokenCmd.AddCommand(issueCmd)
	return tokenCmd
}

func withApplication(run func(app *application) error) error {
	app, err := newApplication(logging.NewConsoleLogger)
	if err != nil {
		return err
	}
	defer app.close() //nolint:errcheck
	return run(app)
}

func newTokenIssuer(app *application) (*auth.TokenIssuer, error) {
	if err := app.config.ValidateAuth(); err != nil {
		return nil, err
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(app.config.SigningSecret),
		Issuer:        app.config.TokenIssuer,
		Audience:      app.config.TokenAudience,
		TokenTTL:      app.config.TokenTTL,
	})
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func parseUserID(value string) (int64, error) {
	userID, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("invalid user id %q", value)
	}
	return userID, nil
}

func domainRefs(values []string) []notify.DomainRef {
	refs := make([]notify.DomainRef, 0, len(values))
	for _, value := range values {
		if strings.TrimSpace(value) == "" {
			continue
		}
		refs = append(refs, notify.ParseDomainRef(value))
	}
	return refs
}
