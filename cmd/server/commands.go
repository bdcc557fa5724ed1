package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-gov-certificates/internal/client"
	"github.com/pesio-ai/be-gov-certificates/internal/definition"
	"github.com/pesio-ai/be-gov-certificates/internal/logger"
	"github.com/pesio-ai/be-gov-certificates/internal/repository"
	"github.com/pesio-ai/be-gov-certificates/internal/workflow"
)

// ── workflows ─────────────────────────────────────────────────────────────────

func workflowsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Inspect and publish workflow definitions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a workflow definitions file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := definition.LoadFile(args[0])
			if err != nil {
				return err
			}
			for _, t := range src.Types() {
				def, err := src.Definition(cmd.Context(), t)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %d steps  %s\n", t, len(def.Steps), def.Version[:19])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "import <file>",
		Short:   "Store the definitions of a file in postgres",
		Args:    cobra.ExactArgs(1),
		PreRunE: c.setupConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := definition.LoadFile(args[0])
			if err != nil {
				return err
			}

			db, err := openPostgres(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			var events *client.EventPublisher
			if c.cfg.Events.NATSURL != "" {
				nc, err := client.ConnectNATS(c.cfg.Events.NATSURL, c.cfg.Service.Name+"-import")
				if err != nil {
					return fmt.Errorf("connect to NATS: %w", err)
				}
				defer nc.Drain()
				events = client.NewEventPublisher(nc, c.cfg.Events.SubjectPrefix, c.log.Logger)
			} else {
				c.log.Warn().Msg("events.nats_url is not set, running servers keep cached definitions until cache_ttl")
			}

			return importWorkflows(cmd.Context(), src, repository.NewWorkflowDefinitionRepository(db), events, c.log)
		},
	})

	return cmd
}

type definitionStore interface {
	Save(ctx context.Context, def *workflow.Definition) error
}

// importWorkflows stores every definition of src and announces each change
// so running servers drop their cached snapshot.
func importWorkflows(ctx context.Context, src *definition.FileSource, store definitionStore, events *client.EventPublisher, log *logger.Logger) error {
	for _, t := range src.Types() {
		def, err := src.Definition(ctx, t)
		if err != nil {
			return err
		}
		if err := store.Save(ctx, def); err != nil {
			return fmt.Errorf("save %s: %w", t, err)
		}
		if err := events.PublishWorkflowUpdated(t, def.Version); err != nil {
			return err
		}
		log.Info().Str("certificate_type", t).Str("version", def.Version).Msg("Workflow definition stored")
	}
	return nil
}

// ── roles ─────────────────────────────────────────────────────────────────────

func rolesCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Manage official role membership in redis",
	}

	change := func(grant bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			rdb := redis.NewClient(&redis.Options{Addr: c.cfg.Roles.RedisAddr, DB: c.cfg.Roles.RedisDB})
			defer rdb.Close()

			dir := client.NewRedisRoleDirectory(rdb, c.cfg.Roles.Prefix)
			role, userID := args[0], args[1]
			if grant {
				return dir.Grant(cmd.Context(), role, userID)
			}
			return dir.Revoke(cmd.Context(), role, userID)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:     "grant <role> <user-id>",
			Short:   "Give a user an official role",
			Args:    cobra.ExactArgs(2),
			PreRunE: c.setupConfig,
			RunE:    change(true),
		},
		&cobra.Command{
			Use:     "revoke <role> <user-id>",
			Short:   "Take an official role from a user",
			Args:    cobra.ExactArgs(2),
			PreRunE: c.setupConfig,
			RunE:    change(false),
		},
		&cobra.Command{
			Use:     "list <role>",
			Short:   "List the holders of an official role",
			Args:    cobra.ExactArgs(1),
			PreRunE: c.setupConfig,
			RunE: func(cmd *cobra.Command, args []string) error {
				rdb := redis.NewClient(&redis.Options{Addr: c.cfg.Roles.RedisAddr, DB: c.cfg.Roles.RedisDB})
				defer rdb.Close()

				users, err := client.NewRedisRoleDirectory(rdb, c.cfg.Roles.Prefix).UsersWithRole(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, u := range users {
					fmt.Fprintln(cmd.OutOrStdout(), u)
				}
				return nil
			},
		},
	)
	return cmd
}

// ── remote actions ────────────────────────────────────────────────────────────

func remoteFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "localhost:9090", "gRPC address of the certificates service")
	cmd.Flags().String("token", os.Getenv("CERTS_TOKEN"), "bearer token (defaults to $CERTS_TOKEN)")
	cmd.Flags().Duration("timeout", 10*time.Second, "call timeout")
}

func dial(cmd *cobra.Command) (*client.CertificatesGRPCClient, context.Context, context.CancelFunc, error) {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cc, err := client.NewCertificatesGRPCClient(server, token)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return cc, ctx, cancel, nil
}

func actCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "act <request-id> <approve|reject|return>",
		Short: "Approve, reject or return a certificate request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, ctx, cancel, err := dial(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer cc.Close()

			comment, _ := cmd.Flags().GetString("comment")
			res, err := cc.Act(ctx, args[0], args[1], comment)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	remoteFlags(cmd)
	cmd.Flags().String("comment", "", "comment recorded in the audit trail")
	return cmd
}

func historyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <request-id>",
		Short: "Print the audit trail of a certificate request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, ctx, cancel, err := dial(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer cc.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for entry, err := range cc.History(ctx, args[0]) {
				if err != nil {
					return err
				}
				if err := enc.Encode(entry); err != nil {
					return err
				}
			}
			return nil
		},
	}
	remoteFlags(cmd)
	return cmd
}
