package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/aalan294/PEC-MediPlus/internal/app"
	"github.com/aalan294/PEC-MediPlus/internal/ledger"
	"github.com/aalan294/PEC-MediPlus/pkg/config"
	"github.com/aalan294/PEC-MediPlus/pkg/logger"
)

type options struct {
	configPath string
	signer     string
}

// session is one opened App bound to the command's context.
type session struct {
	*app.App
	out io.Writer
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "mediplusctl",
		Short:         "MediPlus operator CLI",
		Long:          "Operator actions for the MediPlus ledger and record store: verify entities, promote or reconcile the store after a partial success, and read prescriptions.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the configuration file")

	verify := &cobra.Command{
		Use:     "verify <entity-id>",
		Short:   "Register an entity on the ledger and mark it verified",
		Example: "  mediplusctl verify 6f1c... --as 0xAdminWallet",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, s *session) error {
				admin, err := s.signerFor(opts.signer)
				if err != nil {
					return err
				}
				unlock, err := s.Locker.Lock(ctx, admin.Address().Hex())
				if err != nil {
					return err
				}
				defer unlock()

				entity, err := s.Registrar.Verify(ctx, args[0], admin)
				if err != nil {
					return err
				}
				return s.print(entity)
			})
		},
	}
	verify.Flags().StringVar(&opts.signer, "as", "", "admin wallet address (defaults to the configured admin key)")

	promote := &cobra.Command{
		Use:   "promote <entity-id>",
		Short: "Mark an entity verified whose ledger record already exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, s *session) error {
				entity, err := s.Registrar.Promote(ctx, args[0])
				if err != nil {
					return err
				}
				return s.print(entity)
			})
		},
	}

	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild store state from the ledger",
	}
	reconcile.AddCommand(&cobra.Command{
		Use:   "entities",
		Short: "Promote unverified entities that the ledger already registers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, s *session) error {
				report, err := s.Registrar.ReconcileEntities(ctx)
				if err != nil {
					return err
				}
				return s.print(report)
			})
		},
	}, &cobra.Command{
		Use:   "prescriptions",
		Short: "Append ledger prescriptions missing from patient histories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, s *session) error {
				report, err := s.Prescriptions.Reconcile(ctx)
				if err != nil {
					return err
				}
				return s.print(report)
			})
		},
	})

	rx := &cobra.Command{
		Use:   "prescription",
		Short: "Read prescriptions from the ledger",
	}
	rx.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show one prescription and its fulfillment state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid prescription id %q", args[0])
			}
			return run(cmd, opts, func(ctx context.Context, s *session) error {
				p, err := s.Prescriptions.Get(ctx, id)
				if err != nil {
					return err
				}
				return s.print(p)
			})
		},
	})

	root.AddCommand(verify, promote, reconcile, rx)
	return root
}

// run opens the configured backends, runs fn and closes them.
func run(cmd *cobra.Command, opts *options, fn func(ctx context.Context, s *session) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	log := logger.New(cfg.LogLevel)
	log.SetOutput(cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	return fn(ctx, &session{App: a, out: cmd.OutOrStdout()})
}

func (s *session) signerFor(address string) (ledger.Signer, error) {
	if address != "" {
		return s.Keyring.Lookup(address)
	}
	if s.Config.Chain.AdminKey == "" {
		return nil, fmt.Errorf("no admin key configured; pass --as")
	}
	admin, err := ledger.NewKeySigner(s.Config.Chain.AdminKey)
	if err != nil {
		return nil, err
	}
	return admin, nil
}

func (s *session) print(v interface{}) error {
	enc := json.NewEncoder(s.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
