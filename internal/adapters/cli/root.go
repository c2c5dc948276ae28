// Package cli — терминальный клиент ленты.
package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/account"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/viewer"
)

// ValidFormats — допустимые форматы вывода.
var ValidFormats = []string{"text", "json"}

// RootOptions — глобальные флаги.
type RootOptions struct {
	Format string
	Log    zerolog.Logger
}

// Backend — собранный зритель и репозитории одного запуска.
type Backend struct {
	Viewer   *viewer.Viewer
	Profiles domain.ProfileRepo
	Close    func()
}

// Connector поднимает Backend. Вызывается командой один раз.
type Connector func(ctx context.Context) (*Backend, error)

// NewRootCommand создаёт корневую команду chirpctl.
func NewRootCommand(connect Connector, log zerolog.Logger) *cobra.Command {
	opts := &RootOptions{Log: log}

	cmd := &cobra.Command{
		Use:   "chirpctl",
		Short: "ChirpNest in the terminal",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newTimelineCommand(opts, connect))
	cmd.AddCommand(newPostCommand(opts, connect))
	cmd.AddCommand(newToggleCommand(opts, connect, domain.MembershipLike))
	cmd.AddCommand(newToggleCommand(opts, connect, domain.MembershipSave))
	cmd.AddCommand(newDeleteCommand(opts, connect))
	cmd.AddCommand(newLoginCommand(opts, connect))
	cmd.AddCommand(newSignUpCommand(opts, connect))
	cmd.AddCommand(newLogoutCommand(opts, connect))
	cmd.AddCommand(newWhoAmICommand(opts, connect))
	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// run монтирует зрителя на время команды.
func run(cmd *cobra.Command, connect Connector, fn func(ctx context.Context, b *Backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := connect(ctx)
	if err != nil {
		return fmt.Errorf("подключение: %w", err)
	}
	if b.Close != nil {
		defer b.Close()
	}
	if err := b.Viewer.Mount(ctx); err != nil {
		return err
	}
	defer b.Viewer.Unmount()
	return fn(ctx, b)
}

func accounts(opts *RootOptions, b *Backend) *account.Service {
	return account.NewService(b.Viewer.Auth(), b.Profiles, opts.Log.With().Str("component", "account").Logger())
}
