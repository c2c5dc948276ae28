package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/iemedia/ChirpNestSSR/internal/adapters/view"
	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/account"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/compose"
)

func renderer(cmd *cobra.Command, opts *RootOptions) Renderer {
	return Renderer{Format: opts.Format, Writer: cmd.OutOrStdout()}
}

// reportNotices печатает уведомления, появившиеся после since.
func reportNotices(r Renderer, b *Backend, since uint64) error {
	return r.Notices(b.Viewer.Notices().Since(since))
}

type timelineOptions struct {
	scope  string
	pages  int
	follow bool
}

func newTimelineCommand(opts *RootOptions, connect Connector) *cobra.Command {
	topts := &timelineOptions{}
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Show the feed",
		Long: `Show the feed for the chosen scope.

Scopes: everyone, following, mine, saved. With --follow the command keeps
running and prints new posts as they arrive.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, ok := domain.ParseScopeKind(topts.scope)
			if !ok {
				return fmt.Errorf("unknown scope %q", topts.scope)
			}
			if topts.pages < 1 {
				return errors.New("--pages must be at least 1")
			}
			return run(cmd, connect, func(ctx context.Context, b *Backend) error {
				return timeline(ctx, renderer(cmd, opts), b, kind, topts)
			})
		},
	}
	cmd.Flags().StringVar(&topts.scope, "scope", "everyone", "feed scope (everyone|following|mine|saved)")
	cmd.Flags().IntVar(&topts.pages, "pages", 1, "number of pages to load")
	cmd.Flags().BoolVarP(&topts.follow, "follow", "f", false, "keep printing new posts")
	return cmd
}

func timeline(ctx context.Context, r Renderer, b *Backend, kind domain.ScopeKind, topts *timelineOptions) error {
	v := b.Viewer
	store := v.Store()
	if kind != store.Scope().Kind {
		if err := v.SetScope(ctx, kind); err != nil {
			return err
		}
	}
	for i := 1; i < topts.pages; i++ {
		if !store.Snapshot().HasMore {
			break
		}
		if err := store.LoadNextPage(ctx); err != nil {
			return err
		}
	}
	f := view.FromSnapshot(store.Snapshot(), time.Now())
	if err := r.Feed(f); err != nil {
		return err
	}
	if !topts.follow {
		return nil
	}

	seen := make(map[string]struct{}, len(f.Posts))
	for _, card := range f.Posts {
		seen[card.ID] = struct{}{}
	}
	lastNotice := v.Notices().Last()
	changes, stop := store.Watch()
	defer stop()
	notices, stopNotices := v.Notices().Watch()
	defer stopNotices()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-notices:
			fresh := v.Notices().Since(lastNotice)
			if len(fresh) > 0 {
				lastNotice = fresh[len(fresh)-1].Seq
				if err := r.Notices(fresh); err != nil {
					return err
				}
			}
		case <-changes:
			for _, card := range view.FromSnapshot(store.Snapshot(), time.Now()).Posts {
				if _, ok := seen[card.ID]; ok {
					continue
				}
				seen[card.ID] = struct{}{}
				if err := r.Post(card); err != nil {
					return err
				}
			}
		}
	}
}

func newPostCommand(opts *RootOptions, connect Connector) *cobra.Command {
	return &cobra.Command{
		Use:   "post <text...>",
		Short: "Publish a chirp",
		Long:  "Publish a chirp. Use - to read the text from stdin.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if text == "-" {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				text = string(raw)
			}
			if over := -compose.Remaining(text); over > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %d characters over the %d limit, the post will be cut\n", over, domain.MaxPostLength)
			}
			return run(cmd, connect, func(ctx context.Context, b *Backend) error {
				r := renderer(cmd, opts)
				since := b.Viewer.Notices().Last()
				post, err := b.Viewer.Store().Publish(ctx, text)
				if err != nil {
					_ = reportNotices(r, b, since)
					return err
				}
				if err := r.Post(view.NewPostCard(post, b.Viewer.Store().Viewer(), false, false, time.Now())); err != nil {
					return err
				}
				return reportNotices(r, b, since)
			})
		},
	}
}

func newToggleCommand(opts *RootOptions, connect Connector, kind domain.MembershipKind) *cobra.Command {
	return &cobra.Command{
		Use:   string(kind) + " <post-id>",
		Short: "Toggle the " + string(kind) + " mark on a post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, connect, func(ctx context.Context, b *Backend) error {
				r := renderer(cmd, opts)
				store := b.Viewer.Store()
				toggle := store.ToggleLike
				if kind == domain.MembershipSave {
					toggle = store.ToggleSave
				}
				on, err := toggle(ctx, args[0])
				if err != nil {
					return err
				}
				state := "Removed " + string(kind) + " from"
				if on {
					state = strings.ToUpper(string(kind[:1])) + string(kind[1:]) + "d"
				}
				return r.Message(fmt.Sprintf("%s %s", state, args[0]))
			})
		},
	}
}

func newDeleteCommand(opts *RootOptions, connect Connector) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <post-id>",
		Short: "Delete your post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, connect, func(ctx context.Context, b *Backend) error {
				r := renderer(cmd, opts)
				since := b.Viewer.Notices().Last()
				err := b.Viewer.Store().DeletePost(ctx, args[0])
				_ = reportNotices(r, b, since)
				return err
			})
		},
	}
}

type loginOptions struct {
	email    string
	password string
}

func newLoginCommand(opts *RootOptions, connect Connector) *cobra.Command {
	lopts := &loginOptions{}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Long: `Sign in with email and password. When --password is omitted it is
read from the first line of stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, connect, func(ctx context.Context, b *Backend) error {
				r := renderer(cmd, opts)
				svc := accounts(opts, b)
				password := lopts.password
				if password == "" {
					line, err := readLine(cmd.InOrStdin())
					if err != nil {
						return err
					}
					password = line
				}
				sess, err := svc.SignIn(ctx, lopts.email, password)
				if err != nil {
					return err
				}
				return r.Message("Signed in as " + identityName(sess.Identity))
			})
		},
	}
	cmd.Flags().StringVar(&lopts.email, "email", "", "account email")
	cmd.Flags().StringVar(&lopts.password, "password", "", "account password")
	return cmd
}

func newSignUpCommand(opts *RootOptions, connect Connector) *cobra.Command {
	in := &account.SignUpInput{}
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := account.ValidateSignUp(*in); err != nil {
				return err
			}
			return run(cmd, connect, func(ctx context.Context, b *Backend) error {
				id, err := accounts(opts, b).SignUp(ctx, *in)
				if err != nil {
					return err
				}
				return renderer(cmd, opts).Message("Account created for " + identityName(*id) + ". Check your email to confirm it.")
			})
		},
	}
	cmd.Flags().StringVar(&in.Email, "email", "", "account email")
	cmd.Flags().StringVar(&in.Username, "username", "", "username (3-15 letters, numbers, underscores)")
	cmd.Flags().StringVar(&in.Password, "password", "", "password")
	cmd.Flags().StringVar(&in.ConfirmPassword, "confirm", "", "password confirmation")
	return cmd
}

func newLogoutCommand(opts *RootOptions, connect Connector) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, connect, func(ctx context.Context, b *Backend) error {
				if err := accounts(opts, b).SignOut(ctx); err != nil {
					return err
				}
				return renderer(cmd, opts).Message("Signed out")
			})
		},
	}
}

func newWhoAmICommand(opts *RootOptions, connect Connector) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, connect, func(ctx context.Context, b *Backend) error {
				r := renderer(cmd, opts)
				st := b.Viewer.Session()
				id := st.ViewerID()
				if id == "" {
					return r.Message("Not signed in")
				}
				p, err := b.Profiles.GetProfile(ctx, id)
				if errors.Is(err, domain.ErrNotFound) {
					p = domain.Profile{ID: id}
				} else if err != nil {
					return err
				}
				return r.Profile(view.NewProfileCard(p))
			})
		},
	}
}

func identityName(id domain.Identity) string {
	if id.Username != "" {
		return id.Username
	}
	if id.Email != "" {
		return id.Email
	}
	return id.ID
}

func readLine(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
