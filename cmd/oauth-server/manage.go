package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/server"
)

func newUserCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage resource owners",
	}

	var username, password, email string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		Long:  "Create a user. Without --password the password is read from the first line of stdin.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				var err error
				if password, err = readLine(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			return a.withServer(cmd.Context(), func(srv *server.Server) error {
				user, err := srv.Credentials.RegisterUser(cmd.Context(), username, password, email)
				if err != nil {
					return fmt.Errorf("create user: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", user.Username, user.ID)
				return nil
			})
		},
	}
	create.Flags().StringVarP(&username, "username", "u", "", "username (required)")
	create.Flags().StringVarP(&password, "password", "p", "", "password")
	create.Flags().StringVar(&email, "email", "", "email address")
	_ = create.MarkFlagRequired("username")

	cmd.AddCommand(create, newUserSetPasswordCommand(a), newUserUpdateCommand(a))
	return cmd
}

func newUserSetPasswordCommand(a *app) *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:   "set-password",
		Short: "Replace a user's password",
		Long:  "Replace a user's password. Without --password the password is read from the first line of stdin.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				var err error
				if password, err = readLine(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			return a.withServer(cmd.Context(), func(srv *server.Server) error {
				if err := srv.Credentials.SetPassword(cmd.Context(), username, password); err != nil {
					return fmt.Errorf("set password for %s: %w", username, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "updated password for %s\n", username)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username (required)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "new password")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newUserUpdateCommand(a *app) *cobra.Command {
	var username, email, name string

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Change a user's email or display name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var update server.UserUpdate
			if cmd.Flags().Changed("email") {
				update.Email = &email
			}
			if cmd.Flags().Changed("name") {
				update.Name = &name
			}
			if update.Email == nil && update.Name == nil {
				return fmt.Errorf("nothing to update")
			}

			return a.withServer(cmd.Context(), func(srv *server.Server) error {
				user, err := srv.Store().GetUserByUsername(cmd.Context(), username)
				if err != nil {
					return fmt.Errorf("update user %s: %w", username, err)
				}
				if _, err := srv.Credentials.UpdateUser(cmd.Context(), user.ID, update); err != nil {
					return fmt.Errorf("update user %s: %w", username, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "updated user %s\n", username)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username (required)")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newClientCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage OAuth clients",
	}
	cmd.AddCommand(
		newClientCreateCommand(a),
		newClientUpdateCommand(a),
		newClientListCommand(a),
		&cobra.Command{
			Use:   "delete <client-id>",
			Short: "Delete a client",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withServer(cmd.Context(), func(srv *server.Server) error {
					if err := srv.Clients.DeleteClient(cmd.Context(), args[0]); err != nil {
						return fmt.Errorf("delete client %s: %w", args[0], err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted client %s\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "regenerate-secret <client-id>",
			Short: "Replace a confidential client's secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withServer(cmd.Context(), func(srv *server.Server) error {
					secret, err := srv.Clients.RegenerateClientSecret(cmd.Context(), args[0])
					if err != nil {
						return fmt.Errorf("regenerate secret for %s: %w", args[0], err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "client_secret: %s\n", secret)
					return nil
				})
			},
		},
	)
	return cmd
}

func newClientCreateCommand(a *app) *cobra.Command {
	var reg server.ClientRegistration

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a client",
		Long:  "Register a client. The secret is printed once; only its hash is stored.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withServer(cmd.Context(), func(srv *server.Server) error {
				client, secret, err := srv.Clients.RegisterClient(cmd.Context(), reg)
				if err != nil {
					return fmt.Errorf("create client: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "client_id: %s\n", client.ClientID)
				if secret != "" {
					fmt.Fprintf(out, "client_secret: %s\n", secret)
				}
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&reg.ClientID, "id", "", "client ID (default: a generated UUID)")
	flags.StringVar(&reg.ClientSecret, "secret", "", "client secret (default: generated)")
	flags.StringVar(&reg.ClientType, "type", "", "confidential or public (default: confidential)")
	flags.StringVar(&reg.Name, "name", "", "display name")
	flags.StringVar(&reg.OwnerID, "owner", "", "owner user ID")
	flags.StringSliceVar(&reg.RedirectURIs, "redirect-uri", nil, "allowed redirect URI (repeatable)")
	flags.StringSliceVar(&reg.GrantTypes, "grant", nil, "allowed grant type (repeatable, default: authorization_code,refresh_token)")
	flags.StringSliceVar(&reg.Scopes, "scope", nil, "allowed scope (repeatable)")
	return cmd
}

func newClientUpdateCommand(a *app) *cobra.Command {
	var (
		name                         string
		redirectURIs, grants, scopes []string
	)

	cmd := &cobra.Command{
		Use:   "update <client-id>",
		Short: "Change a client's name, redirect URIs, grants or scopes",
		Long:  "Change a client's registration. Only the flags given are changed; list flags replace the whole list.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var update server.ClientUpdate
			flags := cmd.Flags()
			if flags.Changed("name") {
				update.Name = &name
			}
			if flags.Changed("redirect-uri") {
				update.RedirectURIs = nonNil(redirectURIs)
			}
			if flags.Changed("grant") {
				update.GrantTypes = nonNil(grants)
			}
			if flags.Changed("scope") {
				update.Scopes = nonNil(scopes)
			}
			if !flags.Changed("name") && !flags.Changed("redirect-uri") && !flags.Changed("grant") && !flags.Changed("scope") {
				return fmt.Errorf("nothing to update")
			}

			return a.withServer(cmd.Context(), func(srv *server.Server) error {
				client, err := srv.Clients.UpdateClient(cmd.Context(), args[0], update)
				if err != nil {
					return fmt.Errorf("update client %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "updated client %s\n", client.ClientID)
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&name, "name", "", "display name")
	flags.StringSliceVar(&redirectURIs, "redirect-uri", nil, "allowed redirect URI (repeatable)")
	flags.StringSliceVar(&grants, "grant", nil, "allowed grant type (repeatable)")
	flags.StringSliceVar(&scopes, "scope", nil, "allowed scope (repeatable)")
	return cmd
}

// nonNil turns an explicitly emptied list flag into an empty, non-nil slice.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func newClientListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withServer(cmd.Context(), func(srv *server.Server) error {
				clients, err := srv.Clients.ListClients(cmd.Context())
				if err != nil {
					return fmt.Errorf("list clients: %w", err)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CLIENT ID\tTYPE\tNAME\tGRANTS\tSCOPES")
				for _, c := range clients {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						c.ClientID, c.ClientType, c.Name,
						strings.Join(c.GrantTypes, ","), server.FormatScope(c.Scopes))
				}
				return tw.Flush()
			})
		},
	}
}

func newHashPasswordCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash of a password or client secret",
		Long:  "Print the bcrypt hash of a password or client secret. Without an argument the value is read from stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var plaintext string
			if len(args) == 1 {
				plaintext = args[0]
			} else {
				var err error
				if plaintext, err = readLine(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			if plaintext == "" {
				return fmt.Errorf("nothing to hash")
			}

			hash, err := security.BcryptHasher{Cost: a.v.GetInt("bcrypt-cost")}.Hash(plaintext)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
