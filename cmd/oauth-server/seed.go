package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oauth-core/server"
	"github.com/giantswarm/oauth-core/storage"
)

// fixture is the YAML document accepted by seed --file.
//
//	users:
//	  - username: alice
//	    password: s3cret
//	clients:
//	  - client_id: web
//	    client_secret: websecret
//	    redirect_uris: [https://app.example.com/cb]
//	    grant_types: [authorization_code, refresh_token]
//	    scopes: [read]
type fixture struct {
	Users   []fixtureUser   `yaml:"users"`
	Clients []fixtureClient `yaml:"clients"`
}

type fixtureUser struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Email    string `yaml:"email"`
}

type fixtureClient struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Type         string   `yaml:"type"`
	Name         string   `yaml:"name"`
	RedirectURIs []string `yaml:"redirect_uris"`
	GrantTypes   []string `yaml:"grant_types"`
	Scopes       []string `yaml:"scopes"`
}

// defaultFixture is the development data set.
func defaultFixture() *fixture {
	return &fixture{
		Users: []fixtureUser{
			{Username: "testuser", Password: "123456"},
		},
		Clients: []fixtureClient{{
			ClientID:     "testclient",
			ClientSecret: "testclientsecret",
			Name:         "Test Client",
			RedirectURIs: []string{"http://localhost:3030/callback"},
			GrantTypes: []string{
				storage.GrantTypeAuthorizationCode,
				storage.GrantTypeRefreshToken,
				storage.GrantTypePassword,
			},
			Scopes: []string{"read", "write"},
		}},
	}
}

func loadFixture(path string) (*fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f fixture
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

func newSeedCommand(a *app) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create development users and clients",
		Long: "Create the user testuser (password 123456) and the client testclient " +
			"(secret testclientsecret), or the users and clients listed in a YAML file. " +
			"Existing entries are left untouched.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := defaultFixture()
			if file != "" {
				var err error
				if f, err = loadFixture(file); err != nil {
					return err
				}
			}
			return a.withServer(cmd.Context(), func(srv *server.Server) error {
				return seed(cmd.Context(), srv, f, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML fixture with users and clients")
	return cmd
}

func seed(ctx context.Context, srv *server.Server, f *fixture, out io.Writer) error {
	for _, u := range f.Users {
		user, err := srv.Credentials.RegisterUser(ctx, u.Username, u.Password, u.Email)
		switch {
		case errors.Is(err, storage.ErrUserExists):
			fmt.Fprintf(out, "user %s already exists, skipped\n", u.Username)
		case err != nil:
			return fmt.Errorf("create user %s: %w", u.Username, err)
		default:
			fmt.Fprintf(out, "created user %s (%s)\n", user.Username, user.ID)
		}
	}

	for _, c := range f.Clients {
		client, secret, err := srv.Clients.RegisterClient(ctx, server.ClientRegistration{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			ClientType:   c.Type,
			Name:         c.Name,
			RedirectURIs: c.RedirectURIs,
			GrantTypes:   c.GrantTypes,
			Scopes:       c.Scopes,
		})
		switch {
		case errors.Is(err, storage.ErrClientExists):
			fmt.Fprintf(out, "client %s already exists, skipped\n", c.ClientID)
		case err != nil:
			return fmt.Errorf("create client %s: %w", c.ClientID, err)
		case secret != "" && c.ClientSecret == "":
			fmt.Fprintf(out, "created client %s with generated secret %s\n", client.ClientID, secret)
		default:
			fmt.Fprintf(out, "created client %s\n", client.ClientID)
		}
	}
	return nil
}
