package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/seawire/pkg/crypto"
	"github.com/NicolasHaas/seawire/pkg/datastore"
	"github.com/NicolasHaas/seawire/pkg/model"
)

// UserYAML represents a user in YAML import/export.
type UserYAML struct {
	Username    string            `yaml:"username"`
	DisplayName string            `yaml:"display_name,omitempty"`
	Pronouns    string            `yaml:"pronouns,omitempty"`
	AccessLevel model.AccessLevel `yaml:"access_level"`
	Roles       []model.RoleTag   `yaml:"roles,omitempty"`
	Parent      string            `yaml:"parent,omitempty"`   // parent account username
	Password    string            `yaml:"password,omitempty"` // import only
	CreatedAt   string            `yaml:"created_at,omitempty"`
}

// UsersFile is the top-level YAML for user import/export.
type UsersFile struct {
	Users []UserYAML `yaml:"users"`
}

// LoadUsersFromYAML reads a users YAML file and creates any missing users.
func LoadUsersFromYAML(ctx context.Context, path string, st datastore.DataStore) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from server config
	if err != nil {
		return 0, fmt.Errorf("server: read users file: %w", err)
	}
	return ImportUsersYAML(ctx, data, st)
}

// ImportUsersYAML creates every listed user that does not exist yet. Parents
// must appear before their sub-accounts. A user that fails is logged and
// skipped; the count of created users is returned.
func ImportUsersYAML(ctx context.Context, data []byte, st datastore.DataStore) (int, error) {
	var file UsersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("server: parse users file: %w", err)
	}

	created := 0
	for _, u := range file.Users {
		ok, err := importUser(ctx, st, u)
		if err != nil {
			slog.Error("failed to import user", "username", u.Username, "err", err)
			continue
		}
		if ok {
			created++
		}
	}
	slog.Info("imported users from YAML", "listed", len(file.Users), "created", created)
	return created, nil
}

func importUser(ctx context.Context, st datastore.DataStore, u UserYAML) (bool, error) {
	existing, err := st.GetUserByUsername(ctx, u.Username)
	if err != nil {
		return false, err
	}
	if existing != nil {
		slog.Debug("user already exists", "username", u.Username)
		return false, nil
	}

	user := &model.User{
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Pronouns:    u.Pronouns,
		AccessLevel: u.AccessLevel,
	}
	if u.Parent != "" {
		parent, err := st.GetUserByUsername(ctx, u.Parent)
		if err != nil {
			return false, err
		}
		if parent == nil {
			return false, fmt.Errorf("parent %q not found", u.Parent)
		}
		user.ParentID = &parent.ID
	}
	if u.Password != "" {
		salt, err := crypto.GenerateSalt()
		if err != nil {
			return false, err
		}
		user.PasswordSalt = salt
		user.PasswordHash = crypto.HashPassword(u.Password, salt)
	}
	if err := st.CreateUser(ctx, user); err != nil {
		return false, err
	}
	for _, role := range u.Roles {
		if err := st.AddRole(ctx, user.ID, role); err != nil {
			return true, err
		}
	}
	return true, nil
}

// ExportUsersYAML exports all users as YAML. Passwords are never exported.
func ExportUsersYAML(ctx context.Context, st datastore.DataStore) ([]byte, error) {
	users, err := st.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[uuid.UUID]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Username
	}

	var export UsersFile
	// parents first so the file can be imported as-is
	for _, pass := range []bool{false, true} {
		for _, u := range users {
			if (u.ParentID != nil) != pass {
				continue
			}
			roles, err := st.ListRoles(ctx, u.ID)
			if err != nil {
				return nil, err
			}
			entry := UserYAML{
				Username:    u.Username,
				DisplayName: u.DisplayName,
				Pronouns:    u.Pronouns,
				AccessLevel: u.AccessLevel,
				Roles:       roles,
				CreatedAt:   u.CreatedAt.Format(time.RFC3339),
			}
			if u.ParentID != nil {
				entry.Parent = names[*u.ParentID]
			}
			export.Users = append(export.Users, entry)
		}
	}
	return yaml.Marshal(&export)
}
