// Package installsync implements the Installation Sync job (spec §4.H):
// for an organization-owned installation, it reconciles the platform's
// member list against known users and links matching accounts to the
// installation so they can see its pull requests.
package installsync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kmanoj03/repopulse/internal/errs"
	"github.com/kmanoj03/repopulse/pkg/store"
)

// OrgMemberLister is the subset of the installation-scoped client this
// package needs. The concrete implementation (pkg/broker.Client) already
// falls back from the members endpoint to the public-members endpoint
// when the installation token lacks the org-members grant.
type OrgMemberLister interface {
	ListOrgMembers(ctx context.Context, installationID int64, org string) ([]string, error)
}

// UserLinker is the subset of pkg/store.Store this package needs.
type UserLinker interface {
	FindUserByUsername(ctx context.Context, username string) (store.User, error)
	AddInstallationToUser(ctx context.Context, userID string, installationID int64) error
}

// Result reports how many users were linked and which logins failed,
// without failing the overall sync (spec §4.H: "errors for individual
// members are non-fatal").
type Result struct {
	Updated int
	Errors  []error
}

// Syncer reconciles organization membership against known users.
type Syncer struct {
	client OrgMemberLister
	store  UserLinker
	logger *slog.Logger
}

// New builds a Syncer.
func New(client OrgMemberLister, st UserLinker, logger *slog.Logger) *Syncer {
	return &Syncer{client: client, store: st, logger: logger}
}

// SyncOrganization lists the org's members and, for every login that
// matches a known user's username, links that user to the installation.
// Only meaningful for organization-account installations; callers are
// expected to check Installation.AccountType before invoking this.
func (s *Syncer) SyncOrganization(ctx context.Context, inst store.Installation) (Result, error) {
	logins, err := s.client.ListOrgMembers(ctx, inst.InstallationID, inst.AccountLogin)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, login := range logins {
		user, err := s.store.FindUserByUsername(ctx, login)
		if err != nil {
			if errors.Is(err, errs.NotFound) {
				continue
			}
			res.Errors = append(res.Errors, err)
			s.logger.Warn("installation sync: looking up user failed", "login", login, "installation_id", inst.InstallationID, "error", err)
			continue
		}

		if err := s.store.AddInstallationToUser(ctx, user.ID, inst.InstallationID); err != nil {
			res.Errors = append(res.Errors, err)
			s.logger.Warn("installation sync: linking user failed", "login", login, "installation_id", inst.InstallationID, "error", err)
			continue
		}
		res.Updated++
	}

	return res, nil
}
