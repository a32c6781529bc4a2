package jobcreator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/openmash/mash/internal/models"
)

// AccountStore persists cloud account records in a Badger database.
type AccountStore struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// NewAccountStore opens the account database at path.
func NewAccountStore(path string, logger arbor.ILogger) (*AccountStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create account database directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil // Disable default badger logger to use arbor

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open account database: %w", err)
	}

	return &AccountStore{store: store, logger: logger}, nil
}

// Close closes the database.
func (s *AccountStore) Close() error {
	return s.store.Close()
}

// Account names are unique per user and cloud.
func accountKey(user, cloud, name string) string {
	return user + ":" + cloud + ":" + name
}

// Upsert stores or replaces an account record.
func (s *AccountStore) Upsert(account models.CloudAccount) error {
	if account.Name == "" || account.Cloud == "" || account.User == "" {
		return fmt.Errorf("account requires name, cloud and requesting_user")
	}
	key := accountKey(account.User, account.Cloud, account.Name)
	if err := s.store.Upsert(key, &account); err != nil {
		return fmt.Errorf("failed to store account %s: %w", account.Name, err)
	}
	return nil
}

// Get fetches one account record.
func (s *AccountStore) Get(user, cloud, name string) (*models.CloudAccount, error) {
	var account models.CloudAccount
	if err := s.store.Get(accountKey(user, cloud, name), &account); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("account not found: %s", name)
		}
		return nil, fmt.Errorf("failed to get account %s: %w", name, err)
	}
	return &account, nil
}

// Delete removes an account record. Deleting a missing account errors so
// the caller can report it.
func (s *AccountStore) Delete(user, cloud, name string) error {
	err := s.store.Delete(accountKey(user, cloud, name), &models.CloudAccount{})
	if err == badgerhold.ErrNotFound {
		return fmt.Errorf("account not found: %s", name)
	}
	if err != nil {
		return fmt.Errorf("failed to delete account %s: %w", name, err)
	}
	return nil
}

// ListForUser returns the user's accounts in one cloud.
func (s *AccountStore) ListForUser(user, cloud string) ([]models.CloudAccount, error) {
	var accounts []models.CloudAccount
	err := s.store.Find(&accounts, badgerhold.Where("User").Eq(user).And("Cloud").Eq(cloud))
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// ResolveAccounts builds the accounts_info mapping for a job: every named
// account resolved from storage, plus the members of every named group.
// Resolution snapshots at validation time; later account edits do not
// affect accepted jobs.
func (s *AccountStore) ResolveAccounts(user, cloud string, names, groups []string) (models.AccountsInfo, error) {
	info := make(models.AccountsInfo, len(names))
	for _, name := range names {
		account, err := s.Get(user, cloud, name)
		if err != nil {
			return nil, err
		}
		info[name] = *account
	}
	for _, group := range groups {
		var members []models.CloudAccount
		err := s.store.Find(&members, badgerhold.Where("User").Eq(user).And("Cloud").Eq(cloud).And("Group").Eq(group))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve group %s: %w", group, err)
		}
		if len(members) == 0 {
			return nil, fmt.Errorf("group not found: %s", group)
		}
		for _, account := range members {
			info[account.Name] = account
		}
	}
	return info, nil
}
