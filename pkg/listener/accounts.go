package listener

import (
	"context"

	"github.com/telekom/mail-courier/pkg/config"
)

// ConfigAccountSource serves the accounts listed in the configuration file.
type ConfigAccountSource struct {
	Accounts []config.Account
}

func (s ConfigAccountSource) GetActiveAccounts(context.Context) ([]config.Account, error) {
	active := make([]config.Account, 0, len(s.Accounts))
	for _, a := range s.Accounts {
		if a.IsActive() {
			active = append(active, a)
		}
	}
	return active, nil
}
