package setup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/njoerd114/exchangesync/internal/exchange"
)

// ErrRejected reports that the server turned down every login variant.
var ErrRejected = errors.New("credentials rejected")

// Probe logs in to the server, trying the domain login first and the bare
// user name second. It returns the credentials that worked.
func Probe(ctx context.Context, dialer exchange.Dialer, creds exchange.Credentials) (exchange.Service, exchange.Credentials, error) {
	attempts := []exchange.Credentials{creds}
	if creds.Domain != "" {
		attempts = append(attempts, exchange.Credentials{Username: creds.Username, Password: creds.Password})
	}
	for _, c := range attempts {
		svc, err := dialer.Dial(ctx, c)
		if err == nil {
			return svc, c, nil
		}
		if !errors.Is(err, exchange.ErrAuth) {
			return nil, exchange.Credentials{}, err
		}
	}
	return nil, exchange.Credentials{}, ErrRejected
}

// DiscoverFolders lists the account's calendar folders sorted by name.
func DiscoverFolders(ctx context.Context, svc exchange.Service) ([]exchange.Folder, error) {
	folders, err := svc.ListCalendarFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing calendar folders: %w", err)
	}
	sort.Slice(folders, func(i, j int) bool {
		a, b := strings.ToLower(folders[i].Name), strings.ToLower(folders[j].Name)
		if a != b {
			return a < b
		}
		return folders[i].ID < folders[j].ID
	})
	return folders, nil
}
