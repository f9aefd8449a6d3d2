package setup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	ekreminders "github.com/BRO3886/go-eventkit/reminders"

	"github.com/njoerd114/unforgotten/internal/backoff"
	"github.com/njoerd114/unforgotten/internal/model"
	"github.com/njoerd114/unforgotten/internal/remote"
)

// Account is an account the signed-in user can see, with the role that
// user holds in it.
type Account struct {
	ID   string
	Name string
	Role model.Role
}

// String returns a human-readable representation for selection prompts.
func (a Account) String() string {
	label := a.ID
	if a.Name != "" && a.Name != a.ID {
		label = fmt.Sprintf("%s (%s)", a.Name, a.ID)
	}
	if a.Role != "" {
		label += ", " + string(a.Role)
	}
	return label
}

// HAEntity represents a discovered Home Assistant todo entity.
type HAEntity struct {
	EntityID     string
	FriendlyName string
}

// String returns a human-readable representation for selection prompts.
func (e HAEntity) String() string {
	if e.FriendlyName != "" {
		return fmt.Sprintf("%s (%s)", e.FriendlyName, e.EntityID)
	}
	return e.EntityID
}

// RemindersList represents a discovered Apple Reminders list.
type RemindersList struct {
	Title string
	Count int
}

// DiscoverAccounts checks that the backend is reachable and the token is
// accepted, then returns the accounts visible to it sorted by name. Roles
// are resolved for userID: owner for accounts it owns, otherwise the role
// of its membership.
func DiscoverAccounts(ctx context.Context, backendURL, token, userID string, logger *slog.Logger) ([]Account, error) {
	rc, err := remote.New(backendURL, token, logger,
		remote.WithRetryPolicy(backoff.Policy{Base: 200 * time.Millisecond, Max: time.Second}))
	if err != nil {
		return nil, err
	}
	if err := rc.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", backendURL, err)
	}
	res, err := rc.List(ctx, model.KindAccounts, "", 0)
	if remote.IsStatus(err, http.StatusUnauthorized) {
		return nil, fmt.Errorf("invalid token (HTTP 401)")
	}
	if err != nil {
		return nil, err
	}
	roles, err := membershipRoles(ctx, rc, userID, logger)
	if err != nil {
		return nil, err
	}

	var accounts []Account
	for _, ent := range decodeLive(res.Records, logger) {
		acc := ent.(*model.Account)
		role := roles[acc.ID]
		if acc.OwnerUserID == userID {
			role = model.RoleOwner
		}
		accounts = append(accounts, Account{ID: acc.ID, Name: acc.DisplayName, Role: role})
	}
	sort.Slice(accounts, func(i, j int) bool {
		return strings.ToLower(accounts[i].Name) < strings.ToLower(accounts[j].Name)
	})
	return accounts, nil
}

// membershipRoles maps account id to the role userID holds there.
func membershipRoles(ctx context.Context, rc *remote.HTTPClient, userID string, logger *slog.Logger) (map[string]model.Role, error) {
	res, err := rc.List(ctx, model.KindAccountMembers, "", 0)
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}
	roles := make(map[string]model.Role)
	for _, ent := range decodeLive(res.Records, logger) {
		if m := ent.(*model.AccountMember); m.UserID == userID {
			roles[m.AccountID] = m.Role
		}
	}
	return roles, nil
}

// decodeLive decodes the non-deleted records, skipping ones that fail.
func decodeLive(recs []model.Record, logger *slog.Logger) []model.Entity {
	var out []model.Entity
	for _, rec := range recs {
		if rec.Deleted {
			continue
		}
		ent, err := model.FromRecord(rec)
		if err != nil {
			logger.Warn("skipping undecodable record", "kind", rec.Kind, "id", rec.ID, "error", err)
			continue
		}
		out = append(out, ent)
	}
	return out
}

// PingHA verifies connectivity with the Home Assistant instance using the
// given URL and token. Returns nil on success.
func PingHA(ctx context.Context, haURL, haToken string) error {
	endpoint := strings.TrimRight(haURL, "/") + "/api/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+haToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", haURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid access token (HTTP 401)")
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected HTTP %d from %s", resp.StatusCode, haURL)
	}
	return nil
}

// haStateEntry is the minimal JSON shape of /api/states entries.
type haStateEntry struct {
	EntityID   string `json:"entity_id"`
	Attributes struct {
		FriendlyName string `json:"friendly_name"`
	} `json:"attributes"`
}

// DiscoverHATodoEntities fetches all entities from Home Assistant and returns
// those in the "todo" domain, sorted alphabetically by entity ID.
func DiscoverHATodoEntities(ctx context.Context, haURL, haToken string) ([]HAEntity, error) {
	endpoint := strings.TrimRight(haURL, "/") + "/api/states"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+haToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching HA states: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HA returned HTTP %d", resp.StatusCode)
	}

	var states []haStateEntry
	if err := json.NewDecoder(resp.Body).Decode(&states); err != nil {
		return nil, fmt.Errorf("parsing HA states response: %w", err)
	}

	var entities []HAEntity
	for _, s := range states {
		if strings.HasPrefix(s.EntityID, "todo.") {
			entities = append(entities, HAEntity{
				EntityID:     s.EntityID,
				FriendlyName: s.Attributes.FriendlyName,
			})
		}
	}

	sort.Slice(entities, func(i, j int) bool {
		return entities[i].EntityID < entities[j].EntityID
	})
	return entities, nil
}

// DiscoverRemindersLists returns all Apple Reminders lists available on this
// Mac. This triggers the macOS TCC permissions prompt on first use.
func DiscoverRemindersLists(logger *slog.Logger) ([]RemindersList, error) {
	client, err := ekreminders.New()
	if err != nil {
		return nil, fmt.Errorf("initialising Reminders client: %w", err)
	}

	lists, err := client.Lists()
	if err != nil {
		return nil, fmt.Errorf("fetching Reminders lists: %w", err)
	}

	logger.Debug("discovered Reminders lists", "count", len(lists))

	var result []RemindersList
	for _, l := range lists {
		result = append(result, RemindersList{
			Title: l.Title,
			Count: l.Count,
		})
	}
	return result, nil
}
